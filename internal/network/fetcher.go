package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shellcache/shellcache/internal/cache"
)

// Fetcher 执行一次真实的网络请求并返回完整缓冲的响应。
// 传输层失败（断网、取消、超时）返回 error；任何 HTTP 状态码都视为成功返回。
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	return f(ctx, req)
}

// ErrUpstreamStatus 表示源站返回了非 2xx 状态，调用方按需包装。
var ErrUpstreamStatus = errors.New("upstream returned non-success status")

// OriginFetcher 把 Request 解析到唯一源站并发出请求。
type OriginFetcher struct {
	client *http.Client
	origin *url.URL
}

// NewOriginFetcher 解析 origin 并绑定共享 http.Client。
func NewOriginFetcher(client *http.Client, origin string) (*OriginFetcher, error) {
	parsed, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin: %s", origin)
	}
	if client == nil {
		client = NewUpstreamClient(0)
	}
	return &OriginFetcher{client: client, origin: parsed}, nil
}

// Origin 返回源站地址，用于日志与诊断。
func (f *OriginFetcher) Origin() string {
	return f.origin.String()
}

// Fetch 实现 Fetcher。
func (f *OriginFetcher) Fetch(ctx context.Context, req Request) (*cache.Response, error) {
	target := f.resolve(req)

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	upstream, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(upstream.Header, req.Header)
	// 缓存需要明文正文，由 Transport 自行协商压缩。
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Host = target.Host

	resp, err := f.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	header.Del("Content-Encoding")

	return &cache.Response{
		Status:   resp.StatusCode,
		Header:   header,
		Body:     payload,
		StoredAt: time.Now().UTC(),
	}, nil
}

func (f *OriginFetcher) resolve(req Request) *url.URL {
	rawPath, rawQuery, _ := strings.Cut(req.URL, "?")
	target := *f.origin
	target.Path = strings.TrimRight(f.origin.Path, "/") + rawPath
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}
