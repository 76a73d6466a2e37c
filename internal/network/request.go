package network

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Request 是一次被拦截的网络请求。构造后不再修改，所有策略共享同一份值。
type Request struct {
	Method string
	// URL 是相对源站的路径 + 查询串，例如 "/assets/js/app.js?v=2"。
	URL string
	// Mode/Destination 对应浏览器的 Sec-Fetch-Mode / Sec-Fetch-Dest。
	Mode        string
	Destination string
	Header      http.Header
	Body        []byte
}

// NewRequest 规范化 method 与路径后构造 Request。
func NewRequest(method, rawURL, mode, destination string, header http.Header, body []byte) Request {
	if method == "" {
		method = http.MethodGet
	}
	return Request{
		Method:      strings.ToUpper(method),
		URL:         normalizeURL(rawURL),
		Mode:        strings.ToLower(strings.TrimSpace(mode)),
		Destination: strings.ToLower(strings.TrimSpace(destination)),
		Header:      header.Clone(),
		Body:        body,
	}
}

// Get 构造一个无额外头部的 GET 请求，用于预缓存与后台刷新。
func Get(rawURL string) Request {
	return NewRequest(http.MethodGet, rawURL, "", "", nil, nil)
}

// Path 返回不含查询串的路径。
func (r Request) Path() string {
	p, _, _ := strings.Cut(r.URL, "?")
	return p
}

// Key 返回缓存键：规范化路径 + 原始查询串。
func (r Request) Key() string {
	return r.URL
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		raw = parsed.RequestURI()
	}
	rawPath, rawQuery, hasQuery := strings.Cut(raw, "?")
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}
	if hasQuery && rawQuery != "" {
		return clean + "?" + rawQuery
	}
	return clean
}
