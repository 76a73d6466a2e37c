package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Store 负责管理缓存代际的读写。不同后端的布局：
//
//	fs:      <StoragePath>/<generation>/<path>.entry   # 首行 JSON 元数据 + 正文
//	leveldb: n:<generation>                           # 代际标记
//	         e:<generation>\x00<key>                  # gob 编码的响应
//
// 单个操作是原子的；跨操作没有事务，同一 key 的并发写入以最后一次为准。
type Store interface {
	// Get 返回缓存的响应副本。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, locator Locator) (*Response, error)

	// Put 写入或替换单个条目，必要时隐式创建代际。
	Put(ctx context.Context, locator Locator, resp *Response) error

	// PutBatch 将一组条目整体写入代际：要么全部可见，要么全部不可见。
	PutBatch(ctx context.Context, generation string, entries []BatchEntry) error

	// Keys 列出代际内全部请求键。
	Keys(ctx context.Context, generation string) ([]string, error)

	// Generations 返回当前存在的全部代际名称（已排序）。
	Generations(ctx context.Context) ([]string, error)

	// DropGeneration 整体丢弃一个代际。
	DropGeneration(ctx context.Context, generation string) error

	Close() error
}

// Locator 唯一定位一个缓存条目（代际 + 请求键）。
type Locator struct {
	Generation string
	Key        string
}

// BatchEntry 是 PutBatch 的单个写入单元。
type BatchEntry struct {
	Key      string
	Response *Response
}

// Response 是完整缓冲的 HTTP 响应。静态站点的资源集合很小，直接保存在内存中。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 返回深拷贝，缓存写入与返回给调用方的副本互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	return clone
}

// OK 报告状态码是否为 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidGeneration 表示代际名称不能安全地映射到存储布局。
var ErrInvalidGeneration = errors.New("invalid generation name")

func validateGeneration(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidGeneration
	}
	return nil
}
