package strategy

import (
	"errors"
	"sync"

	"github.com/shellcache/shellcache/internal/cache"
)

// Source 标记响应来自哪里，写入 X-Shellcache-Source 头与日志。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// ErrNoCachedCopy 表示网络失败且没有可用的缓存副本。
var ErrNoCachedCopy = errors.New("no cached copy")

// Result 是一次拦截的结果。
type Result struct {
	Class    Class
	Source   Source
	Response *cache.Response
}

// Background 跟踪响应返回后仍需完成的后台任务（如 SWR 刷新、写缓存）。
type Background struct {
	wg sync.WaitGroup
}

// Go 在后台执行 fn 并计入等待组。
func (b *Background) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// Wait 阻塞直到所有后台任务结束。
func (b *Background) Wait() {
	b.wg.Wait()
}
