package generation

import (
	"context"

	"github.com/shellcache/shellcache/internal/cache"
)

// Generation 是单个代际的句柄。条目只追加或整体替换，不会原地修改键。
type Generation struct {
	name  string
	role  Role
	store cache.Store
}

func (g *Generation) Name() string { return g.name }

func (g *Generation) Role() Role { return g.role }

// Match 返回 key 对应的缓存副本，未命中时返回 cache.ErrNotFound。
func (g *Generation) Match(ctx context.Context, key string) (*cache.Response, error) {
	return g.store.Get(ctx, cache.Locator{Generation: g.name, Key: key})
}

// Put 写入 resp 的副本，调用方可继续使用原对象。
func (g *Generation) Put(ctx context.Context, key string, resp *cache.Response) error {
	return g.store.Put(ctx, cache.Locator{Generation: g.name, Key: key}, resp.Clone())
}

// PutAll 原子写入一组条目。
func (g *Generation) PutAll(ctx context.Context, entries []cache.BatchEntry) error {
	return g.store.PutBatch(ctx, g.name, entries)
}

// Keys 列出代际内的全部键。
func (g *Generation) Keys(ctx context.Context) ([]string, error) {
	return g.store.Keys(ctx, g.name)
}
