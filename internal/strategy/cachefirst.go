package strategy

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/network"
)

// CacheFirst 先查核心代际，未命中再走网络，成功的响应写回核心代际。
type CacheFirst struct {
	core    *generation.Generation
	fetcher network.Fetcher
	logger  *logrus.Entry
}

func (s *CacheFirst) Handle(ctx context.Context, req network.Request) (*cache.Response, Source, error) {
	cached, err := s.core.Match(ctx, req.Key())
	if err == nil {
		return cached, SourceCache, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.logger.WithError(err).WithField("key", req.Key()).Warn("cache_lookup_failed")
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, SourceNetwork, err
	}
	if resp.OK() {
		// 请求方可能已经离开，写缓存不跟随请求取消。
		if err := s.core.Put(context.WithoutCancel(ctx), req.Key(), resp); err != nil {
			s.logger.WithError(err).WithField("key", req.Key()).Warn("cache_store_failed")
		}
	}
	return resp, SourceNetwork, nil
}
