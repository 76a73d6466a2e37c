package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/network"
)

// StaleWhileRevalidate 命中时立即返回运行时代际中的副本，同时在后台刷新；
// 同一个键同时只有一个刷新在进行。
type StaleWhileRevalidate struct {
	runtime    *generation.Generation
	fetcher    network.Fetcher
	background *Background
	refreshes  singleflight.Group
	logger     *logrus.Entry
}

func (s *StaleWhileRevalidate) Handle(ctx context.Context, req network.Request) (*cache.Response, Source, error) {
	cached, err := s.runtime.Match(ctx, req.Key())
	if err == nil {
		s.revalidate(context.WithoutCancel(ctx), req)
		return cached, SourceCache, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.logger.WithError(err).WithField("key", req.Key()).Warn("cache_lookup_failed")
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, SourceNetwork, fmt.Errorf("%w: %s: %w", ErrNoCachedCopy, req.Key(), err)
	}
	s.store(context.WithoutCancel(ctx), req.Key(), resp)
	return resp, SourceNetwork, nil
}

func (s *StaleWhileRevalidate) revalidate(ctx context.Context, req network.Request) {
	key := req.Key()
	s.background.Go(func() {
		_, _, _ = s.refreshes.Do(key, func() (any, error) {
			resp, err := s.fetcher.Fetch(ctx, req)
			if err != nil {
				// 刷新失败不影响已返回的响应，保留旧副本。
				s.logger.WithError(err).WithField("key", key).Debug("revalidate_failed")
				return nil, err
			}
			s.store(ctx, key, resp)
			return nil, nil
		})
	})
}

func (s *StaleWhileRevalidate) store(ctx context.Context, key string, resp *cache.Response) {
	if !resp.OK() {
		return
	}
	if err := s.runtime.Put(ctx, key, resp); err != nil {
		s.logger.WithError(err).WithField("key", key).Warn("cache_store_failed")
	}
}
