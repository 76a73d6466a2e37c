package strategy

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/network"
)

const fallbackPage = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet. Reconnect and try again.</p></body>
</html>
`

// NavigationFallback 对导航请求网络优先；网络失败时依次回退到任意代际中的副本、
// 离线文档、内置离线页。导航永远不会以错误结束。
type NavigationFallback struct {
	registry *generation.Registry
	fetcher  network.Fetcher
	offline  string
	logger   *logrus.Entry
}

func (s *NavigationFallback) Handle(ctx context.Context, req network.Request) (*cache.Response, Source) {
	resp, err := s.fetcher.Fetch(ctx, req)
	// 页面被中止后回退查询仍需完成。
	detached := context.WithoutCancel(ctx)
	if err == nil {
		if resp.OK() {
			if err := s.registry.Core().Put(detached, req.Key(), resp); err != nil {
				s.logger.WithError(err).WithField("key", req.Key()).Warn("cache_store_failed")
			}
		}
		return resp, SourceNetwork
	}
	s.logger.WithError(err).WithField("key", req.Key()).Info("navigation_offline")

	if cached, err := s.registry.MatchAny(detached, req.Key()); err == nil {
		return cached, SourceCache
	}
	if s.offline != "" {
		if doc, err := s.registry.Core().Match(detached, s.offline); err == nil {
			return doc, SourceOffline
		}
	}
	return builtinOfflinePage(), SourceOffline
}

func builtinOfflinePage() *cache.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	return &cache.Response{
		Status:   http.StatusServiceUnavailable,
		Header:   header,
		Body:     []byte(fallbackPage),
		StoredAt: time.Now().UTC(),
	}
}
