package strategy

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/network"
)

// Options 构造 Dispatcher 所需的依赖。
type Options struct {
	Registry *generation.Registry
	Manifest ManifestIndex
	Fetcher  network.Fetcher
	// OfflineDocument 是离线文档在核心代际中的键，可为空。
	OfflineDocument string
	Background      *Background
	Logger          *logrus.Logger
}

// Dispatcher 按分类把请求交给对应策略。
type Dispatcher struct {
	manifest   ManifestIndex
	fetcher    network.Fetcher
	cacheFirst *CacheFirst
	swr        *StaleWhileRevalidate
	navigate   *NavigationFallback
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, errors.New("strategy: registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("strategy: fetcher is required")
	}
	background := opts.Background
	if background == nil {
		background = &Background{}
	}
	logger := logging.Component(opts.Logger, "strategy")
	return &Dispatcher{
		manifest: opts.Manifest,
		fetcher:  opts.Fetcher,
		cacheFirst: &CacheFirst{
			core:    opts.Registry.Core(),
			fetcher: opts.Fetcher,
			logger:  logger,
		},
		swr: &StaleWhileRevalidate{
			runtime:    opts.Registry.Runtime(),
			fetcher:    opts.Fetcher,
			background: background,
			logger:     logger,
		},
		navigate: &NavigationFallback{
			registry: opts.Registry,
			fetcher:  opts.Fetcher,
			offline:  opts.OfflineDocument,
			logger:   logger,
		},
	}, nil
}

// Classify 使用 Dispatcher 的清单对请求分类。
func (d *Dispatcher) Classify(req network.Request) Class {
	return Classify(req, d.manifest)
}

// Handle 分类并执行对应策略。只有导航以外的策略会返回错误。
func (d *Dispatcher) Handle(ctx context.Context, req network.Request) (Result, error) {
	class := d.Classify(req)
	result := Result{Class: class}
	var err error
	switch class {
	case ClassNavigation:
		result.Response, result.Source = d.navigate.Handle(ctx, req)
	case ClassCoreAsset, ClassStatic:
		result.Response, result.Source, err = d.cacheFirst.Handle(ctx, req)
	case ClassRuntimeMedia:
		result.Response, result.Source, err = d.swr.Handle(ctx, req)
	default:
		result.Source = SourceNetwork
		result.Response, err = d.fetcher.Fetch(ctx, req)
	}
	return result, err
}
