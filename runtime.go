package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/config"
	"github.com/shellcache/shellcache/internal/lifecycle"
	"github.com/shellcache/shellcache/internal/messaging"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/precache"
	"github.com/shellcache/shellcache/internal/proxy"
	"github.com/shellcache/shellcache/internal/server"
	"github.com/shellcache/shellcache/internal/server/routes"
)

// shellRuntime 持有进程级共享对象：存储、清单、页面 Hub 与 lifecycle host。
type shellRuntime struct {
	store    cache.Store
	manifest *precache.Manifest
	hub      *messaging.Hub
	host     *lifecycle.Host
	logger   *logrus.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*shellRuntime, error) {
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	manifest, err := buildManifest(cfg.Shell)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("构建预缓存清单失败: %w", err)
	}

	fetcher, err := network.NewOriginFetcher(network.NewUpstreamClient(cfg.Global.UpstreamTimeout.DurationValue()), cfg.Shell.Origin)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"action":         "origin",
		"origin":         fetcher.Origin(),
		"storage_driver": cfg.Global.StorageDriver,
	}).Info("源站已就绪")

	hub := messaging.NewHub(cfg.Shell.ClientBuffer)
	host, err := lifecycle.NewHost(lifecycle.Options{
		Store:       store,
		Fetcher:     fetcher,
		Manifest:    manifest,
		CachePrefix: cfg.Shell.CachePrefix,
		Hub:         hub,
		Concurrency: cfg.Shell.InstallConcurrency,
		Logger:      logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &shellRuntime{
		store:    store,
		manifest: manifest,
		hub:      hub,
		host:     host,
		logger:   logger,
	}, nil
}

// buildManifest 按 ManifestFile → Precache → 默认外壳清单的优先级构建清单。
func buildManifest(shell config.ShellConfig) (*precache.Manifest, error) {
	if shell.ManifestFile != "" {
		return precache.LoadManifest(shell.ManifestFile, shell.Scope, shell.OfflineDocument)
	}
	assets := shell.Precache
	if len(assets) == 0 {
		assets = precache.DefaultAssets
	}
	return precache.NewManifest(shell.Scope, assets, shell.OfflineDocument)
}

// start 注册初始 worker 并启动 host 消息循环。初始安装失败时以直连模式继续服务。
func (rt *shellRuntime) start(ctx context.Context, token string) {
	_, err := rt.host.Register(ctx, token)
	registerOutcome(rt.logger, token, err)

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		_ = rt.host.Run(ctx)
	}()
}

// onVersionChange 返回配置监听回调：新的 VersionToken 触发一次 worker 注册。
func (rt *shellRuntime) onVersionChange(ctx context.Context) func(config.VersionChange) {
	return func(change config.VersionChange) {
		rt.logger.WithFields(logrus.Fields{
			"action":   "version_change",
			"previous": change.Previous,
			"current":  change.Current,
		}).Info("检测到新版本")

		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			_, err := rt.host.Register(ctx, change.Current)
			registerOutcome(rt.logger, change.Current, err)
		}()
	}
}

func (rt *shellRuntime) newApp(cfg *config.Config) (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     rt.logger,
		Proxy:      proxy.NewHandler(rt.host, rt.logger),
		Scope:      cfg.Shell.Scope,
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticRoutes(app, rt.host)
	routes.RegisterMessageRoutes(app, rt.host, rt.logger)
	return app, nil
}

// Close 断开页面、等待后台任务并关闭存储。
func (rt *shellRuntime) Close() {
	rt.closeOnce.Do(func() {
		rt.hub.CloseAll()
		rt.host.Close()
		rt.wg.Wait()
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).Warn("关闭缓存存储失败")
		}
	})
}
