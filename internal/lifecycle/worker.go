package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/precache"
	"github.com/shellcache/shellcache/internal/strategy"
)

// ErrNotActive 表示 worker 当前状态不能处理请求。
var ErrNotActive = errors.New("worker is not active")

// Worker 是绑定到单个版本号的缓存 worker。
type Worker struct {
	id         string
	version    string
	createdAt  time.Time
	registry   *generation.Registry
	dispatcher *strategy.Dispatcher
	background *strategy.Background

	// state 由 Host.mu 保护。
	state State
}

func newWorker(registry *generation.Registry, version string, fetcher network.Fetcher, manifest *precache.Manifest, logger *logrus.Logger) (*Worker, error) {
	background := &strategy.Background{}
	dispatcher, err := strategy.NewDispatcher(strategy.Options{
		Registry:        registry,
		Manifest:        manifest,
		Fetcher:         fetcher,
		OfflineDocument: manifest.OfflineDocument(),
		Background:      background,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	return &Worker{
		id:         uuid.NewString(),
		version:    version,
		createdAt:  time.Now().UTC(),
		registry:   registry,
		dispatcher: dispatcher,
		background: background,
		state:      StateInstalling,
	}, nil
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Version() string { return w.version }

func (w *Worker) Registry() *generation.Registry { return w.registry }

// Handle 只在 state 为 StateActive 时分派请求。
func (w *Worker) Handle(ctx context.Context, state State, req network.Request) (strategy.Result, error) {
	if state != StateActive {
		return strategy.Result{}, ErrNotActive
	}
	return w.dispatcher.Handle(ctx, req)
}

// Wait 等待该 worker 发起的后台刷新与写缓存结束。
func (w *Worker) Wait() {
	w.background.Wait()
}
