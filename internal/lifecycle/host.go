package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/messaging"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/precache"
	"github.com/shellcache/shellcache/internal/strategy"
)

var (
	// ErrInstallFailed 表示预缓存失败，该 worker 已被丢弃。
	ErrInstallFailed = errors.New("worker install failed")
	// ErrInboxFull 表示 host inbox 已满，消息被丢弃。
	ErrInboxFull = errors.New("host inbox full")
	// ErrClosed 表示 host 已关闭。
	ErrClosed = errors.New("host closed")
)

const (
	defaultInboxSize = 16
	// 状态页保留的 worker 数量，超出后最早的 redundant worker 被移除。
	maxTrackedWorkers = 8
)

// Options 构造 Host 所需的依赖。
type Options struct {
	Store       cache.Store
	Fetcher     network.Fetcher
	Manifest    *precache.Manifest
	CachePrefix string
	Hub         *messaging.Hub
	Concurrency int
	InboxSize   int
	Logger      *logrus.Logger
}

// Host 持有 active/waiting worker、页面 Hub 与消息 inbox。
type Host struct {
	store     cache.Store
	fetcher   network.Fetcher
	manifest  *precache.Manifest
	prefix    string
	hub       *messaging.Hub
	installer *precache.Installer
	rawLogger *logrus.Logger
	logger    *logrus.Entry

	// installMu 串行化 Register。
	installMu sync.Mutex
	// serving 在激活期间阻塞新的请求，并等待进行中的请求结束。
	serving sync.RWMutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker
	workers []*Worker
	// installing 是正在预缓存的 worker 的代际名，激活清理时必须跳过。
	installing map[string]struct{}

	inbox     chan messaging.Envelope
	closed    chan struct{}
	closeOnce sync.Once
}

func NewHost(opts Options) (*Host, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: fetcher is required")
	}
	if opts.Manifest == nil {
		return nil, errors.New("lifecycle: manifest is required")
	}
	if opts.Hub == nil {
		opts.Hub = messaging.NewHub(0)
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	return &Host{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		manifest:  opts.Manifest,
		prefix:    opts.CachePrefix,
		hub:       opts.Hub,
		installer: precache.NewInstaller(opts.Fetcher, opts.Concurrency, opts.Logger),
		rawLogger:  opts.Logger,
		logger:     logging.Component(opts.Logger, "lifecycle"),
		installing: make(map[string]struct{}),
		inbox:      make(chan messaging.Envelope, opts.InboxSize),
		closed:     make(chan struct{}),
	}, nil
}

func (h *Host) Hub() *messaging.Hub { return h.hub }

// Register 为 token 安装一个新 worker。安装成功后若没有 active worker
// 或没有打开的页面则立即激活，否则进入 Waiting。与 active 或 waiting
// 版本相同的 token 不做任何事并返回已有 worker。
func (h *Host) Register(ctx context.Context, token string) (*Worker, error) {
	h.installMu.Lock()
	defer h.installMu.Unlock()

	h.mu.Lock()
	if h.active != nil && h.active.version == token {
		w := h.active
		h.mu.Unlock()
		return w, nil
	}
	if h.waiting != nil && h.waiting.version == token {
		w := h.waiting
		h.mu.Unlock()
		return w, nil
	}
	h.mu.Unlock()

	registry, err := generation.NewRegistry(h.store, h.prefix, token, h.rawLogger)
	if err != nil {
		return nil, err
	}
	worker, err := newWorker(registry, token, h.fetcher, h.manifest, h.rawLogger)
	if err != nil {
		return nil, err
	}
	names := registry.ExpectedNames()
	h.mu.Lock()
	h.track(worker)
	h.installing[names.Core] = struct{}{}
	h.installing[names.Runtime] = struct{}{}
	h.mu.Unlock()
	h.logger.WithFields(logging.LifecycleFields(worker.id, token, "", StateInstalling.String())).Info("worker_installing")

	if err := h.installer.InstallCore(ctx, registry.Core(), h.manifest); err != nil {
		h.mu.Lock()
		h.finishInstall(names)
		h.transition(worker, StateRedundant)
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, token, err)
	}

	h.mu.Lock()
	h.finishInstall(names)
	if h.waiting != nil {
		h.transition(h.waiting, StateRedundant)
	}
	h.waiting = worker
	h.transition(worker, StateWaiting)
	promote := h.active == nil || h.hub.Count() == 0
	h.mu.Unlock()

	if promote {
		h.activateWaiting(ctx, "register")
	}
	return worker, nil
}

// activateWaiting 把 waiting worker 提升为 active：阻塞新请求，等待旧 worker
// 的后台任务，清理旧代际，切换后向所有页面广播 update-available。
func (h *Host) activateWaiting(ctx context.Context, reason string) bool {
	h.serving.Lock()

	h.mu.Lock()
	worker := h.waiting
	if worker == nil {
		h.mu.Unlock()
		h.serving.Unlock()
		return false
	}
	h.waiting = nil
	h.transition(worker, StateActivating)
	previous := h.active
	keep := make([]string, 0, len(h.installing))
	for name := range h.installing {
		keep = append(keep, name)
	}
	h.mu.Unlock()

	if previous != nil {
		previous.Wait()
	}
	detached := context.WithoutCancel(ctx)
	// 清理失败只记录日志，不阻止激活。
	worker.registry.Reconcile(detached, keep...)
	// 激活后存储中应恰好是当前版本的 core 与 runtime 两个代际。
	if err := worker.registry.Runtime().PutAll(detached, nil); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"action":     "activate",
			"generation": worker.registry.ExpectedNames().Runtime,
		}).Warn("runtime_generation_open_failed")
	}

	h.mu.Lock()
	h.active = worker
	h.transition(worker, StateActive)
	if previous != nil {
		h.transition(previous, StateRedundant)
	}
	h.mu.Unlock()
	h.serving.Unlock()

	delivered := h.hub.Broadcast(messaging.Message{Type: messaging.TypeUpdateAvailable})
	h.logger.WithFields(logrus.Fields{
		"action":         "activate",
		"worker_id":      worker.id,
		"worker_version": worker.version,
		"reason":         reason,
		"clients":        delivered,
	}).Info("update_broadcast")
	return true
}

// ActivateNow 立即激活 waiting worker，不等待页面关闭。没有 waiting worker 时返回 false。
func (h *Host) ActivateNow(ctx context.Context) bool {
	return h.activateWaiting(ctx, "activate-now")
}

// Deliver 把页面消息放入 inbox，不阻塞。
func (h *Host) Deliver(env messaging.Envelope) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	select {
	case h.inbox <- env:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run 消费 inbox 与页面空闲信号，直到 ctx 结束或 Close 被调用。
func (h *Host) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closed:
			return nil
		case env := <-h.inbox:
			h.handleMessage(ctx, env)
		case <-h.hub.Idle():
			if h.hub.Count() == 0 && h.hasWaiting() {
				h.activateWaiting(ctx, "clients-closed")
			}
		}
	}
}

func (h *Host) handleMessage(ctx context.Context, env messaging.Envelope) {
	switch env.Message.Type {
	case messaging.TypeActivateNow:
		if !h.ActivateNow(ctx) {
			h.logger.WithField("client_id", env.ClientID).Debug("activate_now_without_waiting_worker")
		}
	default:
		h.logger.WithFields(logrus.Fields{
			"client_id": env.ClientID,
			"type":      env.Message.Type,
		}).Debug("message_ignored")
	}
}

func (h *Host) hasWaiting() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting != nil
}

// Fetch 交给 active worker 处理；没有 active worker 时直接走网络。
func (h *Host) Fetch(ctx context.Context, req network.Request) (strategy.Result, error) {
	h.serving.RLock()
	defer h.serving.RUnlock()

	h.mu.Lock()
	worker := h.active
	state := StateRedundant
	if worker != nil {
		state = worker.state
	}
	h.mu.Unlock()

	if worker == nil {
		resp, err := h.fetcher.Fetch(ctx, req)
		return strategy.Result{Class: strategy.ClassPassthrough, Source: strategy.SourceNetwork, Response: resp}, err
	}
	return worker.Handle(ctx, state, req)
}

// ActiveVersion 返回 active worker 的版本号，没有时为空。
func (h *Host) ActiveVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return ""
	}
	return h.active.version
}

// Close 停止 Run 并等待所有 worker 的后台任务结束。
func (h *Host) Close() {
	h.closeOnce.Do(func() { close(h.closed) })

	h.serving.Lock()
	defer h.serving.Unlock()
	h.mu.Lock()
	workers := append([]*Worker(nil), h.workers...)
	h.mu.Unlock()
	for _, w := range workers {
		w.Wait()
	}
}

// WorkerStatus 是状态页中的单个 worker。
type WorkerStatus struct {
	ID        string           `json:"id"`
	Version   string           `json:"version"`
	State     string           `json:"state"`
	Names     generation.Names `json:"generations"`
	CreatedAt time.Time        `json:"created_at"`
}

// Status 是 /-/status 的返回结构。
type Status struct {
	ActiveVersion  string         `json:"active_version"`
	WaitingVersion string         `json:"waiting_version,omitempty"`
	Clients        int            `json:"clients"`
	Workers        []WorkerStatus `json:"workers"`
}

func (h *Host) Snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := Status{
		Clients: h.hub.Count(),
		Workers: make([]WorkerStatus, 0, len(h.workers)),
	}
	if h.active != nil {
		status.ActiveVersion = h.active.version
	}
	if h.waiting != nil {
		status.WaitingVersion = h.waiting.version
	}
	for _, w := range h.workers {
		status.Workers = append(status.Workers, WorkerStatus{
			ID:        w.id,
			Version:   w.version,
			State:     w.state.String(),
			Names:     w.registry.ExpectedNames(),
			CreatedAt: w.createdAt,
		})
	}
	return status
}

// GenerationReport 是 /-/generations 的返回结构。
type GenerationReport struct {
	Expected *generation.Names `json:"expected,omitempty"`
	// Entries 是 active worker 各代际的条目数，按 core/runtime 区分。
	Entries map[generation.Role]int `json:"entries,omitempty"`
	Stored  []string                `json:"stored"`
}

// Generations 返回 active worker 期望的代际名、各代际条目数，以及存储中实际存在的代际名。
func (h *Host) Generations(ctx context.Context) (GenerationReport, error) {
	var report GenerationReport
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()

	if active != nil {
		names := active.registry.ExpectedNames()
		report.Expected = &names
		report.Entries = make(map[generation.Role]int, 2)
		for _, gen := range []*generation.Generation{active.registry.Core(), active.registry.Runtime()} {
			keys, err := gen.Keys(ctx)
			if err != nil {
				return report, err
			}
			report.Entries[gen.Role()] = len(keys)
		}
	}

	stored, err := h.store.Generations(ctx)
	if err != nil {
		return report, err
	}
	if stored == nil {
		stored = []string{}
	}
	report.Stored = stored
	return report, nil
}

// track 记录 worker，调用方持有 h.mu。
func (h *Host) track(w *Worker) {
	h.workers = append(h.workers, w)
	for len(h.workers) > maxTrackedWorkers {
		idx := -1
		for i, candidate := range h.workers {
			if candidate.state == StateRedundant {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		h.workers = append(h.workers[:idx], h.workers[idx+1:]...)
	}
}

// finishInstall 撤销安装期的清理保护，调用方持有 h.mu。
func (h *Host) finishInstall(names generation.Names) {
	delete(h.installing, names.Core)
	delete(h.installing, names.Runtime)
}

// transition 修改 worker 状态并记录日志，调用方持有 h.mu。
func (h *Host) transition(w *Worker, to State) {
	from := w.state
	w.state = to
	h.logger.WithFields(logging.LifecycleFields(w.id, w.version, from.String(), to.String())).Info("worker_state_changed")
}
