package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shellcache/shellcache/internal/cache"
	"github.com/shellcache/shellcache/internal/generation"
	"github.com/shellcache/shellcache/internal/logging"
	"github.com/shellcache/shellcache/internal/messaging"
	"github.com/shellcache/shellcache/internal/network"
	"github.com/shellcache/shellcache/internal/precache"
	"github.com/shellcache/shellcache/internal/strategy"
)

func TestRegisterActivatesFirstWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker, err := env.host.Register(ctx, "v1")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if env.host.ActiveVersion() != "v1" || worker.Version() != "v1" {
		t.Fatalf("expected v1 active, got %q", env.host.ActiveVersion())
	}

	before := env.upstream.count()
	res, err := env.host.Fetch(ctx, network.NewRequest("GET", "/assets/js/app.js", "no-cors", "script", nil, nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if res.Source != strategy.SourceCache || res.Class != strategy.ClassCoreAsset {
		t.Fatalf("precached asset should come from cache, got %+v", res)
	}
	if env.upstream.count() != before {
		t.Fatalf("precached asset must not hit the network")
	}
}

func TestRegisterSameTokenIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.host.Register(ctx, "v1")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	calls := env.upstream.count()
	second, err := env.host.Register(ctx, "v1")
	if err != nil || second != first {
		t.Fatalf("same token should return existing worker, got %v / %v", second, err)
	}
	if env.upstream.count() != calls {
		t.Fatalf("same token must not reinstall")
	}
}

func TestInstallFailureKeepsPreviousWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}

	env.upstream.fail("/assets/js/app.js")
	_, err := env.host.Register(ctx, "v2")
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if env.host.ActiveVersion() != "v1" {
		t.Fatalf("previous worker must stay active, got %q", env.host.ActiveVersion())
	}
	keys, err := env.store.Keys(ctx, "sra-core-v2")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("failed install left %d entries", len(keys))
	}

	status := env.host.Snapshot()
	if got := workerState(status, "v2"); got != StateRedundant.String() {
		t.Fatalf("failed worker should be redundant, got %q", got)
	}
}

func TestActivationLeavesOnlyCurrentGenerations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.Put(ctx, cache.Locator{Generation: "legacy-images", Key: "/a.png"}, okResponse("x")); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	assertGenerations(t, env.store, "sra-core-v1", "sra-runtime-v1")

	if _, err := env.host.Register(ctx, "v2"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	assertGenerations(t, env.store, "sra-core-v2", "sra-runtime-v2")
}

func TestActivationKeepsGenerationOfConcurrentInstall(t *testing.T) {
	gated := &gatedStore{
		generation: "sra-core-v3",
		committed:  make(chan struct{}),
		release:    make(chan struct{}),
	}
	env := newTestEnv(t, func(o *Options) {
		gated.Store = o.Store
		o.Store = gated
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	page := env.host.Hub().Connect()
	if _, err := env.host.Register(ctx, "v2"); err != nil {
		t.Fatalf("register error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.host.Register(ctx, "v3")
		done <- err
	}()

	// v3 的核心代际已经写入，但尚未成为 waiting worker。
	select {
	case <-gated.committed:
	case <-time.After(2 * time.Second):
		t.Fatalf("v3 install never committed")
	}
	if !env.host.ActivateNow(ctx) {
		t.Fatalf("activate-now should promote waiting v2")
	}
	close(gated.release)
	if err := <-done; err != nil {
		t.Fatalf("register v3 error: %v", err)
	}

	if env.host.ActiveVersion() != "v2" || env.host.Snapshot().WaitingVersion != "v3" {
		t.Fatalf("expected v2 active and v3 waiting, status %+v", env.host.Snapshot())
	}
	keys, err := env.store.Keys(ctx, "sra-core-v3")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != env.host.manifest.Len() {
		t.Fatalf("v3 core generation lost entries during v2 activation: %v", keys)
	}

	go func() { _ = env.host.Run(ctx) }()
	env.host.Hub().Disconnect(page.ID())
	waitFor(t, func() bool { return env.host.ActiveVersion() == "v3" })

	before := env.upstream.count()
	res, err := env.host.Fetch(ctx, network.NewRequest("GET", "/assets/js/app.js", "no-cors", "script", nil, nil))
	if err != nil || res.Source != strategy.SourceCache {
		t.Fatalf("v3 should serve its precache, got %+v / %v", res, err)
	}
	if env.upstream.count() != before {
		t.Fatalf("precached asset must not hit the network")
	}
	assertGenerations(t, env.store, "sra-core-v3", "sra-runtime-v3")
}

func TestUpdateBroadcastReachesOpenClients(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}

	hub := env.host.Hub()
	a := hub.Connect()
	b := hub.Connect()
	gone := hub.Connect()
	hub.Disconnect(gone.ID())

	if _, err := env.host.Register(ctx, "v2"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	if env.host.ActiveVersion() != "v1" || env.host.Snapshot().WaitingVersion != "v2" {
		t.Fatalf("v2 should wait while pages are open, status %+v", env.host.Snapshot())
	}

	go func() { _ = env.host.Run(ctx) }()
	if err := env.host.Deliver(messaging.Envelope{ClientID: a.ID(), Message: messaging.Message{Type: messaging.TypeActivateNow}}); err != nil {
		t.Fatalf("deliver error: %v", err)
	}

	for _, client := range []*messaging.Client{a, b} {
		select {
		case msg := <-client.Messages():
			if msg.Type != messaging.TypeUpdateAvailable {
				t.Fatalf("unexpected message %+v", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("client %s did not receive update-available", client.ID())
		}
		select {
		case msg := <-client.Messages():
			t.Fatalf("expected exactly one message, got extra %+v", msg)
		default:
		}
	}
	if _, open := <-gone.Messages(); open {
		t.Fatalf("closed page must receive nothing")
	}
	if env.host.ActiveVersion() != "v2" {
		t.Fatalf("activate-now should promote v2, got %q", env.host.ActiveVersion())
	}
	if got := workerState(env.host.Snapshot(), "v1"); got != StateRedundant.String() {
		t.Fatalf("previous worker should be redundant, got %q", got)
	}
}

func TestWaitingWorkerActivatesWhenLastClientLeaves(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	page := env.host.Hub().Connect()
	if _, err := env.host.Register(ctx, "v2"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	go func() { _ = env.host.Run(ctx) }()

	if env.host.ActiveVersion() != "v1" {
		t.Fatalf("v2 must wait while a page is open")
	}
	env.host.Hub().Disconnect(page.ID())
	waitFor(t, func() bool { return env.host.ActiveVersion() == "v2" })
}

func TestFetchPassthroughWithoutActiveWorker(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.host.Fetch(context.Background(), network.Get("/assets/js/app.js"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if res.Class != strategy.ClassPassthrough || res.Source != strategy.SourceNetwork {
		t.Fatalf("expected passthrough, got %+v", res)
	}
}

func TestWorkerHandleRequiresActiveState(t *testing.T) {
	env := newTestEnv(t)
	worker, err := env.host.Register(context.Background(), "v1")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	for _, state := range []State{StateInstalling, StateWaiting, StateActivating, StateRedundant} {
		if _, err := worker.Handle(context.Background(), state, network.Get("/")); !errors.Is(err, ErrNotActive) {
			t.Fatalf("%s: expected ErrNotActive, got %v", state, err)
		}
	}
}

func TestDeliverReportsFullInbox(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.InboxSize = 1 })
	msg := messaging.Envelope{Message: messaging.Message{Type: messaging.TypeActivateNow}}
	if err := env.host.Deliver(msg); err != nil {
		t.Fatalf("first deliver error: %v", err)
	}
	if err := env.host.Deliver(msg); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("expected ErrInboxFull, got %v", err)
	}
	env.host.Close()
	if err := env.host.Deliver(msg); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestGenerationsReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.host.Register(ctx, "v1"); err != nil {
		t.Fatalf("register error: %v", err)
	}
	report, err := env.host.Generations(ctx)
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if report.Expected == nil || report.Expected.Core != "sra-core-v1" {
		t.Fatalf("unexpected expected names %+v", report.Expected)
	}
	if len(report.Stored) != 2 || report.Stored[0] != "sra-core-v1" || report.Stored[1] != "sra-runtime-v1" {
		t.Fatalf("unexpected stored generations %v", report.Stored)
	}
	if report.Entries[generation.RoleCore] != env.host.manifest.Len() || report.Entries[generation.RoleRuntime] != 0 {
		t.Fatalf("unexpected entry counts %v", report.Entries)
	}

	image := network.NewRequest("GET", "/img/hero.png", "no-cors", "image", nil, nil)
	if _, err := env.host.Fetch(ctx, image); err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	report, err = env.host.Generations(ctx)
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if report.Entries[generation.RoleRuntime] != 1 {
		t.Fatalf("runtime fill should be counted, got %v", report.Entries)
	}
}

func assertGenerations(t *testing.T, store cache.Store, want ...string) {
	t.Helper()
	names, err := store.Generations(context.Background())
	if err != nil {
		t.Fatalf("generations error: %v", err)
	}
	if len(names) != len(want) {
		t.Fatalf("expected generations %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("expected generations %v, got %v", want, names)
		}
	}
}

// gatedStore 在指定代际提交后暂停 PutBatch，直到 release 被关闭。
type gatedStore struct {
	cache.Store
	generation string
	committed  chan struct{}
	release    chan struct{}
	once       sync.Once
}

func (s *gatedStore) PutBatch(ctx context.Context, generation string, entries []cache.BatchEntry) error {
	if err := s.Store.PutBatch(ctx, generation, entries); err != nil {
		return err
	}
	if generation == s.generation {
		s.once.Do(func() { close(s.committed) })
		<-s.release
	}
	return nil
}

type testEnv struct {
	host     *Host
	store    cache.Store
	upstream *fakeUpstream
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	store, err := cache.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	manifest, err := precache.NewManifest("/", []string{"./", "assets/js/app.js", "assets/css/styles.css"}, "offline.html")
	if err != nil {
		t.Fatalf("manifest error: %v", err)
	}
	upstream := &fakeUpstream{}
	opts := Options{
		Store:       store,
		Fetcher:     upstream,
		Manifest:    manifest,
		CachePrefix: "sra",
		Hub:         messaging.NewHub(4),
		Concurrency: 2,
		Logger:      logging.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	host, err := NewHost(opts)
	if err != nil {
		t.Fatalf("host error: %v", err)
	}
	t.Cleanup(host.Close)
	return &testEnv{host: host, store: store, upstream: upstream}
}

type fakeUpstream struct {
	calls   atomic.Int64
	failing sync.Map
}

func (f *fakeUpstream) Fetch(ctx context.Context, req network.Request) (*cache.Response, error) {
	f.calls.Add(1)
	if _, bad := f.failing.Load(req.Key()); bad {
		return nil, errors.New("connection reset")
	}
	return okResponse("body:" + req.Key()), nil
}

func (f *fakeUpstream) fail(key string) { f.failing.Store(key, true) }

func (f *fakeUpstream) count() int64 { return f.calls.Load() }

func okResponse(body string) *cache.Response {
	return &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
}

func workerState(status Status, version string) string {
	state := ""
	for _, w := range status.Workers {
		if w.Version == version {
			state = w.State
		}
	}
	return state
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
