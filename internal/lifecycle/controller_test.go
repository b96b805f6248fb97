package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/generation"
	"github.com/skyborne/offline-hub/internal/strategy"
)

func TestInstallCachesCriticalResourcesAndRequestsSkipWaiting(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/", "/manifest.json"}, true)

	if err := env.controller.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if state := env.controller.State(); state != StateWaiting {
		t.Fatalf("expected waiting, got %s", state)
	}
	if !env.controller.SkipWaitingRequested() {
		t.Fatalf("successful install should request skip-waiting")
	}
	if env.registry.Staged() != "v2" {
		t.Fatalf("expected v2 staged, got %q", env.registry.Staged())
	}

	bucket, err := env.store.Open(context.Background(), "v2")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	for _, path := range []string{"/", "/manifest.json"} {
		key := cache.NewKey(http.MethodGet, "http://origin.local"+path, nil, nil)
		if _, err := bucket.Match(context.Background(), key); err != nil {
			t.Fatalf("expected %s cached: %v", path, err)
		}
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/", "/manifest.json", "/favicon.ico"}, true)
	env.restoreActive(t, "v1")
	env.network.fail("/favicon.ico")

	err := env.controller.Install(context.Background())
	if !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("expected install failure, got %v", err)
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) || installErr.Resource != "/favicon.ico" {
		t.Fatalf("expected failing resource to be reported, got %v", err)
	}
	if state := env.controller.State(); state != StateRedundant {
		t.Fatalf("expected redundant, got %s", state)
	}
	if ok, _ := env.store.Has(context.Background(), "v2"); ok {
		t.Fatalf("a failed install must not leave a partial generation behind")
	}
	if env.registry.Active() != "v1" || env.registry.Staged() != "" {
		t.Fatalf("old generation must keep serving: active=%s staged=%s", env.registry.Active(), env.registry.Staged())
	}
}

func TestInstallRejectsNon200(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/", "/missing.png"}, true)
	env.network.status("/missing.png", http.StatusNotFound)

	if err := env.controller.Install(context.Background()); !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("404 critical resource should fail install, got %v", err)
	}
}

func TestActivateDeletesObsoleteGenerations(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, true)
	env.restoreActive(t, "v1")
	if _, err := env.store.Open(context.Background(), "v0"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	env.clients.known = 3

	if err := env.controller.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := env.controller.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	names, err := env.store.Names(context.Background())
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 1 || names[0] != "v2" {
		t.Fatalf("expected only v2 after activation, got %v", names)
	}
	if env.registry.Active() != "v2" {
		t.Fatalf("expected v2 active, got %s", env.registry.Active())
	}
	if env.controller.State() != StateActivated {
		t.Fatalf("expected activated, got %s", env.controller.State())
	}
	if env.clients.claimedFor != "v2" || env.controller.LastClaimed() != 3 {
		t.Fatalf("expected clients claimed for v2, got %q (%d)", env.clients.claimedFor, env.controller.LastClaimed())
	}
}

func TestActivateRequiresWaiting(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, true)
	if err := env.controller.Activate(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("activate before install should fail, got %v", err)
	}
}

func TestSkipWaitingMessageActivatesWaitingGeneration(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, false)
	env.restoreActive(t, "v1")

	if err := env.controller.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if env.controller.SkipWaitingRequested() {
		t.Fatalf("auto activation disabled, skip-waiting should not be requested")
	}

	reply, err := env.controller.HandleMessage(context.Background(), Message{Type: MessageSkipWaiting})
	if err != nil {
		t.Fatalf("skip waiting error: %v", err)
	}
	if reply != nil {
		t.Fatalf("SKIP_WAITING has no reply, got %+v", reply)
	}
	if env.controller.State() != StateActivated || env.registry.Active() != "v2" {
		t.Fatalf("expected v2 activated, got %s/%s", env.controller.State(), env.registry.Active())
	}
}

func TestGetVersionReply(t *testing.T) {
	env := newControllerEnv(t, "skyborne-hospital-v1.0.0", []string{"/"}, true)
	if err := env.controller.Install(context.Background()); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := env.controller.Activate(context.Background()); err != nil {
		t.Fatalf("activate error: %v", err)
	}

	reply, err := env.controller.HandleMessage(context.Background(), Message{Type: MessageGetVersion})
	if err != nil {
		t.Fatalf("get version error: %v", err)
	}
	if reply == nil || reply.Type != ReplyVersion || reply.Version != "skyborne-hospital-v1.0.0" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestUnknownMessage(t *testing.T) {
	env := newControllerEnv(t, "v1", []string{"/"}, true)
	if _, err := env.controller.HandleMessage(context.Background(), Message{Type: "CLAIM_ALL"}); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestRestorePicksPreviousGeneration(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, true)
	if _, err := env.store.Open(context.Background(), "v1"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := env.controller.Restore(context.Background()); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if env.registry.Active() != "v1" {
		t.Fatalf("expected v1 restored, got %q", env.registry.Active())
	}
}

func TestRestorePrefersPersistedActiveMarker(t *testing.T) {
	env := newControllerEnv(t, "skyborne-hospital-v1.0.11", []string{"/"}, true)
	ctx := context.Background()
	for _, name := range []string{"skyborne-hospital-v1.0.9", "skyborne-hospital-v1.0.10"} {
		if _, err := env.store.Open(ctx, name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
	if err := env.store.SetActive(ctx, "skyborne-hospital-v1.0.10"); err != nil {
		t.Fatalf("set active error: %v", err)
	}

	if err := env.controller.Restore(ctx); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if got := env.registry.Active(); got != "skyborne-hospital-v1.0.10" {
		t.Fatalf("应按持久化标记恢复 v1.0.10，得到 %q", got)
	}
}

func TestRestoreWithoutMarkerSkipsAmbiguousGenerations(t *testing.T) {
	env := newControllerEnv(t, "v3", []string{"/"}, true)
	for _, name := range []string{"v1", "v2"} {
		if _, err := env.store.Open(context.Background(), name); err != nil {
			t.Fatalf("open error: %v", err)
		}
	}
	if err := env.controller.Restore(context.Background()); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if got := env.registry.Active(); got != "" {
		t.Fatalf("没有标记且存在多个版本时不应猜测，得到 %q", got)
	}
}

func TestRestoreIgnoresStaleMarker(t *testing.T) {
	env := newControllerEnv(t, "v3", []string{"/"}, true)
	ctx := context.Background()
	if err := env.store.SetActive(ctx, "v1"); err != nil {
		t.Fatalf("set active error: %v", err)
	}
	if _, err := env.store.Open(ctx, "v2"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := env.controller.Restore(ctx); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if got := env.registry.Active(); got != "v2" {
		t.Fatalf("标记指向的版本不存在时应沿用唯一的版本，得到 %q", got)
	}
}

func TestActivatePersistsMarkerForNextProcess(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, true)
	env.restoreActive(t, "v1")
	ctx := context.Background()
	if err := env.controller.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}
	if err := env.controller.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	if marked, err := env.store.Active(ctx); err != nil || marked != "v2" {
		t.Fatalf("activation should persist v2, got %q (%v)", marked, err)
	}

	// 下一个进程携带 v3，安装失败后应继续服务 v2。
	next := newControllerEnvWithStore(t, env.store, "v3", []string{"/"})
	next.network.fail("/")
	if err := next.controller.Restore(ctx); err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if err := next.controller.Install(ctx); !errors.Is(err, ErrInstallFailure) {
		t.Fatalf("expected install failure, got %v", err)
	}
	if got := next.registry.Active(); got != "v2" {
		t.Fatalf("安装失败后应继续服务 v2，得到 %q", got)
	}
	names, err := env.store.Names(ctx)
	if err != nil || len(names) != 1 || names[0] != "v2" {
		t.Fatalf("failed install must leave only v2, got %v (%v)", names, err)
	}
}

func TestCleanupSparesActiveAndStagedGenerations(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, false)
	env.restoreActive(t, "v1")
	ctx := context.Background()
	if _, err := env.store.Open(ctx, "v0"); err != nil {
		t.Fatalf("open error: %v", err)
	}
	if err := env.controller.Install(ctx); err != nil {
		t.Fatalf("install error: %v", err)
	}

	if err := env.controller.deleteObsolete(ctx); err != nil {
		t.Fatalf("delete obsolete error: %v", err)
	}
	names, err := env.store.Names(ctx)
	if err != nil {
		t.Fatalf("names error: %v", err)
	}
	if len(names) != 2 || names[0] != "v1" || names[1] != "v2" {
		t.Fatalf("expected active v1 and staged v2 to survive, got %v", names)
	}
}

func TestReinstallAfterFailure(t *testing.T) {
	env := newControllerEnv(t, "v2", []string{"/"}, true)
	env.network.fail("/")
	if err := env.controller.Install(context.Background()); err == nil {
		t.Fatalf("expected first install to fail")
	}
	env.network.recover("/")
	if err := env.controller.Install(context.Background()); err != nil {
		t.Fatalf("retry install error: %v", err)
	}
	if env.controller.State() != StateWaiting {
		t.Fatalf("expected waiting after retry, got %s", env.controller.State())
	}
}

type controllerEnv struct {
	store      cache.Store
	registry   *generation.Registry
	network    *stubNetwork
	clients    *recordingClaimer
	controller *Controller
}

func newControllerEnv(t *testing.T, name string, resources []string, auto bool) *controllerEnv {
	t.Helper()
	store, err := cache.NewStore(cache.DriverFS, t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	return newControllerEnvOn(t, store, name, resources, auto)
}

// newControllerEnvWithStore 模拟进程重启：复用同一存储，注册表从空开始。
func newControllerEnvWithStore(t *testing.T, store cache.Store, name string, resources []string) *controllerEnv {
	t.Helper()
	return newControllerEnvOn(t, store, name, resources, true)
}

func newControllerEnvOn(t *testing.T, store cache.Store, name string, resources []string, auto bool) *controllerEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	origin, _ := url.Parse("http://origin.local")
	registry := generation.NewRegistry()
	network := &stubNetwork{failing: map[string]bool{}, statuses: map[string]int{}}
	clients := &recordingClaimer{}
	controller, err := New(Options{
		Store:             store,
		Registry:          registry,
		Fetcher:           network,
		Clients:           clients,
		Logger:            logger,
		Origin:            origin,
		Generation:        name,
		CriticalResources: resources,
		AutoActivate:      auto,
	})
	if err != nil {
		t.Fatalf("controller error: %v", err)
	}
	return &controllerEnv{store: store, registry: registry, network: network, clients: clients, controller: controller}
}

func (e *controllerEnv) restoreActive(t *testing.T, name string) {
	t.Helper()
	if _, err := e.store.Open(context.Background(), name); err != nil {
		t.Fatalf("open error: %v", err)
	}
	e.registry.Restore(name)
}

// stubNetwork 返回 200，除非路径被标记为失败或指定了状态码。
type stubNetwork struct {
	mu       sync.Mutex
	failing  map[string]bool
	statuses map[string]int
}

var _ strategy.Fetcher = (*stubNetwork)(nil)

func (n *stubNetwork) fail(path string) {
	n.mu.Lock()
	n.failing[path] = true
	n.mu.Unlock()
}

func (n *stubNetwork) recover(path string) {
	n.mu.Lock()
	delete(n.failing, path)
	n.mu.Unlock()
}

func (n *stubNetwork) status(path string, status int) {
	n.mu.Lock()
	n.statuses[path] = status
	n.mu.Unlock()
}

func (n *stubNetwork) Fetch(ctx context.Context, req *http.Request) (*cache.Snapshot, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failing[req.URL.Path] {
		return nil, &strategy.NetworkError{URL: req.URL.String(), Err: errors.New("connection refused")}
	}
	status := http.StatusOK
	if s, ok := n.statuses[req.URL.Path]; ok {
		status = s
	}
	return &cache.Snapshot{Status: status, Header: http.Header{}, Body: []byte("body:" + req.URL.Path)}, nil
}

type recordingClaimer struct {
	known      int
	claimedFor string
}

func (r *recordingClaimer) Claim(generation string) int {
	r.claimedFor = generation
	return r.known
}
