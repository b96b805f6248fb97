// Package lifecycle drives a cache generation through install and activation.
// Install pre-warms the critical resource set all-or-nothing; activation
// promotes the staged generation, garbage-collects every other stored
// generation and claims the open clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/generation"
	"github.com/skyborne/offline-hub/internal/logging"
	"github.com/skyborne/offline-hub/internal/strategy"
)

// ClientClaimer 把当前打开的前台页面切换到指定 generation，返回被接管的数量。
type ClientClaimer interface {
	Claim(generation string) int
}

// Options 描述 Controller 的依赖。
type Options struct {
	Store    cache.Store
	Registry *generation.Registry
	Fetcher  strategy.Fetcher
	Clients  ClientClaimer
	Logger   *logrus.Logger
	// Origin 是关键资源路径解析所基于的源站地址。
	Origin *url.URL
	// Generation 是本进程携带的新版本名称。
	Generation string
	// CriticalResources 是安装阶段必须全部缓存成功的有序资源列表。
	CriticalResources []string
	// AutoActivate 为 true 时安装成功后立即请求跳过等待。
	AutoActivate bool
}

// Controller 是 Installing → Waiting → Activating → Activated 状态机，
// 每个进程对应一个实例。
type Controller struct {
	store      cache.Store
	registry   *generation.Registry
	fetcher    strategy.Fetcher
	clients    ClientClaimer
	logger     *logrus.Logger
	origin     *url.URL
	generation string
	resources  []string
	auto       bool

	// opMu 串行化 install/activate，mu 保护状态字段。
	opMu        sync.Mutex
	mu          sync.RWMutex
	state       State
	skipWaiting bool
	lastClaimed int
	activatedAt time.Time
}

// New 校验依赖并构建 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("generation registry is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if strings.TrimSpace(opts.Generation) == "" {
		return nil, errors.New("generation name is required")
	}
	clients := opts.Clients
	if clients == nil {
		clients = noopClaimer{}
	}
	return &Controller{
		store:      opts.Store,
		registry:   opts.Registry,
		fetcher:    opts.Fetcher,
		clients:    clients,
		logger:     opts.Logger,
		origin:     opts.Origin,
		generation: opts.Generation,
		resources:  append([]string(nil), opts.CriticalResources...),
		auto:       opts.AutoActivate,
		state:      StateIdle,
	}, nil
}

// Generation 返回本进程携带的新版本名称。
func (c *Controller) Generation() string {
	return c.generation
}

// State 返回当前状态。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SkipWaitingRequested 表示安装完成后是否应立即进入激活。
func (c *Controller) SkipWaitingRequested() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipWaiting
}

// LastClaimed 返回最近一次激活接管的客户端数量。
func (c *Controller) LastClaimed() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastClaimed
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	if state == StateActivated {
		c.activatedAt = time.Now().UTC()
	}
	c.mu.Unlock()
}

// Restore 在启动时沿用上次激活时持久化的 active 版本，使安装失败时旧版本仍可服务。
// 没有标记（或标记指向的版本已不存在）时，仅在磁盘上恰好只剩一个候选版本时沿用它。
func (c *Controller) Restore(ctx context.Context) error {
	if c.registry.Active() != "" {
		return nil
	}

	marked, err := c.store.Active(ctx)
	if err != nil {
		return fmt.Errorf("read active marker: %w", err)
	}
	if marked != "" {
		exists, err := c.store.Has(ctx, marked)
		if err != nil {
			return fmt.Errorf("check generation %s: %w", marked, err)
		}
		if exists {
			c.restore(marked)
			return nil
		}
		c.logger.WithFields(c.fields("restore")).WithField("marked", marked).Warn("active_marker_stale")
	}

	names, err := c.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	switch len(names) {
	case 0:
		return nil
	case 1:
		c.restore(names[0])
		return nil
	default:
		c.logger.WithFields(c.fields("restore")).
			WithField("generations", names).
			Warn("ambiguous_generations_not_restored")
		return nil
	}
}

func (c *Controller) restore(name string) {
	c.registry.Restore(name)
	c.logger.WithFields(c.fields("restore")).WithField("restored", name).Info("generation_restored")
}

// Install 以全有或全无语义预热关键资源：全部抓取成功后才写入，任一失败则丢弃该 generation。
func (c *Controller) Install(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if state := c.State(); state != StateIdle && state != StateRedundant {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, state)
	}
	c.setState(StateInstalling)
	started := time.Now()
	c.logger.WithFields(c.fields("install")).WithField("resources", len(c.resources)).Info("install_started")

	existed, err := c.store.Has(ctx, c.generation)
	if err != nil {
		return c.failInstall(ctx, false, &InstallError{Generation: c.generation, Err: err})
	}

	bucket, err := c.store.Open(ctx, c.generation)
	if err != nil {
		return c.failInstall(ctx, existed, &InstallError{Generation: c.generation, Err: err})
	}

	snapshots, err := c.fetchCritical(ctx)
	if err != nil {
		return c.failInstall(ctx, existed, err)
	}

	for i, resource := range c.resources {
		key := cache.NewKey(http.MethodGet, c.resolve(resource), nil, nil)
		if err := bucket.Put(ctx, key, snapshots[i]); err != nil {
			return c.failInstall(ctx, existed, &InstallError{Generation: c.generation, Resource: resource, Err: err})
		}
	}

	c.registry.Stage(c.generation)
	c.mu.Lock()
	c.state = StateWaiting
	if c.auto {
		c.skipWaiting = true
	}
	c.mu.Unlock()

	fields := c.fields("install")
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	fields["skip_waiting"] = c.auto
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

// fetchCritical 并发抓取全部关键资源，并等待所有请求结束（屏障语义）。
func (c *Controller) fetchCritical(ctx context.Context) ([]*cache.Snapshot, error) {
	snapshots := make([]*cache.Snapshot, len(c.resources))
	group, gctx := errgroup.WithContext(ctx)
	for i, resource := range c.resources {
		i, resource := i, resource
		group.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, c.resolve(resource), nil)
			if err != nil {
				return &InstallError{Generation: c.generation, Resource: resource, Err: err}
			}
			snap, err := c.fetcher.Fetch(gctx, req)
			if err != nil {
				return &InstallError{Generation: c.generation, Resource: resource, Err: err}
			}
			if snap.Status != http.StatusOK {
				return &InstallError{
					Generation: c.generation,
					Resource:   resource,
					Err:        fmt.Errorf("unexpected status %d", snap.Status),
				}
			}
			if snap.StoredAt.IsZero() {
				snap.StoredAt = time.Now().UTC()
			}
			snapshots[i] = snap
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// failInstall 清理本次新建的 generation 并把状态置为 redundant；旧 active 不受影响。
func (c *Controller) failInstall(ctx context.Context, existed bool, err error) error {
	c.registry.Discard(c.generation)
	if !existed && c.generation != c.registry.Active() {
		if _, delErr := c.store.Delete(context.WithoutCancel(ctx), c.generation); delErr != nil {
			c.logger.WithFields(c.fields("install")).WithError(delErr).Warn("install_cleanup_failed")
		}
	}
	c.setState(StateRedundant)

	fields := c.fields("install")
	fields["active"] = c.registry.Active()
	c.logger.WithFields(fields).WithError(err).Error("install_failed")
	return err
}

// Activate 提升 staged generation，并发删除其余全部 generation，待全部删除完成后接管客户端。
func (c *Controller) Activate(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if state := c.State(); state != StateWaiting {
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, state)
	}
	c.setState(StateActivating)
	started := time.Now()

	previous, err := c.registry.Promote()
	if err != nil {
		c.setState(StateWaiting)
		return err
	}
	active := c.registry.Active()
	if err := c.store.SetActive(ctx, active); err != nil {
		c.logger.WithFields(c.fields("activate")).WithError(err).Warn("active_marker_write_failed")
	}

	cleanupErr := c.deleteObsolete(ctx)

	claimed := c.clients.Claim(active)
	c.mu.Lock()
	c.lastClaimed = claimed
	c.skipWaiting = false
	c.mu.Unlock()
	c.setState(StateActivated)

	fields := c.fields("activate")
	fields["previous"] = previous
	fields["claimed_clients"] = claimed
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if cleanupErr != nil {
		c.logger.WithFields(fields).WithError(cleanupErr).Error("activate_cleanup_failed")
		return cleanupErr
	}
	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// deleteObsolete 并发删除 active 与 staged 之外的全部 generation。
func (c *Controller) deleteObsolete(ctx context.Context) error {
	names, err := c.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	group, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if !c.registry.IsObsolete(name) {
			continue
		}
		name := name
		group.Go(func() error {
			if _, err := c.store.Delete(gctx, name); err != nil {
				return fmt.Errorf("delete generation %s: %w", name, err)
			}
			c.logger.WithFields(c.fields("activate")).WithField("deleted", name).Info("generation_deleted")
			return nil
		})
	}
	return group.Wait()
}

// SkipWaiting 处于 waiting 时立即激活；否则记录请求，安装完成后由调用方触发激活。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	c.mu.Lock()
	c.skipWaiting = true
	state := c.state
	c.mu.Unlock()

	c.logger.WithFields(c.fields("skip_waiting")).Info("skip_waiting_requested")
	if state != StateWaiting {
		return nil
	}
	return c.Activate(ctx)
}

// Version 返回当前生效的 generation；尚无 active 时返回本进程携带的版本。
func (c *Controller) Version() string {
	if active := c.registry.Active(); active != "" {
		return active
	}
	return c.generation
}

// HandleMessage 处理控制通道消息。GET_VERSION 在同一次调用内同步应答；
// SKIP_WAITING 没有应答内容，返回 nil Reply。
func (c *Controller) HandleMessage(ctx context.Context, msg Message) (*Reply, error) {
	switch strings.ToUpper(strings.TrimSpace(msg.Type)) {
	case MessageGetVersion:
		return &Reply{Type: ReplyVersion, Version: c.Version()}, nil
	case MessageSkipWaiting:
		if err := c.SkipWaiting(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Status 汇总生命周期信息，供诊断接口输出。
type Status struct {
	State       State     `json:"state"`
	Generation  string    `json:"generation"`
	Active      string    `json:"active"`
	Staged      string    `json:"staged,omitempty"`
	SkipWaiting bool      `json:"skip_waiting"`
	Claimed     int       `json:"claimed_clients"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Status 返回当前状态快照。
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		State:       c.state,
		Generation:  c.generation,
		Active:      c.registry.Active(),
		Staged:      c.registry.Staged(),
		SkipWaiting: c.skipWaiting,
		Claimed:     c.lastClaimed,
		ActivatedAt: c.activatedAt,
	}
}

func (c *Controller) resolve(resource string) string {
	ref, err := url.Parse(strings.TrimSpace(resource))
	if err != nil {
		return resource
	}
	return c.origin.ResolveReference(ref).String()
}

func (c *Controller) fields(action string) logrus.Fields {
	return logging.LifecycleFields(action, c.generation, string(c.State()))
}

type noopClaimer struct{}

func (noopClaimer) Claim(string) int { return 0 }
