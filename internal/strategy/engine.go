// Package strategy executes the Network-First and Cache-First fetch
// strategies against the active cache generation. Network responses are
// fully buffered snapshots; the engine clones a snapshot before handing it to
// both the caller and the asynchronous cache write so neither consumer can
// observe the other's mutations.
package strategy

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
	"golang.org/x/sync/singleflight"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/classify"
	"github.com/skyborne/offline-hub/internal/generation"
)

// Fetcher 执行真实的网络请求，并返回完整缓冲后的响应快照。
// 只有传输层失败才返回 error；任何 HTTP 状态码都视为成功响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*cache.Snapshot, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*cache.Snapshot, error) {
	return f(ctx, req)
}

// Source 描述响应来自哪里，会透出为 X-Offline-Hub-Source 响应头。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceFallback    Source = "fallback"
	SourcePlaceholder Source = "placeholder"
)

// Name 标识两种策略。
type Name string

const (
	NetworkFirst Name = "network-first"
	CacheFirst   Name = "cache-first"
)

// For 返回资源类别对应的策略。
func For(class classify.Class) Name {
	if class == classify.StaticAsset {
		return CacheFirst
	}
	return NetworkFirst
}

// Result 是一次拦截请求的最终结果。
type Result struct {
	Snapshot   *cache.Snapshot
	Source     Source
	Class      classify.Class
	Strategy   Name
	Generation string
}

// Options 描述 Engine 的依赖与可选行为。
type Options struct {
	Store    cache.Store
	Registry *generation.Registry
	Fetcher  Fetcher
	Logger   *logrus.Logger
	// RootPath 是导航离线兜底使用的根文档路径，默认 "/"。
	RootPath string
	// PlaceholderImage 非空时，图片请求在网络失败且无缓存时返回该路径的缓存快照。
	PlaceholderImage string
	// VaryHeaders 参与缓存键计算的请求头。
	VaryHeaders []string
	// SharedFetchTimeout 约束合并后的共享网络请求；它不随任一调用方取消，默认 30s。
	SharedFetchTimeout time.Duration
}

// Engine 在 active generation 上执行策略；每个请求相互独立，共享状态仅有
// Store 与 Registry，二者都支持并发访问。
type Engine struct {
	store       cache.Store
	registry    *generation.Registry
	fetcher     Fetcher
	logger      *logrus.Logger
	rootPath    string
	placeholder string
	vary        []string
	shared      time.Duration

	flight  singleflight.Group
	writes  sync.WaitGroup
	nowFunc func() time.Time
}

// pending 是单个拦截请求的临时上下文，不做持久化。
type pending struct {
	req        *http.Request
	class      classify.Class
	strategy   Name
	key        cache.Key
	generation string
}

// New 校验依赖并构建 Engine。
func New(opts Options) (*Engine, error) {
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
	root := strings.TrimSpace(opts.RootPath)
	if root == "" {
		root = "/"
	}
	shared := opts.SharedFetchTimeout
	if shared <= 0 {
		shared = 30 * time.Second
	}
	return &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		fetcher:     opts.Fetcher,
		logger:      opts.Logger,
		rootPath:    root,
		placeholder: strings.TrimSpace(opts.PlaceholderImage),
		vary:        append([]string(nil), opts.VaryHeaders...),
		shared:      shared,
		nowFunc:     time.Now,
	}, nil
}

// Handle 对请求分类并执行对应策略。
func (e *Engine) Handle(ctx context.Context, req *http.Request) (*Result, error) {
	class := classify.Classify(req)
	p := e.newPending(req, class)
	if p.strategy == CacheFirst {
		return e.cacheFirst(ctx, p)
	}
	return e.networkFirst(ctx, p)
}

// Wait 阻塞直到所有异步缓存写入结束，供优雅退出与测试使用。
func (e *Engine) Wait() {
	e.writes.Wait()
}

// Key 计算请求在缓存中的身份。
func (e *Engine) Key(req *http.Request) cache.Key {
	return cache.NewKey(req.Method, req.URL.String(), req.Header, e.vary)
}

func (e *Engine) newPending(req *http.Request, class classify.Class) *pending {
	return &pending{
		req:        req,
		class:      class,
		strategy:   For(class),
		key:        e.Key(req),
		generation: e.registry.Active(),
	}
}

func (e *Engine) networkFirst(ctx context.Context, p *pending) (*Result, error) {
	snap, err := e.fetcher.Fetch(ctx, p.req)
	if err == nil {
		if cache.Cacheable(p.req.Method, snap.Status) {
			e.storeAsync(p, snap.Clone())
		}
		return e.result(p, snap, SourceNetwork), nil
	}

	e.logger.WithFields(e.fields(p)).WithError(err).Warn("network_failed_fallback_cache")

	if cached, ok := e.match(ctx, p, p.key); ok {
		return e.result(p, cached, SourceCache), nil
	}
	if p.class == classify.Navigation {
		if root, ok := e.matchRoot(ctx, p); ok {
			return e.result(p, root, SourceFallback), nil
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrResourceUnavailableOffline, p.req.URL.String(), err)
}

func (e *Engine) cacheFirst(ctx context.Context, p *pending) (*Result, error) {
	if cached, ok := e.match(ctx, p, p.key); ok {
		return e.result(p, cached, SourceCache), nil
	}

	snap, err := e.fetchCoalesced(ctx, p)
	if err == nil {
		return e.result(p, snap, SourceNetwork), nil
	}

	e.logger.WithFields(e.fields(p)).WithError(err).Warn("static_asset_fetch_failed")

	if classify.DestinationOf(p.req) == classify.DestinationImage && e.placeholder != "" {
		key := cache.NewKey(http.MethodGet, e.siblingURL(p.req.URL, e.placeholder), nil, nil)
		if placeholder, ok := e.match(ctx, p, key); ok {
			if placeholder.Header == nil {
				placeholder.Header = http.Header{}
			}
			placeholder.Header.Set("X-Offline-Hub-Placeholder", "true")
			return e.result(p, placeholder, SourcePlaceholder), nil
		}
	}
	return nil, err
}

// fetchCoalesced 合并同一 generation 下同一 GET 资源的并发未命中，只访问网络一次；
// 每个调用方拿到各自的副本。共享请求运行在脱离调用方取消的 context 上，
// 某个调用方断开只会让它自己提前返回。
func (e *Engine) fetchCoalesced(ctx context.Context, p *pending) (*cache.Snapshot, error) {
	if p.req.Method != http.MethodGet {
		snap, err := e.fetcher.Fetch(ctx, p.req)
		if err != nil {
			return nil, err
		}
		if cache.Cacheable(p.req.Method, snap.Status) {
			e.storeAsync(p, snap.Clone())
		}
		return snap, nil
	}

	ch := e.flight.DoChan(p.generation+"|"+p.key.String(), func() (interface{}, error) {
		sharedCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.shared)
		defer cancel()
		snap, err := e.fetcher.Fetch(sharedCtx, p.req.WithContext(sharedCtx))
		if err != nil {
			return nil, err
		}
		if cache.Cacheable(p.req.Method, snap.Status) {
			e.storeAsync(p, snap.Clone())
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, &NetworkError{URL: p.req.URL.String(), Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// 结果可能被多个调用方共享，统一交出副本。
		return res.Val.(*cache.Snapshot).Clone(), nil
	}
}

func (e *Engine) match(ctx context.Context, p *pending, key cache.Key) (*cache.Snapshot, bool) {
	if p.generation == "" {
		return nil, false
	}
	bucket, err := e.store.Bucket(ctx, p.generation)
	if err != nil {
		if !errors.Is(err, cache.ErrGenerationGone) {
			e.logger.WithFields(e.fields(p)).WithError(err).Warn("cache_open_failed")
		}
		return nil, false
	}
	snap, err := bucket.Match(ctx, key)
	switch {
	case err == nil:
		return snap, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		e.logger.WithFields(e.fields(p)).WithError(err).Warn("cache_get_failed")
		return nil, false
	}
}

// matchRoot 查找根文档；先按相同协商头匹配，再退回无协商头的预缓存条目。
func (e *Engine) matchRoot(ctx context.Context, p *pending) (*cache.Snapshot, bool) {
	rootURL := e.siblingURL(p.req.URL, e.rootPath)
	withVary := cache.NewKey(http.MethodGet, rootURL, p.req.Header, e.vary)
	if snap, ok := e.match(ctx, p, withVary); ok {
		return snap, true
	}
	plain := cache.NewKey(http.MethodGet, rootURL, nil, nil)
	if plain == withVary {
		return nil, false
	}
	return e.match(ctx, p, plain)
}

// storeAsync 在后台写入缓存，不阻塞调用方；snap 必须是调用方不再持有的副本。
func (e *Engine) storeAsync(p *pending, snap *cache.Snapshot) {
	if p.generation == "" {
		return
	}
	if snap.StoredAt.IsZero() {
		snap.StoredAt = e.nowFunc().UTC()
	}
	fields := e.fields(p)
	e.writes.Add(1)
	go func() {
		defer e.writes.Done()
		ctx := context.Background()
		bucket, err := e.store.Bucket(ctx, p.generation)
		if err == nil {
			err = bucket.Put(ctx, p.key, snap)
		}
		if errors.Is(err, cache.ErrGenerationGone) {
			// 请求开始后该 generation 已在激活阶段被清理，写入作废。
			e.logger.WithFields(fields).Debug("cache_write_dropped")
			return
		}
		if err != nil {
			e.logger.WithFields(fields).WithError(err).Warn("cache_write_failed")
			return
		}
		e.logger.WithFields(fields).Debug("cache_write_complete")
	}()
}

func (e *Engine) result(p *pending, snap *cache.Snapshot, source Source) *Result {
	return &Result{
		Snapshot:   snap,
		Source:     source,
		Class:      p.class,
		Strategy:   p.strategy,
		Generation: p.generation,
	}
}

func (e *Engine) fields(p *pending) logrus.Fields {
	return logrus.Fields{
		"action":     "fetch",
		"class":      p.class.String(),
		"strategy":   string(p.strategy),
		"generation": p.generation,
		"method":     p.req.Method,
		"url":        p.req.URL.String(),
	}
}

// siblingURL 返回与 base 同源、路径为 target 的绝对 URL。
func (e *Engine) siblingURL(base *url.URL, target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	if base == nil {
		return ref.String()
	}
	out := *base
	out.Path = ref.Path
	out.RawPath = ""
	out.RawQuery = ref.RawQuery
	out.Fragment = ""
	return out.String()
}
