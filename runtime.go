package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/skyborne/offline-hub/internal/cache"
	"github.com/skyborne/offline-hub/internal/clients"
	"github.com/skyborne/offline-hub/internal/config"
	"github.com/skyborne/offline-hub/internal/generation"
	"github.com/skyborne/offline-hub/internal/lifecycle"
	"github.com/skyborne/offline-hub/internal/proxy"
	"github.com/skyborne/offline-hub/internal/server"
	"github.com/skyborne/offline-hub/internal/server/routes"
	"github.com/skyborne/offline-hub/internal/strategy"
	"github.com/skyborne/offline-hub/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// hubRuntime 持有进程级组件，worker 是唯一的事件入口。
type hubRuntime struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  cache.Store
	engine *strategy.Engine
	worker *worker.Worker
	app    *fiber.App
}

// bootstrap 按固定顺序构建所有组件，但不触发安装、不监听端口。
func bootstrap(cfg *config.Config, logger *logrus.Logger) (*hubRuntime, error) {
	origin, err := cfg.Site.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("解析 Upstream 失败: %w", err)
	}

	store, err := cache.NewStore(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}
	rt := &hubRuntime{cfg: cfg, logger: logger, store: store}
	fail := func(err error) (*hubRuntime, error) {
		rt.close()
		return nil, err
	}

	registry := generation.NewRegistry()
	fetcher, err := proxy.NewHTTPFetcher(server.NewUpstreamClient(cfg), origin, logger)
	if err != nil {
		return fail(err)
	}

	engine, err := strategy.New(strategy.Options{
		Store:            store,
		Registry:         registry,
		Fetcher:          fetcher,
		Logger:           logger,
		RootPath:         cfg.Site.RootDocument,
		PlaceholderImage: cfg.Site.PlaceholderImage,
		VaryHeaders:      cfg.Site.VaryHeaders,

		SharedFetchTimeout: cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		return fail(err)
	}
	rt.engine = engine

	clientRegistry := clients.NewRegistry()
	controller, err := lifecycle.New(lifecycle.Options{
		Store:             store,
		Registry:          registry,
		Fetcher:           fetcher,
		Clients:           clientRegistry,
		Logger:            logger,
		Origin:            origin,
		Generation:        cfg.Site.Generation,
		CriticalResources: cfg.Site.EffectiveCriticalResources(),
		AutoActivate:      cfg.Site.AutoActivate,
	})
	if err != nil {
		return fail(err)
	}

	w, err := worker.New(worker.Options{
		Store:      store,
		Registry:   registry,
		Engine:     engine,
		Controller: controller,
		Clients:    clientRegistry,
		Logger:     logger,
	})
	if err != nil {
		return fail(err)
	}
	rt.worker = w

	if err := controller.Restore(context.Background()); err != nil {
		logger.WithError(err).WithField("action", "restore").Warn("generation_restore_failed")
	}

	handler, err := proxy.NewHandler(w, origin, logger, cfg.Global.ListenPort)
	if err != nil {
		return fail(err)
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:           logger,
		Proxy:            handler,
		Clients:          clientRegistry,
		ActiveGeneration: registry.Active,
		ListenPort:       cfg.Global.ListenPort,
	})
	if err != nil {
		return fail(err)
	}
	routes.RegisterControlRoutes(app, w)
	rt.app = app
	return rt, nil
}

// install 派发 install 事件；失败只记录日志，旧 generation 继续服务。
func (rt *hubRuntime) install() {
	if _, err := rt.worker.Dispatch(context.Background(), worker.Event{Kind: worker.EventInstall}); err != nil {
		_, _ = rt.worker.Dispatch(context.Background(), worker.Event{Kind: worker.EventError, Err: err})
	}
}

// serve 监听端口直到收到 SIGINT/SIGTERM，然后优雅关闭。
func (rt *hubRuntime) serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	port := rt.cfg.Global.ListenPort
	errCh := make(chan error, 1)
	go func() {
		rt.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- rt.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	rt.logger.WithField("action", "shutdown").Info("收到退出信号，开始关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.app.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// close 等待异步缓存写入完成后关闭存储。
func (rt *hubRuntime) close() {
	if rt.engine != nil {
		rt.engine.Wait()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.WithError(err).WithField("action", "shutdown").Warn("cache_store_close_failed")
		}
	}
}
