package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/postflow/edge-cache/internal/cache"
	"github.com/postflow/edge-cache/internal/classify"
	"github.com/postflow/edge-cache/internal/config"
	"github.com/postflow/edge-cache/internal/lifecycle"
	"github.com/postflow/edge-cache/internal/logging"
	"github.com/postflow/edge-cache/internal/proxy"
	"github.com/postflow/edge-cache/internal/server"
	"github.com/postflow/edge-cache/internal/server/routes"
)

// runtimeDeps 持有进程内共享的组件，所有请求共用同一份存储、生命周期与代理实例。
type runtimeDeps struct {
	cfg        *config.Config
	logger     *logrus.Logger
	store      cache.Store
	controller *lifecycle.Controller
	proxy      *proxy.Proxy
	app        *fiber.App
}

func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*runtimeDeps, error) {
	origin := cfg.OriginURL()
	if origin == nil {
		return nil, fmt.Errorf("invalid origin: %s", cfg.Global.Origin)
	}

	store, err := cache.Open(cfg.Global.StoreDriver, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	classifier, err := classify.NewSet(classify.Options{
		Rules:   cfg.Bypass.Rules,
		Origins: cfg.Bypass.Origins,
		Paths:   cfg.Bypass.Paths,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	httpClient := server.NewUpstreamClient(cfg)
	controller, err := lifecycle.New(lifecycle.Options{
		Store:  store,
		Client: httpClient,
		Origin: origin,
		Logger: logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cacheProxy, err := proxy.New(proxy.Options{
		Client:         httpClient,
		Generations:    controller,
		Classifier:     classifier,
		Origin:         origin,
		Logger:         logger,
		MaxEntrySize:   cfg.Cache.MaxEntrySize,
		PersistTimeout: cfg.Cache.PersistTimeout.DurationValue(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	table, err := server.NewRouteTable(cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("构建路由表失败: %w", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger: logger,
		Routes: table,
		Proxy:  proxy.NewForwarder(cacheProxy, logger),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Options{
		Lifecycle:   controller,
		Manifest:    manifestFromConfig(cfg),
		SkipWaiting: cfg.Cache.SkipWaiting,
		Rules:       classifier.Rules(),
		Routes:      table,
		Logger:      logger,
	})

	return &runtimeDeps{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		controller: controller,
		proxy:      cacheProxy,
		app:        app,
	}, nil
}

func manifestFromConfig(cfg *config.Config) lifecycle.Manifest {
	return lifecycle.Manifest{
		Version: cfg.Cache.Version,
		Seed:    append([]string(nil), cfg.Cache.Seed...),
	}
}

// Bootstrap 安装配置中的版本；SkipWaiting 时立即激活。
// 安装失败不阻止启动：优先接管已存储的同版本缓存代，否则以纯网络模式运行。
func (rt *runtimeDeps) Bootstrap(ctx context.Context) {
	manifest := manifestFromConfig(rt.cfg)
	installErr := rt.controller.Install(ctx, manifest)
	if installErr == nil {
		if rt.cfg.Cache.SkipWaiting {
			if err := rt.controller.Activate(ctx); err != nil {
				rt.logger.WithFields(logging.LifecycleFields("activate", manifest.Version, "")).
					WithError(err).Warn("startup activation incomplete")
			}
			return
		}
		rt.adoptPrevious(ctx, manifest.Version)
		return
	}

	if err := rt.controller.Adopt(ctx, manifest.Version); err == nil {
		rt.logger.WithFields(logging.LifecycleFields("adopt", manifest.Version, string(lifecycle.StateActive))).
			WithError(installErr).Warn("install failed, serving stored generation")
		return
	}
	if rt.adoptPrevious(ctx, manifest.Version) {
		return
	}
	rt.logger.WithFields(logging.LifecycleFields("install", manifest.Version, string(lifecycle.StateIdle))).
		WithError(installErr).Error("no cache generation available, requests pass through to the network")
}

// adoptPrevious 在新版本等待激活（或安装失败）时，让唯一的旧缓存代继续服务。
func (rt *runtimeDeps) adoptPrevious(ctx context.Context, current string) bool {
	tags, err := rt.store.Tags(ctx)
	if err != nil {
		return false
	}
	var previous []string
	for _, tag := range tags {
		if tag != current {
			previous = append(previous, tag)
		}
	}
	if len(previous) != 1 {
		return false
	}
	if err := rt.controller.Adopt(ctx, previous[0]); err != nil {
		return false
	}
	return true
}

// Serve 监听端口直到 ctx 结束，随后优雅关闭并等待后台缓存写入完成。
func (rt *runtimeDeps) Serve(ctx context.Context) error {
	port := rt.cfg.Global.ListenPort
	rt.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.app.Listen(fmt.Sprintf(":%d", port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := rt.app.ShutdownWithContext(shutdownCtx)
	rt.proxy.Wait()
	rt.logger.WithField("action", "shutdown").Info("Fiber 服务已停止")
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Close 释放存储资源。
func (rt *runtimeDeps) Close() {
	rt.proxy.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.WithError(err).Warn("cache store close failed")
	}
}
