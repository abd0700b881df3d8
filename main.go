package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"seedream-proxy/internal/apiserver"
	"seedream-proxy/internal/config"
	"seedream-proxy/internal/gateway"
	"seedream-proxy/internal/logger"
	"seedream-proxy/internal/metrics"
	"seedream-proxy/internal/middleware"
	"seedream-proxy/internal/service"
	"seedream-proxy/internal/storage"
	"seedream-proxy/internal/store"
	"seedream-proxy/internal/utils"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		logger.Fatal("初始化失败", zap.Error(err))
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal("服务器异常退出", zap.Error(err))
	}
}

// App 应用实例
type App struct {
	config      *config.Config
	server      *echo.Echo
	store       store.Store
	rateLimiter *middleware.RateLimiter
}

// newApp 创建应用实例
func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	m := metrics.New()

	// 初始化HTTP客户端
	defaultClient := utils.NewDefaultClient(cfg)
	streamClient := utils.NewStreamClient(cfg)

	st, err := store.NewSQLiteStore(ctx, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}

	var objects service.ObjectStore = storage.InlineStore{}
	if cfg.ObjectStoreEnabled() {
		s3Client, err := storage.NewS3Client(ctx, cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		objects = storage.NewImageStore(s3Client, cfg, m)
		logger.Info("已启用对象存储",
			zap.String("bucket", cfg.ObjectStore.Bucket),
			zap.String("endpoint", cfg.ObjectStore.Endpoint),
		)
	}

	tasks := service.NewTaskService(cfg, st, service.NewGeneratorFactory(cfg, defaultClient, streamClient, m), m)

	var limiter *middleware.RateLimiter
	if cfg.Security.RateLimitEnabled {
		limiter = middleware.NewRateLimiter(cfg.Security.RateLimitRPS)
	}

	// 设置 Echo Server
	e := echo.New()
	e.Logger.SetOutput(io.Discard)
	e.HideBanner = true
	e.HidePort = true

	// 配置服务器
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout
	e.Server.IdleTimeout = cfg.Server.IdleTimeout

	// 添加基础中间件
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())

	// 注册路由
	apiserver.RegisterRoutes(e, cfg, &apiserver.Deps{
		Gateway:     gateway.New(cfg, streamClient, m),
		Tasks:       tasks,
		Uploads:     service.NewUploadService(objects, st, tasks),
		Models:      service.NewModelService(cfg),
		Database:    st,
		Metrics:     m,
		RateLimiter: limiter,
	})

	return &App{
		config:      cfg,
		server:      e,
		store:       st,
		rateLimiter: limiter,
	}, nil
}

// Run 启动服务器，ctx 结束后优雅退出
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("启动服务器",
			zap.String("address", a.config.GetAddress()),
			zap.String("upstream", a.config.Upstream.URL),
			zap.String("credential_mode", a.config.Upstream.CredentialMode),
		)
		if err := a.server.Start(a.config.GetAddress()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		a.close()
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("正在关闭服务器")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(shutdownCtx)
	a.close()
	if err != nil {
		return err
	}
	logger.Info("服务器已关闭")
	return nil
}

func (a *App) close() {
	if a.rateLimiter != nil {
		a.rateLimiter.Close()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("关闭数据库失败", zap.Error(err))
	}
}
