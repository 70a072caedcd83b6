// Package app wires the screening service together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	apphttp "github.com/yungbote/screening-backend/internal/http"
	"github.com/yungbote/screening-backend/internal/observability"
	"github.com/yungbote/screening-backend/internal/platform/logger"
	"github.com/yungbote/screening-backend/internal/screening/config"
)

type App struct {
	Log      *logger.Logger
	Config   *config.Config
	Metrics  *observability.Metrics
	Services Services

	server       *apphttp.Server
	otelShutdown func(context.Context) error
}

// New loads configuration and builds the app.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := NewWithConfig(ctx, cfg, log)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

func NewWithConfig(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: cfg.Env,
		Version:     cfg.Telemetry.Version,
	})
	metrics := observability.Init(log)

	services, err := wireServices(ctx, log, cfg)
	if err != nil {
		return nil, err
	}
	handlers := wireHandlers(log, cfg, services)
	server := apphttp.NewServer(cfg.HTTP, wireRouter(log, cfg, metrics, handlers))

	log.Info("screening service wired",
		"addr", cfg.HTTP.Addr,
		"persistence", cfg.Persistence.Driver,
		"inference_online", services.Inference.Online(),
		"mode", services.Store.Mode(),
	)
	return &App{
		Log:          log,
		Config:       cfg,
		Metrics:      metrics,
		Services:     services,
		server:       server,
		otelShutdown: otelShutdown,
	}, nil
}

// Run serves HTTP until ctx ends. On the way out it stops taking screenings,
// drains in-flight runs alongside the HTTP server and closes every backend.
func (a *App) Run(ctx context.Context) error {
	a.Metrics.StartServer(ctx, a.Log, a.Config.Telemetry.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.drainTimeout())
		defer cancel()
		if err := a.Services.Orchestrator.Shutdown(drainCtx); err != nil {
			a.Log.Warn("screenings still running at shutdown", "error", err)
		}
		return nil
	})
	a.Log.Info("http server listening", "addr", a.server.Addr())
	err := g.Wait()
	a.Close()
	return err
}

func (a *App) drainTimeout() time.Duration {
	if d := a.Config.HTTP.ShutdownTimeout.Duration; d > 0 {
		return d
	}
	return 15 * time.Second
}

// Close releases the store, the result backend and the tracer provider. Run
// calls it; call it directly only when Run is never started.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.Services.close(a.Log)
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.otelShutdown(ctx); err != nil {
			a.Log.Warn("otel shutdown", "error", err)
		}
		cancel()
	}
	a.Log.Sync()
}
