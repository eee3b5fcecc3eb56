package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-risk/internal/clients/redis"
	"github.com/yungbote/neurobridge-risk/internal/config"
	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	"github.com/yungbote/neurobridge-risk/internal/http"
	"github.com/yungbote/neurobridge-risk/internal/observability"
	"github.com/yungbote/neurobridge-risk/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	Cfg      *config.Config
	Metrics  *observability.Metrics
	Clients  *Clients
	Repos    *repos.Repos
	Services Services
	Router   *gin.Engine
	Server   *http.Server

	shutdownTracing func(context.Context) error
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewLogger builds the process logger from LOG_MODE (default development).
func NewLogger() (*logger.Logger, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

func New(ctx context.Context, log *logger.Logger, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	metrics := observability.Init(log)
	shutdownTracing, err := observability.InitTracing(ctx, log, cfg.Tracing, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	clients, err := OpenClients(ctx, log, cfg)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}
	reposet := wireRepos(clients, log)

	services, err := wireServices(ctx, log, cfg, clients, reposet, metrics)
	if err != nil {
		clients.Close()
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	handlerset := wireHandlers(log, services)
	router := wireRouter(log, cfg, metrics, handlerset)
	server := http.NewServer(http.ServerConfig{
		Addr:              cfg.HTTP.Addr,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Duration,
		IdleTimeout:       cfg.HTTP.IdleTimeout.Duration,
	}, router)

	return &App{
		Log:             log,
		Cfg:             cfg,
		Metrics:         metrics,
		Clients:         clients,
		Repos:           reposet,
		Services:        services,
		Router:          router,
		Server:          server,
		shutdownTracing: shutdownTracing,
	}, nil
}

// Start launches the background workers: the snapshot refresher and, when
// redis is configured, the refresh-notice forwarder.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.Services.Refresher != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Services.Refresher.Run(ctx)
		}()
	}
	if a.Clients != nil && a.Clients.RefreshBus != nil && a.Services.Refresher != nil {
		err := a.Clients.RefreshBus.StartForwarder(ctx, func(n redis.RefreshNotice) {
			a.Log.Info("snapshot refresh notice", "version", n.Version)
			a.Services.Refresher.Trigger()
		})
		if err != nil {
			a.Log.Warn("refresh forwarder not started", "error", err)
		}
	}
}

// Run serves HTTP until ctx is cancelled, then drains within the configured
// shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Server == nil {
		return fmt.Errorf("app not initialized")
	}
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("http server listening", "addr", a.Cfg.HTTP.Addr)
		errCh <- a.Server.Run()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	a.Log.Info("http server shutting down")
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.wg.Wait()
	a.Clients.Close()
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
