package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crewline/helmsman/internal/budget"
	"github.com/crewline/helmsman/internal/bus"
	"github.com/crewline/helmsman/internal/channels"
	"github.com/crewline/helmsman/internal/config"
	"github.com/crewline/helmsman/internal/cron"
	"github.com/crewline/helmsman/internal/env"
	"github.com/crewline/helmsman/internal/gateway"
	"github.com/crewline/helmsman/internal/loop"
	"github.com/crewline/helmsman/internal/model"
	otelx "github.com/crewline/helmsman/internal/otel"
	"github.com/crewline/helmsman/internal/persistence"
	"github.com/crewline/helmsman/internal/scheduler"
	"github.com/crewline/helmsman/internal/telemetry"
)

// runServe wires every component and blocks until shutdown.
func runServe(ctx context.Context, stop context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// Event bus first so the store can publish state transitions.
	eventBus := bus.New()

	otelProvider, err := otelx.Init(ctx, otelx.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "helmsman.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	provider, err := env.NewDockerProvider(env.DockerConfig{
		MemoryMB:          cfg.Environment.MemoryMB,
		Network:           cfg.Environment.Network,
		ScreenshotCommand: cfg.Environment.ScreenshotCommand,
		InboxDir:          cfg.Environment.InboxDir,
		OutboxDir:         cfg.Environment.OutboxDir,
	})
	if err != nil {
		fatalStartup(logger, "E_ENV_PROVIDER", err)
	}
	defer provider.Close()

	clients := newClientFactory(ctx, cfg)
	if _, err := clients.get(cfg.LLM.Provider, cfg.LLM.Model); err != nil {
		fatalStartup(logger, "E_MODEL_CLIENT", err)
	}

	sched, err := scheduler.New(scheduler.Options{
		Store:     store,
		Provider:  provider,
		Budget:    budget.NewResolver(cfg.ContextLimits, logger),
		Bus:       eventBus,
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		ClientFor: clients.get,
		PullDir:   filepath.Join(cfg.HomeDir, "pull"),
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			logger.Error("scheduler exited", "error", err)
		}
	}()
	logger.Info("startup phase", "phase", "scheduler_started")

	cronSched := cron.NewScheduler(cron.Config{
		Store:     store,
		Submitter: sched,
		Entries:   cfg.Schedules,
		Logger:    logger,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range confWatcher.Events() {
				fresh, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				sched.Reconfigure(fresh)
				sched.ProcessQueued(ctx)
			}
		}()
	}

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:        store,
		Controller:   sched,
		Bus:          eventBus,
		AuthToken:    authToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			logger.Error("bind failed", "addr", cfg.BindAddr, "hint", hint)
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Telegram.Token,
				cfg.Telegram.ChatIDs,
				sched,
				store,
				eventBus,
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	// Stop intake first, then wait for in-flight sessions to requeue.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	select {
	case <-schedDone:
	case <-time.After(30 * time.Second):
		logger.Warn("scheduler drain timed out")
	}
	logger.Info("shutdown complete")
}

// clientFactory caches one model client per provider/model pair. Tasks
// can override the configured default, so clients are built lazily.
type clientFactory struct {
	ctx context.Context
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]model.Client
}

func newClientFactory(ctx context.Context, cfg *config.Config) *clientFactory {
	return &clientFactory{ctx: ctx, cfg: cfg, clients: make(map[string]model.Client)}
}

func (f *clientFactory) get(providerName, modelName string) (model.Client, error) {
	if providerName == "" {
		providerName = f.cfg.LLM.Provider
	}
	if modelName == "" {
		modelName = f.cfg.LLM.Model
	}
	key := providerName + "/" + modelName

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	c, err := model.NewGenkitClient(f.ctx, model.GenkitConfig{
		Provider:                 providerName,
		Model:                    modelName,
		APIKey:                   f.cfg.LLM.APIKey,
		OpenAICompatibleProvider: f.cfg.LLM.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  f.cfg.LLM.OpenAICompatibleBaseURL,
	}, loop.ToolCatalog())
	if err != nil {
		return nil, err
	}
	f.clients[key] = c
	return c, nil
}
