package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finsight-lab/finsight/internal/circuitbreaker"
	"github.com/finsight-lab/finsight/internal/config"
	"github.com/finsight-lab/finsight/internal/db"
	"github.com/finsight-lab/finsight/internal/events"
	"github.com/finsight-lab/finsight/internal/executor"
	"github.com/finsight-lab/finsight/internal/health"
	"github.com/finsight-lab/finsight/internal/httpapi"
	"github.com/finsight-lab/finsight/internal/orchestrator"
	"github.com/finsight-lab/finsight/internal/providers"
	"github.com/finsight-lab/finsight/internal/ratecontrol"
	"github.com/finsight-lab/finsight/internal/scheduler"
	"github.com/finsight-lab/finsight/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	healthReg := health.NewRegistry(logger)

	// Optional Redis mirror for session snapshots.
	storeOpts := []store.Option{store.WithMaxSessions(cfg.Store.MaxSessions)}
	if cfg.Redis.Enabled {
		mirror, err := store.NewMirror(cfg.Redis.Addr, cfg.Redis.Password, logger)
		if err != nil {
			logger.Warn("Redis mirror unavailable, continuing without it", zap.Error(err))
		} else {
			defer mirror.Close()
			storeOpts = append(storeOpts, store.WithMirror(mirror))
			healthReg.Register(health.CheckFunc{ComponentName: "redis_mirror", Fn: mirror.Ping})
			logger.Info("Session mirror enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}
	bc := events.NewBroadcaster(cfg.Events.BufferCapacity)
	// Evicted sessions release their event replay ring with them.
	storeOpts = append(storeOpts, store.WithEvictionHook(bc.Forget))
	st := store.New(logger, storeOpts...)

	// Providers, wrapped in circuit breakers.
	completion := circuitbreaker.NewCompletionWrapper(
		providers.NewHTTPCompletionProvider(providers.CompletionConfig{
			BaseURL: cfg.Providers.Completion.BaseURL,
			APIKey:  cfg.Providers.Completion.APIKey,
			Model:   cfg.Providers.Completion.Model,
		}, logger), logger)
	marketData := circuitbreaker.NewMarketDataWrapper(
		providers.NewHTTPMarketDataProvider(providers.MarketDataConfig{
			BaseURL: cfg.Providers.MarketData.BaseURL,
			APIKey:  cfg.Providers.MarketData.APIKey,
		}, logger), logger)

	exec := executor.New(completion, st, bc, executor.Config{
		Segments:      cfg.Executor.Segments,
		SegmentLength: cfg.Executor.SegmentLength,
	}, executor.DefaultRetryPolicies(), logger)

	sched := scheduler.New(exec, st, bc, scheduler.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		Ceiling:     cfg.Scheduler.StageCeiling,
	}, logger)

	// Optional Postgres archive for finished sessions.
	var orchOpts []orchestrator.Option
	handlerOpts := []httpapi.HandlerOption{httpapi.WithHealthRegistry(healthReg)}
	if cfg.Postgres.Enabled {
		archive, err := db.NewClient(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			logger.Warn("Session archive unavailable, continuing without it", zap.Error(err))
		} else {
			defer archive.Close()
			orchOpts = append(orchOpts, orchestrator.WithArchiver(archive))
			handlerOpts = append(handlerOpts, httpapi.WithHistory(archive))
			healthReg.Register(health.CheckFunc{ComponentName: "session_archive", Fn: archive.Ping})
			logger.Info("Session archive enabled")
		}
	}

	orch := orchestrator.New(st, sched, bc, marketData, logger, orchOpts...)

	// Hot-reload rate limits when the config file changes.
	if watcher, err := config.NewWatcher("config", logger); err == nil {
		watcher.OnChange("rate_limits.yaml", func() error {
			ratecontrol.Reload()
			return nil
		})
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher disabled", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	httpapi.NewHandler(orch, st, bc, logger, handlerOpts...).RegisterRoutes(mux)
	httpapi.NewStreamingHandler(bc, logger).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	auth := httpapi.NewAuthMiddleware(cfg.Server.Auth.Secret, cfg.Server.Auth.Enabled, logger)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: auth.Wrap(mux),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}
