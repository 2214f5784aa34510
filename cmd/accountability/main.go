// Accountability layer server — ingestion API, log worker, audit service,
// and WebSocket notifier in one process, coupled through the event bus.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fraware/accountabilitylayer/pkg/api"
	"github.com/fraware/accountabilitylayer/pkg/audit"
	"github.com/fraware/accountabilitylayer/pkg/bus"
	"github.com/fraware/accountabilitylayer/pkg/classify"
	"github.com/fraware/accountabilitylayer/pkg/cleanup"
	"github.com/fraware/accountabilitylayer/pkg/config"
	"github.com/fraware/accountabilitylayer/pkg/database"
	"github.com/fraware/accountabilitylayer/pkg/notifier"
	"github.com/fraware/accountabilitylayer/pkg/services"
	"github.com/fraware/accountabilitylayer/pkg/store"
	"github.com/fraware/accountabilitylayer/pkg/version"
	"github.com/fraware/accountabilitylayer/pkg/worker"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envPath)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting accountability layer",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"notifier_port", cfg.NotifierPort,
		"bus_mode", cfg.Bus.Mode,
		"store_mode", cfg.StoreMode)

	ctx := context.Background()

	// 1. Store
	var (
		logStore store.LogStore
		dbClient *database.Client
	)
	switch cfg.StoreMode {
	case config.StoreModePostgres:
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Invalid database configuration", "error", err)
			os.Exit(1)
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := dbClient.Close(); err != nil {
				slog.Error("Error closing database client", "error", err)
			}
		}()
		logStore = store.NewPostgresStore(dbClient.DB())
		slog.Info("Connected to PostgreSQL database")
	case config.StoreModeMemory:
		logStore = store.NewMemoryStore()
		slog.Warn("Using in-memory store; logs are lost on restart")
	}

	// 2. Event bus
	busCfg := bus.Config{
		MaxDeliver:    cfg.Bus.MaxDeliver,
		RetrySchedule: bus.DefaultRetrySchedule,
		AckWait:       cfg.Bus.AckWait,
	}
	var eventBus bus.Bus
	switch cfg.Bus.Mode {
	case config.BusModeNATS:
		natsBus, err := bus.ConnectNATS(ctx, cfg.Bus.NATSURL, busCfg)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		eventBus = natsBus
		slog.Info("Connected to NATS", "url", cfg.Bus.NATSURL)
	case config.BusModeMemory:
		eventBus = bus.NewMemoryBus(busCfg)
		slog.Warn("Using in-memory bus; messages do not survive restarts")
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Error("Error closing bus", "error", err)
		}
	}()

	// 3. Worker idempotency cache
	var dedup worker.Deduper
	if cfg.Redis.Addr != "" {
		redisDedup, err := worker.NewRedisDeduper(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.DedupWindow)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		dedup = redisDedup
		slog.Info("Connected to Redis dedup cache", "addr", cfg.Redis.Addr)
	} else {
		dedup = worker.NewMemoryDeduper(cfg.Redis.DedupWindow)
		slog.Warn("Using in-process dedup cache; correct for a single worker replica only")
	}
	defer func() {
		if err := dedup.Close(); err != nil {
			slog.Error("Error closing dedup cache", "error", err)
		}
	}()

	// 4. Domain services
	logService := services.NewLogService(logStore)
	classifier := classify.New()

	auditService := audit.NewService(cfg.Audit.WindowSize,
		audit.WithPublisher(eventBus),
		audit.WithRolloverInterval(cfg.Audit.RolloverInterval))
	auditService.Start(ctx)
	defer auditService.Stop()

	// 5. Log worker (subscribes before the API opens, so nothing queues unseen)
	logWorker := worker.New(eventBus, logService, auditService, classifier, dedup, cfg.Retention)
	if err := logWorker.Start(ctx); err != nil {
		slog.Error("Failed to start worker", "error", err)
		os.Exit(1)
	}

	// 6. Retention sweeper
	sweeper := cleanup.NewService(logStore, cfg.Retention)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 7. Notifier
	manager := notifier.NewManager(cfg.Notifier.FanoutLimit, cfg.Notifier.WriteTimeout)
	if err := manager.BindBus(ctx, eventBus); err != nil {
		slog.Error("Failed to bind notifier to bus", "error", err)
		os.Exit(1)
	}
	notifierServer := notifier.NewServer(manager, cfg.Notifier.EnableCompression)

	// 8. HTTP servers (non-blocking)
	apiServer := api.NewServer(eventBus, logService, auditService, classifier, dbClient, cfg.Auth)

	errCh := make(chan error, 2)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("API server listening", "addr", addr)
		if err := apiServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "error", err)
			errCh <- err
		}
	}()
	go func() {
		addr := ":" + cfg.NotifierPort
		slog.Info("Notifier server listening", "addr", addr)
		if err := notifierServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("Notifier server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Accountability layer started")

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: stop intake first, then drain, then seal.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown error", "error", err)
	}
	if err := notifierServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Notifier server shutdown error", "error", err)
	}

	// Seal open Merkle windows so a restart starts from a clean boundary.
	auditService.Flush(shutdownCtx)

	slog.Info("Shutdown complete")
}
