package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mescon/Requestarr/internal/api"
	"github.com/mescon/Requestarr/internal/auth"
	"github.com/mescon/Requestarr/internal/cache"
	"github.com/mescon/Requestarr/internal/clock"
	"github.com/mescon/Requestarr/internal/config"
	"github.com/mescon/Requestarr/internal/crypto"
	"github.com/mescon/Requestarr/internal/db"
	"github.com/mescon/Requestarr/internal/eventbus"
	"github.com/mescon/Requestarr/internal/integration"
	"github.com/mescon/Requestarr/internal/logger"
	"github.com/mescon/Requestarr/internal/metrics"
	"github.com/mescon/Requestarr/internal/notifier"
	"github.com/mescon/Requestarr/internal/requests"
	"github.com/mescon/Requestarr/internal/services"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// All flags can also be set via environment variables (REQUESTARR_*)
	flagPort := flag.String("port", "", "HTTP server port (env: REQUESTARR_PORT, default: 3095)")
	flagBasePath := flag.String("base-path", "", "URL base path for reverse proxy (env: REQUESTARR_BASE_PATH, default: /)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, error (env: REQUESTARR_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: REQUESTARR_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: REQUESTARR_DATABASE_PATH)")
	flagSyncSchedule := flag.String("sync-schedule", "", "Cron schedule for the background sync (env: REQUESTARR_SYNC_SCHEDULE)")
	flagSyncConcurrency := flag.Int("sync-concurrency", 0, "Parallel provider calls per sync pass (env: REQUESTARR_SYNC_CONCURRENCY)")
	flagProviderTimeout := flag.Duration("provider-timeout", 0, "Timeout for a single provider call (env: REQUESTARR_PROVIDER_TIMEOUT)")
	flagBulkDelay := flag.Duration("bulk-approve-sync-delay", 0, "Delay before bulk-approved requests are submitted (env: REQUESTARR_BULK_APPROVE_SYNC_DELAY)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep events and notification log, 0 to disable pruning (env: REQUESTARR_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Requestarr %s\n", config.Version)
		os.Exit(0)
	}

	config.Load()

	flagOverrides := config.FlagOverrides{
		Port:                 flagPort,
		BasePath:             flagBasePath,
		LogLevel:             flagLogLevel,
		DataDir:              flagDataDir,
		DatabasePath:         flagDatabasePath,
		SyncSchedule:         flagSyncSchedule,
		SyncConcurrency:      flagSyncConcurrency,
		ProviderTimeout:      flagProviderTimeout,
		BulkApproveSyncDelay: flagBulkDelay,
	}
	// -1 means not set, 0 disables pruning
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)
	cfg := config.Get()

	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Requestarr %s...", config.Version)
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Base Path: %s", cfg.BasePath)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Sync Schedule: %s (concurrency %d, timeout %s)", cfg.SyncSchedule, cfg.SyncConcurrency, cfg.ProviderTimeout)
	logger.Infof("  Bulk Approve Sync Delay: %s", cfg.BulkApproveSyncDelay)
	logger.Infof("  *arr API Rate Limit: %.1f req/s (burst: %d)", cfg.ArrRateLimitRPS, cfg.ArrRateLimitBurst)
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}

	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	stopCheckpoint := repo.StartPeriodicCheckpoint(5 * time.Minute)
	logger.Infof("✓ Database initialized successfully")

	key, err := auth.EnsureAdminKey(context.Background(), repo, func(err error) bool {
		return errors.Is(err, db.ErrNotFound)
	})
	if err != nil {
		logger.Errorf("Failed to initialize admin API key: %v", err)
		os.Exit(1)
	}
	if key != "" {
		// Printed once; only the hash is stored.
		fmt.Printf("\nAdmin API key (shown once, store it now): %s\n\n", key)
	}

	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	var bridge *eventbus.AMQPBridge
	if cfg.AMQPURL != "" {
		bridge, err = eventbus.NewAMQPBridge(cfg.AMQPURL)
		if err != nil {
			logger.Errorf("AMQP bridge disabled: %v", err)
		} else {
			bridge.Attach(eb)
			logger.Infof("✓ AMQP bridge publishing to %s", eventbus.LifecycleQueue)
		}
	}

	recent := cache.NewRecentCache(cache.NewRedisClient(cfg), cfg.RecentCacheTTL)

	keys, err := crypto.NewKeyManager(cfg.EncryptionKey)
	if err != nil {
		logger.Errorf("Invalid encryption key: %v", err)
		os.Exit(1)
	}

	clients := integration.NewClients(cfg)
	providers := requests.Providers{
		Movies:   clients.Radarr,
		Episodes: clients.Sonarr,
	}
	var metadata integration.MetadataProvider
	if cfg.TMDBAPIKey != "" {
		metadata = clients.TMDB
		providers.Metadata = clients.TMDB
	}
	logger.Infof("  Radarr: configured=%t  Sonarr: configured=%t  TMDB: configured=%t",
		clients.Radarr.Configured(), clients.Sonarr.Configured(), metadata != nil)

	requestService := requests.NewService(repo, providers, eb, recent, cfg)

	endpoints := notifier.NewStore(repo.DB, keys)
	dispatcher := notifier.NewDispatcher(endpoints, repo, metadata, eb, cfg, clock.NewRealClock())
	dispatcher.Start()

	metricsService := metrics.NewMetricsService(eb, nil)
	metricsService.RegisterBreakers(clients.Breakers)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	scheduler := services.NewSchedulerService(requestService, repo, cfg, clock.NewRealClock())
	requestService.OnBulkApproved(scheduler.ScheduleBulkSync)
	if err := scheduler.Start(); err != nil {
		logger.Errorf("Failed to start scheduler: %v", err)
		os.Exit(1)
	}

	apiServer := api.NewRESTServer(api.ServerDeps{
		Repo:      repo,
		EventBus:  eb,
		Requests:  requestService,
		Endpoints: endpoints,
		Notifier:  dispatcher,
		Scheduler: scheduler,
		Movies:    clients.Radarr,
		Episodes:  clients.Sonarr,
		Breakers:  clients.Breakers,
		Cache:     recent,
		Metrics:   metricsService,
		Config:    cfg,
	})
	go func() {
		if err := apiServer.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Requestarr %s started, listening on port %s", config.Version, cfg.Port)
	logger.Infof("========================================")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	scheduler.Stop()
	logger.Infof("✓ Scheduler stopped")

	eb.Shutdown()
	dispatcher.Wait()
	if bridge != nil {
		bridge.Close()
	}
	if err := recent.Close(); err != nil {
		logger.Errorf("Failed to close Redis client: %v", err)
	}
	logger.Infof("✓ Event Bus stopped")

	stopCheckpoint()
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("✓ Requestarr shutdown complete")
}
