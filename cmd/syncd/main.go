package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/omnifeed/omnifeed/internal/alerting"
	"github.com/omnifeed/omnifeed/internal/archive"
	"github.com/omnifeed/omnifeed/internal/auth"
	"github.com/omnifeed/omnifeed/internal/config"
	"github.com/omnifeed/omnifeed/internal/delivery"
	"github.com/omnifeed/omnifeed/internal/ingest"
	"github.com/omnifeed/omnifeed/internal/platform"
	"github.com/omnifeed/omnifeed/internal/scheduler"
	"github.com/omnifeed/omnifeed/internal/search"
	"github.com/omnifeed/omnifeed/internal/store"
	"github.com/omnifeed/omnifeed/internal/vault"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting omnifeed sync pipeline")

	// Store of record
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		logrus.Fatalf("Failed to open database: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		logrus.Fatalf("Failed to migrate schema: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	// Token vault
	tokenVault, err := vault.New(db, cfg.VaultKeyHex)
	if err != nil {
		logrus.Fatalf("Failed to initialize vault: %v", err)
	}

	connRepo := store.NewConnectionRepository(db)
	postRepo := store.NewPostRepository(db)
	notifRepo := store.NewNotificationRepository(db)

	// Adapter registry, built once and passed by reference
	registry := platform.NewRegistry()
	registry.Register(platform.NewMastodonAdapter(cfg.MastodonBaseURL, cfg.MastodonClientID, cfg.MastodonClientSecret, cfg.AdapterTimeout))
	registry.Register(platform.NewBlueskyAdapter(cfg.BlueskyBaseURL, cfg.AdapterTimeout))
	logrus.Infof("Registered platform adapters: %v", registry.Platforms())

	// Raw payload archive
	var archiver archive.Archiver = archive.Noop{}
	if cfg.ArchiveAccount != "" {
		azureArchive, err := archive.NewAzureArchive(cfg.ArchiveAccount, cfg.ArchiveContainer)
		if err != nil {
			logrus.Fatalf("Failed to initialize archive: %v", err)
		}
		archiver = azureArchive
	}

	alerts := alerting.NewService(cfg)
	metrics := scheduler.NewMetrics()

	// Search propagation, decoupled from the ingest path
	index := search.NewRedisIndex(rdb)
	propagator := search.NewPropagator(postRepo, index, search.PropagatorOptions{
		QueueSize:  cfg.SearchQueueSize,
		Workers:    cfg.SearchWorkers,
		RetryBase:  cfg.RetryBaseDelay,
		RetryMax:   cfg.RetryMaxDelay,
		MaxRetries: cfg.MaxFetchRetries,
		OnDegraded: func(err error) {
			metrics.RecordSearchDegraded()
			if alertErr := alerts.SendAlert(alerting.SearchDegraded(err)); alertErr != nil {
				logrus.Errorf("Failed to send search-degraded alert: %v", alertErr)
			}
		},
	})
	propagator.Start()

	reindexer := search.NewReindexer(postRepo, index, cfg.ReindexBatchSize)
	transport := delivery.NewRedisTransport(rdb)
	engine := ingest.NewEngine(postRepo, notifRepo)

	poller := scheduler.NewPoller(cfg, registry, tokenVault, connRepo, notifRepo, engine, propagator, transport, archiver, metrics)
	refresher := scheduler.NewRefresher(cfg, registry, tokenVault, connRepo, poller, alerts, metrics)
	poller.BindRefresher(refresher)
	poller.Start()

	// Re-register polling jobs for connections that were active before the
	// last shutdown.
	active, err := connRepo.ListActive(context.Background())
	if err != nil {
		logrus.Fatalf("Failed to list active connections: %v", err)
	}
	for _, conn := range active {
		poller.Register(conn.ID)
	}
	logrus.Infof("Restored %d polling jobs", len(active))

	schedulerService := scheduler.NewService(cfg, refresher, poller)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	app := &application{
		config:    cfg,
		conns:     connRepo,
		posts:     postRepo,
		notifs:    notifRepo,
		vault:     tokenVault,
		registry:  registry,
		poller:    poller,
		refresher: refresher,
		reindexer: reindexer,
		archiver:  archiver,
		metrics:   metrics,
		verifier:  auth.NewVerifier(cfg.JWTSecret),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      app.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")

	// Stop accepting new work first, then drain in-flight jobs.
	schedulerService.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	poller.Stop(ctx)
	propagator.Stop()

	logrus.Info("Pipeline exited")
}
