package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-tracker/internal/api"
	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/config"
	"github.com/maltedev/price-tracker/internal/database"
	"github.com/maltedev/price-tracker/internal/fetcher"
	"github.com/maltedev/price-tracker/internal/imagestore"
	"github.com/maltedev/price-tracker/internal/logging"
	"github.com/maltedev/price-tracker/internal/mail"
	"github.com/maltedev/price-tracker/internal/metrics"
	"github.com/maltedev/price-tracker/internal/notifier"
	"github.com/maltedev/price-tracker/internal/parser"
	"github.com/maltedev/price-tracker/internal/ratelimit"
	"github.com/maltedev/price-tracker/internal/retry"
	"github.com/maltedev/price-tracker/internal/scheduler"
	"github.com/maltedev/price-tracker/internal/scraper"
	"github.com/maltedev/price-tracker/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("price tracker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, logCloser := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection
	db, err := database.New(ctx, database.Config{
		URL:      cfg.Database.URL,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Outbox relay
	relay := database.NewRelay(database.NewOutboxRepository(db), redisClient, logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		StreamMaxLen: 100000,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	// Browser
	sessions := browser.NewManager(
		browser.NewPlaywrightLauncher(&browser.Options{
			Headless:    cfg.Browser.Headless,
			Timeout:     cfg.Browser.LaunchTimeout,
			ProxyServer: cfg.Browser.ProxyServer,
		}),
		browser.ManagerOptions{
			LaunchPolicy:   retry.LinearPolicy(cfg.Browser.LaunchAttempts, cfg.Browser.LaunchBackoff),
			HealthTimeout:  cfg.Browser.HealthTimeout,
			HealthInterval: cfg.Browser.HealthInterval,
		},
		logger,
	)
	defer sessions.Close()
	go sessions.Run(ctx)
	go logBrowserEvents(ctx, sessions.Events(), logger)

	// Scrape pipeline
	pageFetcher := fetcher.New(fetcher.Options{
		NavigationTimeout:  cfg.Scraper.NavigationTimeout,
		NavigationAttempts: cfg.Scraper.NavigationAttempts,
		NavigationBackoff:  2 * time.Second,
		SelectorTimeout:    cfg.Scraper.SelectorTimeout,
		ConsentTimeout:     cfg.Scraper.ConsentTimeout,
		UserAgents:         cfg.Scraper.UserAgents,
	}, ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax), logger)

	store, uploadsDir, closeStore, err := newImageStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	scrapes := scraper.NewService(
		sessions,
		pageFetcher,
		parser.NewAmazonParser(),
		imagestore.NewPersister(store, cfg.Scraper.ImageTimeout, cfg.Scraper.ImageMaxBytes),
		logger,
	)

	// Alerts
	var mailer mail.Mailer
	if cfg.Mail.SMTPHost != "" {
		mailer = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.Mail.SMTPHost,
			Port:     cfg.Mail.SMTPPort,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
		})
	} else {
		logger.Warn("SMTP_HOST not set, price alerts are only logged")
		mailer = mail.NewLogMailer(logger)
	}
	alerts := notifier.New(db, mailer, logger)

	// Scheduler
	jobStore := scheduler.NewRedisJobStore(redisClient)
	sched, err := scheduler.New(scheduler.Options{
		Task:          scheduler.DefaultTask,
		Interval:      cfg.Scheduler.Interval,
		Schedule:      cfg.Scheduler.Schedule,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		TickTimeout:   cfg.Scheduler.TickTimeout,
	},
		scheduler.NewPriceRefresher(db, scrapes, alerts, cfg.Scheduler.HistoryRetention, logger),
		jobStore,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	ids, err := db.ListProductIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tracked products: %w", err)
	}
	if err := sched.Rehydrate(ctx, ids); err != nil {
		// jobs that did register still run; the rest are retried on next start
		logger.Error("failed to reschedule some products", "error", err)
	}
	// the registry must mirror the live set after rehydration
	persisted, err := jobStore.ListRecurringJobs(ctx, scheduler.DefaultTask)
	if err != nil {
		logger.Warn("failed to read job registry", "error", err)
	} else if live := len(sched.Jobs()); len(persisted) != live {
		logger.Warn("job registry out of sync", "persisted", len(persisted), "live", live)
	}

	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("scheduler started", "jobs", len(ids))

	// HTTP
	handlers := api.NewHandlers(
		tracker.NewService(db, db, scrapes, sched, logger),
		sessions,
		relay,
		sched,
		logger,
	)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewRouter(handlers, api.RouterOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			// first-time tracking waits for a full scrape
			RequestTimeout: cfg.Server.WriteTimeout,
			UploadsDir:     uploadsDir,
			UploadsPath:    cfg.Storage.BaseURL,
			Metrics:        metrics.Handler(),
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// newImageStore returns the configured store. uploadsDir is set only for
// the local backend, whose files the HTTP server serves itself.
func newImageStore(ctx context.Context, cfg config.StorageConfig) (store imagestore.Store, uploadsDir string, closeFn func(), err error) {
	switch cfg.Backend {
	case "gcs":
		gcs, err := imagestore.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, "", nil, err
		}
		return gcs, "", func() { gcs.Close() }, nil
	default:
		local, err := imagestore.NewLocalStore(cfg.Dir, cfg.BaseURL)
		if err != nil {
			return nil, "", nil, err
		}
		return local, local.Dir(), func() {}, nil
	}
}

// logBrowserEvents keeps a debug trail of session lifecycle changes. The
// manager logs failures itself.
func logBrowserEvents(ctx context.Context, events <-chan browser.Event, logger *slog.Logger) {
	logger = logger.With("component", "browser_events")
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			logger.Debug("browser event", "type", e.Type, "session", e.SessionID, "at", e.At, "error", e.Err)
		}
	}
}
