package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/courier/internal/api"
	"github.com/vietddude/courier/internal/auth"
	"github.com/vietddude/courier/internal/core/config"
	"github.com/vietddude/courier/internal/core/worker"
	"github.com/vietddude/courier/internal/dispatch"
	"github.com/vietddude/courier/internal/health"
	redisclient "github.com/vietddude/courier/internal/infra/redis"
	"github.com/vietddude/courier/internal/infra/storage"
	"github.com/vietddude/courier/internal/infra/storage/memory"
	"github.com/vietddude/courier/internal/infra/storage/postgres"
	"github.com/vietddude/courier/internal/metrics"
	"github.com/vietddude/courier/internal/upstream"
)

// Courier is the main application struct that manages the relay lifecycle.
type Courier struct {
	cfg *config.AppConfig

	scheduler *dispatch.Scheduler
	registry  *api.Registry
	apiServer *api.Server
	tokens    auth.Manager
	client    *upstream.Client
	pruner    *worker.Pruner

	db          *postgres.DB
	redisClient *redisclient.Client
	log         *slog.Logger
}

// NewCourier creates a new Courier instance with all dependencies initialized.
func NewCourier(cfg *config.AppConfig) (*Courier, error) {

	// 1. Initialize Storage
	var journal storage.JournalRepository
	var store *memory.MemoryStorage
	var db *postgres.DB
	pingers := make(map[string]storage.Pinger)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Run migrations
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		migrationsDir := cfg.Database.MigrationsDir
		if migrationsDir == "" {
			migrationsDir = "migrations"
		}
		if err := goose.Up(db.DB.DB, migrationsDir); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		journal = postgres.NewJournalRepo(db)
		pingers["database"] = db
		slog.Info("Using PostgreSQL journal")
	} else {
		store = memory.NewMemoryStorage()
		journal = memory.NewJournalRepo(store)
		pingers["journal"] = store
		slog.Info("Using memory journal")
	}

	// 2. Initialize Session Store
	var sessions storage.SessionRepository
	var redisClient *redisclient.Client

	if cfg.Redis.URL != "" {
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using memory session store", "error", err)
		} else {
			sessions = redisclient.NewSessionRepo(redisClient, cfg.Upstream.Name)
			pingers["redis"] = redisClient
			slog.Info("Using Redis session store")
		}
	}
	if sessions == nil {
		if store == nil {
			store = memory.NewMemoryStorage()
		}
		sessions = memory.NewSessionRepo(store)
		slog.Info("Using memory session store")
	}

	// 3. Initialize Auth Manager
	tokens := auth.NewManager(auth.Config{
		TokenURL:     cfg.Auth.TokenURL,
		RevokeURL:    cfg.Auth.RevokeURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RefreshToken: cfg.Auth.RefreshToken,
		ExpirySkew:   time.Duration(cfg.Auth.ExpirySkewSeconds) * time.Second,
	}, sessions)

	// 4. Initialize Upstream Client
	client := upstream.NewClient(
		cfg.Upstream.BaseURL,
		time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second,
		tokens.AccessToken,
	)

	// 5. Initialize Scheduler
	dispatchCfg := dispatch.Config{
		MaxRetries:        cfg.Dispatch.MaxRetries,
		RequestsPerSecond: cfg.Dispatch.RequestsPerSecond,
		MaxConcurrent:     cfg.Dispatch.MaxConcurrent,
		MaxPending:        cfg.Dispatch.MaxPending,
		Backoff: dispatch.Policy{
			Base:   time.Duration(cfg.Dispatch.BaseDelayMS) * time.Millisecond,
			Max:    time.Duration(cfg.Dispatch.MaxDelayMS) * time.Millisecond,
			Jitter: cfg.Dispatch.JitterFraction,
		},
	}
	scheduler := dispatch.NewScheduler(tokens, dispatchCfg)

	// 6. Initialize Registry and API Server
	registry := api.NewRegistry(scheduler, client, journal)

	queueCapacity := cfg.Dispatch.MaxPending
	if queueCapacity <= 0 {
		queueCapacity = dispatch.DefaultConfig().MaxPending
	}
	healthMon := health.NewMonitor(scheduler, client.Monitor, pingers, queueCapacity)
	apiServer := api.NewServer(cfg.Server.Port, registry, healthMon)

	// 7. Initialize Pruner
	var pruner *worker.Pruner
	if cfg.Journal.RetentionHours > 0 {
		retention := time.Duration(cfg.Journal.RetentionHours) * time.Hour
		pruner = worker.NewPruner(retention, journal)
	}

	return &Courier{
		cfg:         cfg,
		scheduler:   scheduler,
		registry:    registry,
		apiServer:   apiServer,
		tokens:      tokens,
		client:      client,
		pruner:      pruner,
		db:          db,
		redisClient: redisClient,
		log:         slog.Default(),
	}, nil
}

// Start starts the courier and all its components.
func (c *Courier) Start(ctx context.Context) error {
	// Start API Server
	go func() {
		if err := c.apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("API server failed", "error", err)
		}
	}()
	c.log.Info("API server listening", "port", c.cfg.Server.Port)

	// Start DB Metrics Collector
	if c.db != nil {
		c.db.StartMetricsCollector(ctx)
	}

	// Start Pruner
	if c.pruner != nil {
		c.log.Info("Starting journal pruner", "retention_hours", c.cfg.Journal.RetentionHours)
		go c.pruner.Start(ctx)
	}

	// Start Scheduler Metrics Updater
	go c.runMetricsUpdater(ctx)

	return nil
}

// Stop drains the courier: pending work is rejected, in-flight requests
// finish, outcomes are journaled, then the ingress server stops.
func (c *Courier) Stop(ctx context.Context) error {
	c.log.Info("Stopping courier...")

	if err := c.scheduler.Close(ctx); err != nil {
		c.log.Warn("Scheduler close did not finish cleanly", "error", err)
	}
	if err := c.registry.Close(ctx); err != nil {
		c.log.Warn("Registry close did not finish cleanly", "error", err)
	}

	// Close Redis
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			c.log.Warn("Failed to close Redis", "error", err)
		}
	}

	// Close Database
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.log.Warn("Failed to close database", "error", err)
		}
	}

	return c.apiServer.Stop(ctx)
}

// Tokens exposes the session manager for administrative commands.
func (c *Courier) Tokens() auth.Manager {
	return c.tokens
}

func (c *Courier) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.scheduler.Stats()
			metrics.QueueDepth.Set(float64(stats.Queued))
			metrics.InflightRequests.Set(float64(stats.Active))
			metrics.RetryWaiting.Set(float64(stats.RetryWaiting))
		}
	}
}
