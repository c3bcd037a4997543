// Package control assembles the data-access layer and manages its
// lifecycle. Long-lived deployments construct one App and run it;
// serverless handlers construct the pieces they need per invocation
// through the same constructors.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/contentpulse/datacore/internal/cache"
	"github.com/contentpulse/datacore/internal/core/config"
	"github.com/contentpulse/datacore/internal/health"
	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/infra/postgres"
	"github.com/contentpulse/datacore/internal/queue"
	"github.com/contentpulse/datacore/internal/ratelimit"
)

// Config holds the application configuration.
type Config struct {
	Port      int
	Database  postgres.Config
	Store     kvstore.Config
	Cache     config.CacheConfig
	RateLimit config.RateLimitConfig
	Queue     queue.Config

	// JobHandler, when set, runs the in-process worker pool.
	JobHandler queue.Handler
}

// App wires the connection manager, remote store, cache, rate limiter,
// queue and health server together.
type App struct {
	cfg Config
	log *slog.Logger

	db           *postgres.Manager
	store        kvstore.Store
	cache        *cache.Cache
	limiter      *ratelimit.Limiter
	queue        queue.Queue
	worker       *queue.Worker
	healthServer *health.Server

	workerCancel context.CancelFunc
}

// New creates the application with all dependencies initialized. The
// database is not dialed until Start.
func New(cfg Config) (*App, error) {
	app := &App{
		cfg: cfg,
		log: slog.Default().With("component", "app"),
	}

	if cfg.Database.URL != "" {
		app.db = postgres.NewManager(cfg.Database, nil)
	}

	store, err := kvstore.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	app.store = store

	app.cache = cache.New(store, cfg.Cache.DefaultTTL)
	app.limiter = ratelimit.New(store)

	q, err := queue.New(cfg.Queue, store)
	if err != nil {
		return nil, fmt.Errorf("failed to init queue: %w", err)
	}
	app.queue = q

	if cfg.JobHandler != nil {
		app.worker = queue.NewWorker(q, cfg.Queue, cfg.JobHandler)
	}

	monitor := health.NewMonitor(databaseChecker(app.db), store, q)
	app.healthServer = health.NewServer(monitor, cfg.Port)

	return app, nil
}

// databaseChecker keeps the monitor's checker nil when no database is
// configured (a typed nil would dodge the monitor's nil check).
func databaseChecker(db *postgres.Manager) health.DatabaseChecker {
	if db == nil {
		return nil
	}
	return db
}

// DB returns the connection manager, or nil when no database is configured.
func (a *App) DB() *postgres.Manager { return a.db }

// Store returns the remote store client.
func (a *App) Store() kvstore.Store { return a.store }

// Cache returns the cache layer.
func (a *App) Cache() *cache.Cache { return a.cache }

// RateLimiter returns the rate limiter.
func (a *App) RateLimiter() *ratelimit.Limiter { return a.limiter }

// Queue returns the job queue.
func (a *App) Queue() queue.Queue { return a.queue }

// Start connects the database, starts the health server and, when a
// job handler is configured, the worker pool.
func (a *App) Start(ctx context.Context) error {
	if a.db != nil {
		if err := a.db.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}
		a.log.Info("Database connected")
	}

	if err := a.store.Ping(ctx); err != nil {
		// Degraded, not fatal: the store may come back and every call
		// site handles its absence.
		a.log.Warn("Remote store unreachable at startup", "error", err)
	}

	go func() {
		a.log.Info("Health server listening", "port", a.cfg.Port)
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.worker != nil {
		workerCtx, cancel := context.WithCancel(context.Background())
		a.workerCancel = cancel
		a.worker.Start(workerCtx)
	}

	return nil
}

// Stop shuts everything down gracefully.
func (a *App) Stop(ctx context.Context) error {
	if a.workerCancel != nil {
		a.workerCancel()
		a.worker.Wait()
	}

	if err := a.healthServer.Stop(ctx); err != nil {
		a.log.Warn("Health server shutdown failed", "error", err)
	}

	if closer, ok := a.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			a.log.Warn("Store close failed", "error", err)
		}
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}

	a.log.Info("Stopped")
	return nil
}
