package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Use pgx via database/sql
	"github.com/jmoiron/sqlx"

	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/metrics"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`

	// Retry budgets. Zero values fall back to the package defaults.
	ConnectAttempts int           `yaml:"connect_attempts"`
	QueryAttempts   int           `yaml:"query_attempts"`
	ConnectBackoff  time.Duration `yaml:"connect_backoff"`
	QueryBackoff    time.Duration `yaml:"query_backoff"`
}

// State is the connection lifecycle state, owned exclusively by the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Dialer opens and verifies a database handle. Injected so tests can
// count dial attempts.
type Dialer func(ctx context.Context, cfg Config) (*sqlx.DB, error)

// DefaultDialer opens a pgx-backed handle and pings it.
func DefaultDialer(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// connectAttempt is shared by all callers waiting on one in-flight connect.
type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns a single database handle and its lifecycle. Connects are
// single-flight: concurrent callers wait on the in-flight attempt
// instead of dialing again.
type Manager struct {
	cfg           Config
	dial          Dialer
	connectPolicy retry.Policy
	queryPolicy   retry.Policy
	log           *slog.Logger

	mu      sync.Mutex
	state   State
	db      *sqlx.DB
	attempt *connectAttempt
}

// NewManager creates a connection manager. The handle is not dialed
// until Connect.
func NewManager(cfg Config, dial Dialer) *Manager {
	if dial == nil {
		dial = DefaultDialer
	}

	connectPolicy := retry.ConnectPolicy
	if cfg.ConnectAttempts > 0 {
		connectPolicy.MaxAttempts = cfg.ConnectAttempts
	}
	if cfg.ConnectBackoff > 0 {
		connectPolicy.BaseDelay = cfg.ConnectBackoff
	}
	queryPolicy := retry.QueryPolicy
	if cfg.QueryAttempts > 0 {
		queryPolicy.MaxAttempts = cfg.QueryAttempts
	}
	if cfg.QueryBackoff > 0 {
		queryPolicy.BaseDelay = cfg.QueryBackoff
	}

	return &Manager{
		cfg:           cfg,
		dial:          dial,
		connectPolicy: connectPolicy,
		queryPolicy:   queryPolicy,
		log:           slog.Default().With("component", "postgres"),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the database handle, retrying transient failures
// per the connect policy. Idempotent: if a connect is already in flight
// the caller waits on its outcome; if already connected it returns
// immediately.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		att := m.attempt
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-att.done:
			return att.err
		}
	}

	att := &connectAttempt{done: make(chan struct{})}
	m.attempt = att
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	db, err := m.dialWithRetry(ctx)

	m.mu.Lock()
	if err != nil {
		m.setStateLocked(StateFailed)
	} else {
		m.db = db
		m.setStateLocked(StateConnected)
	}
	m.attempt = nil
	m.mu.Unlock()

	att.err = err
	close(att.done)
	return err
}

func (m *Manager) dialWithRetry(ctx context.Context) (*sqlx.DB, error) {
	var db *sqlx.DB
	attempt := 0
	err := retry.Do(ctx, m.connectPolicy, func(ctx context.Context) error {
		if attempt > 0 {
			m.log.Warn("Retrying database connect",
				"attempt", attempt,
				"delay", m.connectPolicy.DelayFor(attempt-1))
			metrics.DBRetriesTotal.WithLabelValues("connect").Inc()
		}
		attempt++
		d, dialErr := m.dial(ctx, m.cfg)
		if dialErr != nil {
			return dialErr
		}
		db = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close releases the handle and returns the manager to Disconnected.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.db != nil {
		err = m.db.Close()
		m.db = nil
	}
	m.setStateLocked(StateDisconnected)
	return err
}

// handle returns the live handle, connecting first if necessary.
func (m *Manager) handle(ctx context.Context) (*sqlx.DB, error) {
	m.mu.Lock()
	if m.state == StateConnected {
		db := m.db
		m.mu.Unlock()
		return db, nil
	}
	m.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	db := m.db
	m.mu.Unlock()
	return db, nil
}

// reconnect drops the current handle and dials again. Used after a
// transient query failure; the single-flight guard in Connect keeps
// concurrent reconnects down to one dial.
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		if m.db != nil {
			_ = m.db.Close()
			m.db = nil
		}
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	return m.Connect(ctx)
}

// withRetry runs op against the handle, retrying transient failures per
// the query policy with a reconnect between attempts. Permanent errors
// propagate immediately.
func (m *Manager) withRetry(ctx context.Context, name string, op func(db *sqlx.DB) error) error {
	start := time.Now()
	defer func() {
		metrics.DBQueryLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; ; attempt++ {
		db, err := m.handle(ctx)
		if err != nil {
			return err
		}

		opErr := op(db)
		if opErr == nil {
			return nil
		}
		lastErr = opErr

		kind := retry.Classify(opErr)
		if !m.queryPolicy.ShouldRetry(attempt, kind) {
			if kind == retry.KindTransient {
				return &retry.ExhaustedRetriesError{Attempts: attempt + 1, Last: lastErr}
			}
			return opErr
		}

		delay := m.queryPolicy.DelayFor(attempt)
		m.log.Warn("Transient database error, retrying",
			"operation", name, "attempt", attempt+1, "delay", delay, "error", opErr)
		metrics.DBRetriesTotal.WithLabelValues(name).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		if err := m.reconnect(ctx); err != nil {
			m.log.Warn("Reconnect failed", "error", err)
		}
	}
}

// Execute runs a statement that returns no rows.
func (m *Manager) Execute(ctx context.Context, query string, args ...any) error {
	return m.withRetry(ctx, "execute", func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, query, args...)
		return err
	})
}

// Query runs a statement and scans all rows into dest (a slice pointer).
func (m *Manager) Query(ctx context.Context, dest any, query string, args ...any) error {
	return m.withRetry(ctx, "query", func(db *sqlx.DB) error {
		return db.SelectContext(ctx, dest, query, args...)
	})
}

// QueryRow runs a statement expected to return one row, scanned into dest.
func (m *Manager) QueryRow(ctx context.Context, dest any, query string, args ...any) error {
	return m.withRetry(ctx, "query_row", func(db *sqlx.DB) error {
		return db.GetContext(ctx, dest, query, args...)
	})
}

// Health is the result of a health check. Checks never fail with an
// error value so liveness probes can poll safely.
type Health struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthCheck issues a trivial round-trip query with a deadline.
func (m *Manager) HealthCheck(ctx context.Context) Health {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()

	m.mu.Lock()
	db := m.db
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || db == nil {
		return Health{Status: "unhealthy", Error: "not connected: " + state.String()}
	}

	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return Health{
			Status:    "unhealthy",
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
	}
	return Health{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.DBConnectionState.Set(float64(s))
}
