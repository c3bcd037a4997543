package health

import (
	"context"
	"time"

	"github.com/contentpulse/datacore/internal/infra/postgres"
	"github.com/contentpulse/datacore/internal/queue"
)

// DatabaseChecker is the connection manager surface the monitor needs.
type DatabaseChecker interface {
	HealthCheck(ctx context.Context) postgres.Health
}

// StorePinger is the remote store surface the monitor needs.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// Monitor aggregates component health into one report. Checks never
// fail with an error value, so callers can poll safely.
type Monitor struct {
	db    DatabaseChecker
	store StorePinger
	queue queue.Queue
}

// NewMonitor creates a monitor over the given components. Any of them
// may be nil and is then skipped.
func NewMonitor(db DatabaseChecker, store StorePinger, q queue.Queue) *Monitor {
	return &Monitor{db: db, store: store, queue: q}
}

// CheckHealth probes every component. The database being down is
// critical; a store failure degrades the system (cache misses and
// queue stalls, but reads still work).
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	report := Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
	}

	if m.db != nil {
		h := m.db.HealthCheck(ctx)
		ch := ComponentHealth{
			Component: "database",
			Status:    StatusHealthy,
			LatencyMs: h.LatencyMs,
			Error:     h.Error,
		}
		if h.Status != "healthy" {
			ch.Status = StatusCritical
			report.SystemStatus = StatusCritical
		}
		report.Components["database"] = ch
	}

	if m.store != nil {
		start := time.Now()
		ch := ComponentHealth{Component: "store", Status: StatusHealthy}
		if err := m.store.Ping(ctx); err != nil {
			ch.Status = StatusDegraded
			ch.Error = err.Error()
			if report.SystemStatus == StatusHealthy {
				report.SystemStatus = StatusDegraded
			}
		}
		ch.LatencyMs = time.Since(start).Milliseconds()
		report.Components["store"] = ch
	}

	if m.queue != nil {
		if depth, err := m.queue.Depth(ctx); err == nil {
			report.QueueDepth = depth
		}
		if dead, err := m.queue.DeadLetters(ctx); err == nil {
			report.DeadLetters = len(dead)
		}
	}

	return report
}
