package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/contentpulse/datacore/internal/core/domain"
	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/metrics"
)

// MemoryQueue keeps all job state in process. Suited to long-lived
// deployments; state is lost on restart.
type MemoryQueue struct {
	policy      retry.Policy
	maxAttempts int
	log         *slog.Logger

	mu       sync.Mutex
	pending  []*domain.Job
	inflight map[string]*domain.Job
	dead     []domain.DeadJob

	now func() time.Time
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	cfg = cfg.withDefaults()
	return &MemoryQueue{
		policy:      cfg.policy(),
		maxAttempts: cfg.MaxAttempts,
		log:         slog.Default().With("component", "queue", "mode", "memory"),
		inflight:    make(map[string]*domain.Job),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.maxAttempts
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}

	q.pending = append(q.pending, &j)
	metrics.QueueDepth.Set(float64(len(q.pending)))
	return j.ID, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for i, j := range q.pending {
		if !j.Available(now) {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inflight[j.ID] = j
		metrics.QueueDepth.Set(float64(len(q.pending)))

		cp := *j
		return &cp, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[id]; !ok {
		return fmt.Errorf("ack: unknown job %s", id)
	}
	delete(q.inflight, id)
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.inflight[id]
	if !ok {
		return fmt.Errorf("fail: unknown job %s", id)
	}
	delete(q.inflight, id)

	j.Attempt++
	if j.Attempt >= j.MaxAttempts {
		q.dead = append(q.dead, domain.DeadJob{
			Job:           *j,
			FailureReason: reason,
			FailedAt:      q.now(),
		})
		metrics.JobsDeadLetteredTotal.WithLabelValues(j.Type).Inc()
		q.log.Warn("Job dead-lettered",
			"job", j.ID, "type", j.Type, "attempts", j.Attempt, "reason", reason)
		return &retry.DeadLetterError{JobID: j.ID, Reason: reason}
	}

	delay := q.policy.DelayFor(j.Attempt - 1)
	j.AvailableAt = q.now().Add(delay)
	q.pending = append(q.pending, j)
	metrics.QueueDepth.Set(float64(len(q.pending)))
	q.log.Debug("Job requeued",
		"job", j.ID, "attempt", j.Attempt, "delay", delay, "reason", reason)
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]domain.DeadJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.DeadJob, len(q.dead))
	copy(out, q.dead)
	return out, nil
}
