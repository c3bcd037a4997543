package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contentpulse/datacore/internal/core/domain"
	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/infra/kvstore"
	"github.com/contentpulse/datacore/internal/metrics"
)

const (
	pendingKey = "queue:pending"
	jobsKey    = "queue:jobs"
	deadKey    = "queue:dead"
)

// RemoteQueue keeps all job state in the remote store so any stateless
// worker can participate. The pending list holds job IDs; job records
// live in a hash; dead-lettered records move to a separate list.
// Delivery is at-least-once: RPop atomically claims an ID for exactly
// one worker, and a worker crash between claim and Ack leaves the
// record in the hash for inspection.
type RemoteQueue struct {
	store       kvstore.Store
	policy      retry.Policy
	maxAttempts int
	log         *slog.Logger

	now func() time.Time
}

// NewRemoteQueue creates a remote-list queue over the given store.
func NewRemoteQueue(cfg Config, store kvstore.Store) *RemoteQueue {
	cfg = cfg.withDefaults()
	return &RemoteQueue{
		store:       store,
		policy:      cfg.policy(),
		maxAttempts: cfg.MaxAttempts,
		log:         slog.Default().With("component", "queue", "mode", "remote"),
		now:         time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (q *RemoteQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *RemoteQueue) saveJob(ctx context.Context, j *domain.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return &retry.PermanentError{Err: fmt.Errorf("marshal job %s: %w", j.ID, err)}
	}
	return q.store.HSet(ctx, jobsKey, j.ID, string(data))
}

func (q *RemoteQueue) loadJob(ctx context.Context, id string) (*domain.Job, error) {
	data, found, err := q.store.HGet(ctx, jobsKey, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var j domain.Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, &retry.PermanentError{Err: fmt.Errorf("unmarshal job %s: %w", id, err)}
	}
	return &j, nil
}

func (q *RemoteQueue) Enqueue(ctx context.Context, job *domain.Job) (string, error) {
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

	// Record first, then publish the ID: a crash in between leaves an
	// orphan record, never a dangling ID.
	if err := q.saveJob(ctx, &j); err != nil {
		return "", err
	}
	if err := q.store.LPush(ctx, pendingKey, j.ID); err != nil {
		return "", err
	}
	return j.ID, nil
}

func (q *RemoteQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	id, found, err := q.store.RPop(ctx, pendingKey)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	j, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		// Orphaned ID (acked elsewhere); drop it.
		q.log.Debug("Dropping orphaned job id", "job", id)
		return nil, nil
	}

	if !j.Available(q.now()) {
		// Backoff delay not elapsed; put the ID back and report empty.
		if err := q.store.LPush(ctx, pendingKey, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return j, nil
}

func (q *RemoteQueue) Ack(ctx context.Context, id string) error {
	return q.store.HDel(ctx, jobsKey, id)
}

func (q *RemoteQueue) Fail(ctx context.Context, id string, reason string) error {
	j, err := q.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return fmt.Errorf("fail: unknown job %s", id)
	}

	j.Attempt++
	if j.Attempt >= j.MaxAttempts {
		dead := domain.DeadJob{Job: *j, FailureReason: reason, FailedAt: q.now()}
		data, err := json.Marshal(dead)
		if err != nil {
			return &retry.PermanentError{Err: fmt.Errorf("marshal dead job %s: %w", id, err)}
		}
		if err := q.store.LPush(ctx, deadKey, string(data)); err != nil {
			return err
		}
		if err := q.store.HDel(ctx, jobsKey, id); err != nil {
			return err
		}
		metrics.JobsDeadLetteredTotal.WithLabelValues(j.Type).Inc()
		q.log.Warn("Job dead-lettered",
			"job", j.ID, "type", j.Type, "attempts", j.Attempt, "reason", reason)
		return &retry.DeadLetterError{JobID: j.ID, Reason: reason}
	}

	delay := q.policy.DelayFor(j.Attempt - 1)
	j.AvailableAt = q.now().Add(delay)
	if err := q.saveJob(ctx, j); err != nil {
		return err
	}
	if err := q.store.LPush(ctx, pendingKey, j.ID); err != nil {
		return err
	}
	q.log.Debug("Job requeued",
		"job", j.ID, "attempt", j.Attempt, "delay", delay, "reason", reason)
	return nil
}

func (q *RemoteQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.LLen(ctx, pendingKey)
	if err != nil {
		return 0, err
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

func (q *RemoteQueue) DeadLetters(ctx context.Context) ([]domain.DeadJob, error) {
	items, err := q.store.LRange(ctx, deadKey, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeadJob, 0, len(items))
	for _, item := range items {
		var d domain.DeadJob
		if err := json.Unmarshal([]byte(item), &d); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("unmarshal dead job: %w", err)}
		}
		out = append(out, d)
	}
	return out, nil
}
