package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/contentpulse/datacore/internal/core/domain"
	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/metrics"
)

// Handler processes one job. A returned error counts as a failed
// attempt; a panic is recovered and counted the same way.
type Handler func(ctx context.Context, job *domain.Job) error

// Worker runs a pool of goroutines pulling jobs from a Queue. Works
// against either backend; serverless deployments typically skip it and
// call Dequeue directly from each invocation.
type Worker struct {
	queue   Queue
	handler Handler
	workers int
	poll    time.Duration
	log     *slog.Logger

	wg sync.WaitGroup
}

// NewWorker creates a worker pool over the queue.
func NewWorker(q Queue, cfg Config, handler Handler) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		queue:   q,
		handler: handler,
		workers: cfg.Workers,
		poll:    cfg.PollInterval,
		log:     slog.Default().With("component", "queue-worker"),
	}
}

// Start launches the pool. Returns immediately; workers run until ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting workers", "count", w.workers)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.run(ctx, id)
		}(i)
	}
}

// Wait blocks until all workers have exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	log := w.log.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopped")
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			log.Error("Dequeue failed", "error", err)
			w.sleep(ctx)
			continue
		}
		if job == nil {
			w.sleep(ctx)
			continue
		}

		w.process(ctx, log, job)
	}
}

func (w *Worker) process(ctx context.Context, log *slog.Logger, job *domain.Job) {
	err := w.invoke(ctx, job)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
			log.Error("Ack failed", "job", job.ID, "error", ackErr)
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(job.Type, "success").Inc()
		log.Debug("Job done", "job", job.ID, "type", job.Type)
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(job.Type, "failure").Inc()
	failErr := w.queue.Fail(ctx, job.ID, err.Error())

	var dead *retry.DeadLetterError
	switch {
	case failErr == nil:
		log.Warn("Job failed, will retry",
			"job", job.ID, "attempt", job.Attempt+1, "error", err)
	case errors.As(failErr, &dead):
		// Terminal but informational; the job is parked for operators.
		log.Warn("Job failed permanently", "job", dead.JobID, "reason", dead.Reason)
	default:
		log.Error("Fail bookkeeping failed", "job", job.ID, "error", failErr)
	}
}

func (w *Worker) invoke(ctx context.Context, job *domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.poll):
	}
}
