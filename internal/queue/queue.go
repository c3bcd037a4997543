// Package queue provides dual-mode job dispatch: an in-process worker
// queue for long-lived deployments and a remote-list queue for
// stateless serverless workers. Both modes share one backoff policy so
// retry timing is observably identical regardless of deployment mode.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/contentpulse/datacore/internal/core/domain"
	"github.com/contentpulse/datacore/internal/core/retry"
	"github.com/contentpulse/datacore/internal/infra/kvstore"
)

// Queue is the job dispatch contract shared by both backends.
type Queue interface {
	// Enqueue adds a job to the pending structure, assigning an ID if
	// the job has none. Returns the job ID.
	Enqueue(ctx context.Context, job *domain.Job) (string, error)
	// Dequeue claims the next available job, or nil when none is
	// pending or available yet. At-most-one caller claims a given job.
	Dequeue(ctx context.Context) (*domain.Job, error)
	// Ack marks a claimed job as done and removes it.
	Ack(ctx context.Context, id string) error
	// Fail records a failed attempt. The job is requeued with a
	// backoff delay until its attempt count reaches MaxAttempts, at
	// which point it moves to the dead-letter list and Fail returns an
	// informational DeadLetterError. Dead-letter is terminal.
	Fail(ctx context.Context, id string, reason string) error
	// Depth reports the number of pending jobs.
	Depth(ctx context.Context) (int64, error)
	// DeadLetters returns the dead-letter list for inspection.
	DeadLetters(ctx context.Context) ([]domain.DeadJob, error)
}

// Config selects and configures a backend.
type Config struct {
	// Mode is "memory" or "remote".
	Mode string `yaml:"mode"`
	// Workers is the in-process worker pool size.
	Workers int `yaml:"workers"`
	// MaxAttempts used when a job does not carry its own.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBase is the backoff base delay between attempts.
	RetryBase time.Duration `yaml:"retry_base"`
	// PollInterval is the worker sleep when the queue is empty.
	PollInterval time.Duration `yaml:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

func (c Config) policy() retry.Policy {
	return retry.Policy{MaxAttempts: c.MaxAttempts, BaseDelay: c.RetryBase}
}

// New constructs the backend named by cfg.Mode. The store is only
// required in remote mode.
func New(cfg Config, store kvstore.Store) (Queue, error) {
	switch cfg.Mode {
	case "", "memory":
		return NewMemoryQueue(cfg), nil
	case "remote":
		if store == nil {
			return nil, fmt.Errorf("remote queue requires a store")
		}
		return NewRemoteQueue(cfg, store), nil
	default:
		return nil, fmt.Errorf("unknown queue mode: %q", cfg.Mode)
	}
}
