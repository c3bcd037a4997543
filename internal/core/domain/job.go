package domain

import (
	"encoding/json"
	"time"
)

// Job is a unit of background work. All queue state lives in the
// remote store (or the in-process queue), never in the job itself.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	AvailableAt time.Time       `json:"available_at"`
}

// Available reports whether the job may be dequeued at the given time.
func (j *Job) Available(now time.Time) bool {
	return !j.AvailableAt.After(now)
}

// DeadJob is a job that exhausted its retry budget. Terminal: never
// auto-retried, held for manual inspection.
type DeadJob struct {
	Job
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}
