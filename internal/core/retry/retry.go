package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies an error for retry purposes.
type Kind int

const (
	// KindTransient errors are expected to resolve on retry (network
	// blip, timeout, connection reset).
	KindTransient Kind = iota
	// KindPermanent errors will recur identically on retry (bad
	// credentials, malformed input). Never retried.
	KindPermanent
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// TransientError marks an error as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedRetriesError wraps the last transient error after the retry
// budget is spent.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted %d attempts: %v", e.Attempts, e.Last)
}
func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// DeadLetterError reports that a job was moved to the dead-letter list.
// Informational; not propagated as a failure to the enqueuing caller.
type DeadLetterError struct {
	JobID  string
	Reason string
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("job %s dead-lettered: %s", e.JobID, e.Reason)
}

// Provider error strings treated as transient. Matched as a fixed set,
// not free-form message heuristics.
var transientMessages = []string{
	"cannot reach server",
	"connection terminated",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"timeout",
	"unexpected eof",
}

var permanentMessages = []string{
	"auth",
	"permission denied",
	"unauthorized",
	"forbidden",
	"syntax error",
	"malformed",
	"invalid",
}

// Classify determines the retry kind for a given error.
func Classify(err error) Kind {
	if err == nil {
		return KindPermanent
	}

	var te *TransientError
	if errors.As(err, &te) {
		return KindTransient
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}

	// Exceeded deadlines are transient; explicit cancellation is not
	// worth retrying.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}

	s := strings.ToLower(err.Error())
	for _, m := range permanentMessages {
		if strings.Contains(s, m) {
			return KindPermanent
		}
	}
	for _, m := range transientMessages {
		if strings.Contains(s, m) {
			return KindTransient
		}
	}

	// Unknown failure modes are not retried blindly.
	return KindPermanent
}

// Policy computes retry eligibility and delay. Pure and deterministic:
// no I/O, no jitter.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default policies per caller class.
var (
	ConnectPolicy = Policy{MaxAttempts: 3, BaseDelay: 1 * time.Second}
	QueryPolicy   = Policy{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond}
)

// ShouldRetry reports whether another attempt is allowed. True only for
// transient errors with budget remaining.
func (p Policy) ShouldRetry(attempt int, kind Kind) bool {
	return kind == KindTransient && attempt < p.MaxAttempts
}

// DelayFor returns base * 2^attempt.
func (p Policy) DelayFor(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Do runs fn under the policy, sleeping the computed delay between
// attempts. Cancellation is checked before each sleep, never
// mid-network-call. Returns ExhaustedRetriesError once the budget is
// spent; permanent errors propagate immediately.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind := Classify(err)
		if !p.ShouldRetry(attempt, kind) {
			if kind == KindTransient {
				return &ExhaustedRetriesError{Attempts: attempt + 1, Last: lastErr}
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.DelayFor(attempt)):
		}
	}
}
