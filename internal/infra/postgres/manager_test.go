package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/contentpulse/datacore/internal/core/retry"
)

// fakeConnector backs a *sql.DB without a real server. Queries answer
// "SELECT 1"; exec behavior is scripted per test.
type fakeConnector struct {
	execErr func() error
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{execErr: c.execErr}, nil
}
func (c *fakeConnector) Driver() driver.Driver { return nil }

type fakeConn struct {
	execErr func() error
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *fakeConn) Close() error                        { return nil }
func (c *fakeConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return &fakeRows{}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if c.execErr != nil {
		if err := c.execErr(); err != nil {
			return nil, err
		}
	}
	return driver.RowsAffected(1), nil
}

type fakeRows struct{ done bool }

func (r *fakeRows) Columns() []string { return []string{"?column?"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = int64(1)
	return nil
}

func fakeDB(execErr func() error) *sqlx.DB {
	return sqlx.NewDb(sql.OpenDB(&fakeConnector{execErr: execErr}), "pgx")
}

func TestConnectSingleFlight(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return fakeDB(nil), nil
	}

	m := NewManager(Config{URL: "postgres://test"}, dial)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Connect #%d returned %v", i, err)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dial called %d times, want 1", got)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestConnectIdempotentWhenConnected(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		dials.Add(1)
		return fakeDB(nil), nil
	}
	m := NewManager(Config{URL: "postgres://test"}, dial)

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dial called %d times, want 1", got)
	}
}

func TestConnectRetriesTransientThenFails(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		dials.Add(1)
		return nil, &retry.TransientError{Err: errors.New("cannot reach server")}
	}
	m := NewManager(Config{
		URL:             "postgres://test",
		ConnectAttempts: 2,
		ConnectBackoff:  time.Millisecond,
	}, dial)

	err := m.Connect(context.Background())
	var exhausted *retry.ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Connect returned %v, want ExhaustedRetriesError", err)
	}
	// Initial attempt plus two retries.
	if got := dials.Load(); got != 3 {
		t.Errorf("dial called %d times, want 3", got)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %v, want failed", m.State())
	}
}

func TestConnectPermanentNoRetry(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		dials.Add(1)
		return nil, &retry.PermanentError{Err: errors.New("password authentication failed")}
	}
	m := NewManager(Config{URL: "postgres://test", ConnectBackoff: time.Millisecond}, dial)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect succeeded, want permanent error")
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dial called %d times, want 1", got)
	}
}

func TestConnectFromFailedDialsAgain(t *testing.T) {
	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		if dials.Add(1) == 1 {
			return nil, &retry.PermanentError{Err: errors.New("invalid dsn")}
		}
		return fakeDB(nil), nil
	}
	m := NewManager(Config{URL: "postgres://test"}, dial)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("first Connect succeeded, want error")
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %v, want failed", m.State())
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %v, want connected", m.State())
	}
}

func TestExecuteRetriesTransient(t *testing.T) {
	var execs atomic.Int32
	execErr := func() error {
		if execs.Add(1) == 1 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	var dials atomic.Int32
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		dials.Add(1)
		return fakeDB(execErr), nil
	}
	m := NewManager(Config{URL: "postgres://test", QueryBackoff: time.Millisecond}, dial)

	if err := m.Execute(context.Background(), "UPDATE accounts SET plan = $1", "pro"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := execs.Load(); got != 2 {
		t.Errorf("exec called %d times, want 2", got)
	}
	// One reconnect between the two attempts.
	if got := dials.Load(); got != 2 {
		t.Errorf("dial called %d times, want 2", got)
	}
}

func TestExecutePermanentPropagates(t *testing.T) {
	var execs atomic.Int32
	execErr := func() error {
		execs.Add(1)
		return errors.New(`syntax error at or near "SELEC"`)
	}
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		return fakeDB(execErr), nil
	}
	m := NewManager(Config{URL: "postgres://test", QueryBackoff: time.Millisecond}, dial)

	err := m.Execute(context.Background(), "SELEC 1")
	if err == nil {
		t.Fatal("Execute succeeded, want error")
	}
	var exhausted *retry.ExhaustedRetriesError
	if errors.As(err, &exhausted) {
		t.Fatalf("permanent error was retried: %v", err)
	}
	if got := execs.Load(); got != 1 {
		t.Errorf("exec called %d times, want 1", got)
	}
}

func TestExecuteExhaustsTransient(t *testing.T) {
	var execs atomic.Int32
	execErr := func() error {
		execs.Add(1)
		return errors.New("connection terminated unexpectedly")
	}
	dial := func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		return fakeDB(execErr), nil
	}
	m := NewManager(Config{
		URL:           "postgres://test",
		QueryAttempts: 2,
		QueryBackoff:  time.Millisecond,
	}, dial)

	err := m.Execute(context.Background(), "UPDATE accounts SET plan = $1", "pro")
	var exhausted *retry.ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Execute returned %v, want ExhaustedRetriesError", err)
	}
	if got := execs.Load(); got != 3 {
		t.Errorf("exec called %d times, want 3", got)
	}
}

func TestHealthCheck(t *testing.T) {
	m := NewManager(Config{URL: "postgres://test"}, func(ctx context.Context, cfg Config) (*sqlx.DB, error) {
		return fakeDB(nil), nil
	})

	h := m.HealthCheck(context.Background())
	if h.Status != "unhealthy" {
		t.Errorf("status before connect = %q, want unhealthy", h.Status)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h = m.HealthCheck(context.Background())
	if h.Status != "healthy" {
		t.Errorf("status = %q (err %q), want healthy", h.Status, h.Error)
	}
}
