package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/contentpulse/datacore/internal/infra/kvstore"
)

func TestLimitBoundary(t *testing.T) {
	l := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	// Exactly limit calls pass, the limit+1-th is denied.
	for i := 1; i <= 5; i++ {
		res, err := l.CheckAndIncrement(ctx, "user-1", 5, time.Minute)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Errorf("call %d allowed = false, want true", i)
		}
		if res.Remaining != 5-i {
			t.Errorf("call %d remaining = %d, want %d", i, res.Remaining, 5-i)
		}
	}

	res, err := l.CheckAndIncrement(ctx, "user-1", 5, time.Minute)
	if err != nil {
		t.Fatalf("check 6: %v", err)
	}
	if res.Allowed {
		t.Error("call 6 allowed = true, want false")
	}
	if res.Remaining != 0 {
		t.Errorf("call 6 remaining = %d, want 0", res.Remaining)
	}
}

func TestIdentitiesIndependent(t *testing.T) {
	l := New(kvstore.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.CheckAndIncrement(ctx, "user-1", 3, time.Minute); err != nil {
			t.Fatalf("user-1: %v", err)
		}
	}
	res, err := l.CheckAndIncrement(ctx, "user-2", 3, time.Minute)
	if err != nil {
		t.Fatalf("user-2: %v", err)
	}
	if !res.Allowed || res.Current != 1 {
		t.Errorf("user-2 result = %+v, want fresh window", res)
	}
}

func TestWindowResetsByTTL(t *testing.T) {
	store := kvstore.NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })

	l := New(store)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.CheckAndIncrement(ctx, "user-1", 2, time.Minute); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	res, _ := l.CheckAndIncrement(ctx, "user-1", 2, time.Minute)
	if res.Allowed {
		t.Fatal("over-limit call allowed before window expiry")
	}

	// The TTL firing is the only reset path.
	now = now.Add(61 * time.Second)
	res, err := l.CheckAndIncrement(ctx, "user-1", 2, time.Minute)
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if !res.Allowed || res.Current != 1 {
		t.Errorf("post-expiry result = %+v, want a fresh window at 1", res)
	}
}

func TestFirstIncrementSetsWindowTTLOnce(t *testing.T) {
	store := kvstore.NewMemoryStore()
	start := time.Now()
	now := start
	store.SetClock(func() time.Time { return now })

	l := New(store)
	ctx := context.Background()

	if _, err := l.CheckAndIncrement(ctx, "user-1", 10, time.Minute); err != nil {
		t.Fatalf("check: %v", err)
	}

	// Later increments share the first increment's window: advancing
	// 30s and counting again must not push the expiry forward.
	now = start.Add(30 * time.Second)
	if _, err := l.CheckAndIncrement(ctx, "user-1", 10, time.Minute); err != nil {
		t.Fatalf("check: %v", err)
	}

	now = start.Add(61 * time.Second)
	res, err := l.CheckAndIncrement(ctx, "user-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Current != 1 {
		t.Errorf("count after original window expired = %d, want 1", res.Current)
	}
}
