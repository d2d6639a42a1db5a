package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-notify-pipeline/internal/config"
)

var errDown = errors.New("redis: connection refused")

// fakeCounter keeps window counters in a map, mimicking INCR/EXPIRE.
type fakeCounter struct {
	counts  map[string]int64
	incrErr error

	expired map[string]time.Duration
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{
		counts:  make(map[string]int64),
		expired: make(map[string]time.Duration),
	}
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	if f.incrErr != nil {
		return redis.NewIntResult(0, f.incrErr)
	}
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.expired[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func newTestLimiter(fc *fakeCounter, bias config.FailurePolicy, at time.Time) *Limiter {
	l := New(fc, bias, zerolog.Nop())
	l.now = func() time.Time { return at }
	return l
}

func TestCheck_AllowsUpToLimitThenDenies(t *testing.T) {
	fc := newFakeCounter()
	at := time.Date(2026, 9, 1, 10, 0, 10, 0, time.UTC)
	l := newTestLimiter(fc, config.FailOpen, at)
	lim := Limit{Window: time.Minute, MaxRequests: 3}

	for i := 1; i <= 3; i++ {
		d := l.Check(context.Background(), "gw", lim)
		if !d.Allowed {
			t.Fatalf("request %d within limit should be allowed", i)
		}
		if d.Remaining != 3-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, d.Remaining, 3-i)
		}
	}

	d := l.Check(context.Background(), "gw", lim)
	if d.Allowed {
		t.Fatalf("request over the limit should be denied")
	}
	if d.Remaining != 0 {
		t.Fatalf("denied decision should report 0 remaining, got %d", d.Remaining)
	}
	wantReset := time.Date(2026, 9, 1, 10, 1, 0, 0, time.UTC)
	if !d.ResetAt.Equal(wantReset) {
		t.Fatalf("ResetAt = %v, want window boundary %v", d.ResetAt, wantReset)
	}
}

func TestCheck_WindowRolloverResetsCounter(t *testing.T) {
	fc := newFakeCounter()
	at := time.Date(2026, 9, 1, 10, 0, 59, 0, time.UTC)
	l := newTestLimiter(fc, config.FailOpen, at)
	lim := Limit{Window: time.Minute, MaxRequests: 1}

	if d := l.Check(context.Background(), "gw", lim); !d.Allowed {
		t.Fatalf("first request should be allowed")
	}
	if d := l.Check(context.Background(), "gw", lim); d.Allowed {
		t.Fatalf("second request in the same window should be denied")
	}

	// Next window: the key embeds the window start, so the counter starts
	// fresh deterministically.
	l.now = func() time.Time { return at.Add(2 * time.Second) }
	if d := l.Check(context.Background(), "gw", lim); !d.Allowed {
		t.Fatalf("first request of the next window should be allowed")
	}
}

func TestCheck_FirstHitOwnsExpiry(t *testing.T) {
	fc := newFakeCounter()
	at := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLimiter(fc, config.FailOpen, at)
	lim := Limit{Window: time.Minute, MaxRequests: 5}

	l.Check(context.Background(), "gw", lim)
	l.Check(context.Background(), "gw", lim)

	if len(fc.expired) != 1 {
		t.Fatalf("only the first hit should set expiry, got %d calls", len(fc.expired))
	}
	for _, ttl := range fc.expired {
		if ttl != time.Minute {
			t.Fatalf("expiry should equal the window, got %v", ttl)
		}
	}
}

func TestCheck_IsolatesIdentifiers(t *testing.T) {
	fc := newFakeCounter()
	l := newTestLimiter(fc, config.FailOpen, time.Now())
	lim := Limit{Window: time.Minute, MaxRequests: 1}

	if d := l.Check(context.Background(), "gw-a", lim); !d.Allowed {
		t.Fatalf("gw-a first request should be allowed")
	}
	if d := l.Check(context.Background(), "gw-b", lim); !d.Allowed {
		t.Fatalf("gw-b must have its own window")
	}
}

func TestCheck_FailOpenOnStoreError(t *testing.T) {
	fc := newFakeCounter()
	fc.incrErr = errDown
	l := newTestLimiter(fc, config.FailOpen, time.Now())

	// Fail open: over-throttling the reminders is worse than an occasional
	// burst, the opposite bias from the idempotency store.
	d := l.Check(context.Background(), "gw", Limit{Window: time.Minute, MaxRequests: 1})
	if !d.Allowed {
		t.Fatalf("fail-open bias must allow when the store is unreachable")
	}
}

func TestCheck_FailClosedBias(t *testing.T) {
	fc := newFakeCounter()
	fc.incrErr = errDown
	l := newTestLimiter(fc, config.FailClosed, time.Now())

	d := l.Check(context.Background(), "gw", Limit{Window: time.Minute, MaxRequests: 1})
	if d.Allowed {
		t.Fatalf("fail-closed bias must deny when the store is unreachable")
	}
}
