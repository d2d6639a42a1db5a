package idempotency

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

// fakeClaimer scripts SetNX/Del results without a live Redis.
type fakeClaimer struct {
	setnxOK  bool
	setnxErr error
	delErr   error

	lastKey string
	lastTTL time.Duration
	deleted []string
}

func (f *fakeClaimer) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.lastKey = key
	f.lastTTL = ttl
	cmd := redis.NewBoolResult(f.setnxOK, f.setnxErr)
	return cmd
}

func (f *fakeClaimer) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.deleted = append(f.deleted, keys...)
	return redis.NewIntResult(int64(len(keys)), f.delErr)
}

func TestClaim_FirstCallerWins(t *testing.T) {
	fc := &fakeClaimer{setnxOK: true}
	s := New(fc, config.FailClosed, zerolog.Nop())

	ok, err := s.Claim(context.Background(), "enqueue:abc", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expected winning claim, got ok=%v err=%v", ok, err)
	}
	if fc.lastKey != "idem:enqueue:abc" {
		t.Fatalf("key not prefixed: %q", fc.lastKey)
	}
	if fc.lastTTL != time.Hour {
		t.Fatalf("ttl not forwarded: %v", fc.lastTTL)
	}
}

func TestClaim_SecondCallerLoses(t *testing.T) {
	s := New(&fakeClaimer{setnxOK: false}, config.FailClosed, zerolog.Nop())
	ok, err := s.Claim(context.Background(), "enqueue:abc", time.Hour)
	if err != nil || ok {
		t.Fatalf("expected losing claim, got ok=%v err=%v", ok, err)
	}
}

func TestClaim_FailClosedOnStoreError(t *testing.T) {
	s := New(&fakeClaimer{setnxErr: errDown}, config.FailClosed, zerolog.Nop())

	// Fail closed: an unreachable store reports "already claimed", so the
	// caller treats the enqueue as a duplicate instead of risking a double
	// send. The error still comes back for logging.
	ok, err := s.Claim(context.Background(), "enqueue:abc", time.Hour)
	if ok {
		t.Fatalf("fail-closed bias must deny the claim on store errors")
	}
	if !errors.Is(err, errDown) {
		t.Fatalf("expected the store error alongside the decision, got %v", err)
	}
}

func TestClaim_FailOpenBias(t *testing.T) {
	s := New(&fakeClaimer{setnxErr: errDown}, config.FailOpen, zerolog.Nop())
	ok, err := s.Claim(context.Background(), "k", time.Hour)
	if !ok {
		t.Fatalf("fail-open bias must grant the claim on store errors")
	}
	if err == nil {
		t.Fatalf("error must still surface for logging")
	}
}

func TestRelease_DeletesPrefixedKey(t *testing.T) {
	fc := &fakeClaimer{}
	s := New(fc, config.FailClosed, zerolog.Nop())
	if err := s.Release(context.Background(), "enqueue:abc"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(fc.deleted) != 1 || fc.deleted[0] != "idem:enqueue:abc" {
		t.Fatalf("unexpected deleted keys: %v", fc.deleted)
	}
}

func TestRelease_PropagatesError(t *testing.T) {
	s := New(&fakeClaimer{delErr: errDown}, config.FailClosed, zerolog.Nop())
	if err := s.Release(context.Background(), "k"); !errors.Is(err, errDown) {
		t.Fatalf("expected store error, got %v", err)
	}
}
