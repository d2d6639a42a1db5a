// Package ratelimit implements the shared, fixed-window rate limiter that
// caps how fast the worker pool calls the notification transport. Counters
// live in Redis, so the cap holds across however many workers (or processes)
// are running — the limiter is global per identifier, not per-worker-local.
//
// Fixed windows admit a burst of up to 2x the limit straddling a window
// boundary. That trade-off is accepted here: the cap protects the gateway
// from sustained overload, not from a one-off burst. A sliding window or
// token bucket would close the gap if a stricter guarantee is ever needed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-notify-pipeline/internal/config"
)

// counter is the slice of the Redis API the limiter needs. *redis.Client
// satisfies it; tests substitute fakes built on redis.NewIntResult and
// redis.NewBoolResult.
type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Limit configures one identifier's window.
type Limit struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of a limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts operations per identifier in fixed windows.
type Limiter struct {
	rdb  counter
	bias config.FailurePolicy
	log  zerolog.Logger

	now func() time.Time // test seam
}

// New constructs a Limiter over the given Redis client.
//
// The bias decides what Check reports when Redis is unreachable. For this
// pipeline it is FailOpen: over-throttling outbound medical reminders is
// worse than an occasional burst. Note the asymmetry with the idempotency
// store, which fails closed — both biases are intentional and configured
// explicitly.
func New(rdb counter, bias config.FailurePolicy, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb:  rdb,
		bias: bias,
		log:  log,
		now:  time.Now,
	}
}

// Check records one operation for identifier and reports whether it fits
// within the current window. Counters reset deterministically at window
// boundaries (the window key embeds the window start and expires with it).
func (l *Limiter) Check(ctx context.Context, identifier string, lim Limit) Decision {
	now := l.now()
	windowStart := now.Truncate(lim.Window)
	resetAt := windowStart.Add(lim.Window)
	key := fmt.Sprintf("rl:%s:%d", identifier, windowStart.Unix())

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		allowed := l.bias == config.FailOpen
		l.log.Warn().
			Err(err).
			Str("identifier", identifier).
			Str("bias", string(l.bias)).
			Bool("allowed", allowed).
			Msg("rate-limit store unreachable, applying failure bias")
		return Decision{Allowed: allowed, Remaining: 0, ResetAt: resetAt}
	}
	if count == 1 {
		// First hit of the window owns the key expiry. A second Expire from
		// a racing first-hit is harmless.
		if err := l.rdb.Expire(ctx, key, lim.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("identifier", identifier).Msg("failed to set rate window expiry")
		}
	}

	remaining := lim.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(lim.MaxRequests),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
