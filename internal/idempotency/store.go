// Package idempotency implements the claim-or-reject record service used to
// deduplicate enqueue attempts. A claim is a single atomic conditional-set
// (Redis SET NX with expiry); there is deliberately no check-then-set pair,
// which would reintroduce the race this store exists to close.
package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-notify-pipeline/internal/config"
)

// claimer is the slice of the Redis API the store needs. *redis.Client
// satisfies it; tests substitute fakes built on redis.NewBoolResult.
type claimer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store hands out time-bounded claims on logical event keys.
type Store struct {
	rdb    claimer
	bias   config.FailurePolicy
	prefix string
	log    zerolog.Logger
}

// New constructs a Store over the given Redis client.
//
// The bias decides what Claim reports when Redis itself is unreachable. For
// this pipeline it is FailClosed: an unreachable claim store reports
// "already claimed", because a missed medical reminder is recoverable (the
// caller re-enqueues later) while a duplicated one is not. This is a
// deliberate choice, the opposite of the rate limiter's bias.
func New(rdb claimer, bias config.FailurePolicy, log zerolog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		bias:   bias,
		prefix: "idem:",
		log:    log,
	}
}

// Claim attempts to claim key for ttl. It returns true when this call is the
// first to claim the key within its ttl, and false when another caller
// already holds it.
//
// When the backing store errors, the configured bias applies and the error
// is returned alongside the decision so callers can log it; with FailClosed
// the decision is false.
func (s *Store) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		claimed := s.bias == config.FailOpen
		s.log.Warn().
			Err(err).
			Str("bias", string(s.bias)).
			Bool("claimed", claimed).
			Msg("idempotency store unreachable, applying failure bias")
		return claimed, err
	}
	return ok, nil
}

// Release drops a claim before its ttl expires. It exists for the
// compensation path only: when the work a claim guards could not complete,
// releasing lets a retry finish it instead of waiting out the ttl.
func (s *Store) Release(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, s.prefix+key).Err()
}
