package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey   = "notify:ready"
	delayedKey = "notify:delayed"
)

// Redis implements Queue on a Redis instance: a sorted set keyed by run-at
// unix time holds delayed ids, a list holds ready ids, and a mover loop
// promotes due entries with a transactional pipeline.
type Redis struct {
	rdb *redis.Client
}

// NewRedis constructs a Redis queue over the given client.
func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb} }

// Enqueue parks future jobs in the delayed set and pushes due jobs straight
// onto the ready list.
func (q *Redis) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if time.Until(runAt) > 0 {
		return q.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(runAt.Unix()),
			Member: jobID,
		}).Err()
	}
	return q.rdb.LPush(ctx, readyKey, jobID).Err()
}

// Dequeue blocks up to block on the ready list. redis.Nil (timeout with no
// entry) is not an error: the worker simply polls again.
func (q *Redis) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, block, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// MoveDue promotes up to batch delayed ids with score <= now. The LPush and
// ZRem for each id ride one transactional pipeline, so an id is never lost
// between the two structures.
func (q *Redis) MoveDue(ctx context.Context, now time.Time, batch int64) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  batch,
	}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}

	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.LPush(ctx, readyKey, id)
		pipe.ZRem(ctx, delayedKey, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Depths reports the ready-list length and delayed-set cardinality.
func (q *Redis) Depths(ctx context.Context) (Depths, error) {
	ready, err := q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return Depths{}, err
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return Depths{}, err
	}
	return Depths{Ready: ready, Delayed: delayed}, nil
}
