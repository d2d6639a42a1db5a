// Package queue provides the durable delayed-queue contract the pipeline
// runs on, plus its two implementations: Redis for production and an
// in-memory variant for tests and single-node development.
//
// Only job ids travel through the queue. Job state (payload, attempts,
// status) lives in the datastore, so a queue entry is just a signal that a
// job should be looked at.
package queue

import (
	"context"
	"time"
)

// Depths reports the number of queued ids per stage, for the health API.
type Depths struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

// Queue is the delayed-queue contract.
//
// Semantics required of implementations:
//   - Enqueue with a future runAt parks the id until MoveDue promotes it.
//   - Dequeue hands each ready id to exactly one caller (the queue's claim
//     mechanism — a blocking pop — guarantees a job is never concurrently
//     claimed twice).
//   - Enqueueing an id that is already queued is the caller's concern; the
//     producer's idempotency claim prevents it.
type Queue interface {
	// Enqueue submits jobID to run at runAt. A runAt in the past makes the
	// job immediately ready.
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	// Dequeue blocks up to block for a ready id. It returns "" with a nil
	// error when nothing became ready in time.
	Dequeue(ctx context.Context, block time.Duration) (string, error)
	// MoveDue promotes up to batch delayed ids whose runAt is not after now.
	MoveDue(ctx context.Context, now time.Time, batch int64) error
	// Depths reports current queue sizes.
	Depths(ctx context.Context) (Depths, error)
}
