package queue

import (
	"context"
	"sync"
	"time"
)

// Memory implements Queue in process memory. It honors the same contract as
// the Redis implementation and backs tests and single-node development where
// durability is not required.
type Memory struct {
	mu      sync.Mutex
	ready   []string
	delayed map[string]time.Time
	wake    chan struct{}
}

// NewMemory constructs an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		delayed: make(map[string]time.Time),
		wake:    make(chan struct{}, 1),
	}
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue parks future jobs and makes due jobs immediately ready.
func (q *Memory) Enqueue(_ context.Context, jobID string, runAt time.Time) error {
	q.mu.Lock()
	if time.Until(runAt) > 0 {
		q.delayed[jobID] = runAt
	} else {
		q.ready = append(q.ready, jobID)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the oldest ready id, blocking up to block for one to appear.
func (q *Memory) Dequeue(ctx context.Context, block time.Duration) (string, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			q.mu.Unlock()
			return id, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", nil
		case <-q.wake:
		}
	}
}

// MoveDue promotes delayed ids whose run time has arrived.
func (q *Memory) MoveDue(_ context.Context, now time.Time, batch int64) error {
	q.mu.Lock()
	moved := int64(0)
	for id, runAt := range q.delayed {
		if moved >= batch {
			break
		}
		if !runAt.After(now) {
			q.ready = append(q.ready, id)
			delete(q.delayed, id)
			moved++
		}
	}
	q.mu.Unlock()
	if moved > 0 {
		q.signal()
	}
	return nil
}

// Depths reports current queue sizes.
func (q *Memory) Depths(_ context.Context) (Depths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depths{Ready: int64(len(q.ready)), Delayed: int64(len(q.delayed))}, nil
}
