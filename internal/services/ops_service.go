package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/breaker"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/repo"
)

// Ops is the operator surface: manual circuit resets and manual retries of
// terminally failed jobs. Every action here is deliberate and audited through
// the log; nothing on this path runs automatically.
type Ops struct {
	DB       *gorm.DB
	Queue    queue.Queue
	Breakers *breaker.Registry
	Log      zerolog.Logger
}

// ResetCircuit forces the named breaker back to closed with cleared counters.
// It errors on names that never produced a breaker, so typos surface instead
// of silently resetting nothing.
func (o *Ops) ResetCircuit(name string) error {
	if err := o.Breakers.ForceReset(name); err != nil {
		return err
	}
	o.Log.Warn().Str("circuit", name).Msg("circuit breaker force-reset by operator")
	return nil
}

// Circuits returns the current snapshot of every breaker in use.
func (o *Ops) Circuits() []breaker.Snapshot {
	return o.Breakers.Snapshots()
}

// RetryFailedJob moves one terminally failed job back to pending with a fresh
// attempt budget and puts it at the front of the line. Only failed jobs are
// eligible; anything else returns ErrJobNotFailed so an operator cannot
// accidentally re-run a delivered notification.
func (o *Ops) RetryFailedJob(ctx context.Context, jobID string) error {
	err := repo.ResetForManualRetry(ctx, o.DB, jobID)
	if errors.Is(err, repo.ErrNotFound) {
		// The guard fails both for missing rows and rows in another state;
		// tell the operator which it was.
		if _, gerr := repo.GetJob(ctx, o.DB, jobID); gerr != nil {
			if errors.Is(gerr, repo.ErrNotFound) {
				return ErrJobNotFound
			}
			return fmt.Errorf("look up job: %w", gerr)
		}
		return ErrJobNotFailed
	}
	if err != nil {
		return fmt.Errorf("reset job: %w", err)
	}

	if err := o.Queue.Enqueue(ctx, jobID, time.Now()); err != nil {
		// The row is pending again; the next manual retry or a redundant
		// queue entry will pick it up.
		return fmt.Errorf("requeue job: %w", err)
	}
	o.Log.Warn().Str("job_id", jobID).Msg("failed job manually requeued by operator")
	return nil
}
