// Package services – Producer
//
// This file implements the enqueue half of the pipeline. The producer turns
// a "send this to this recipient at this time" request into at most one live
// job: it validates the payload, derives the deterministic job id, claims the
// enqueue atomically, persists the pending row, and submits the id to the
// delayed queue.
//
// Two concurrent producers enqueueing the same (recipientKey, scheduledAt)
// end up with exactly one live job; the loser of either the idempotency claim
// or the primary-key insert reports success with the existing id.
//
// Observability: Enqueue is OpenTelemetry-instrumented; spans carry the job
// id and the dedup outcome.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
	"github.com/tbourn/go-notify-pipeline/internal/observability"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ClaimStore is the idempotency contract the producer depends on. The
// concrete implementation lives in internal/idempotency; tests substitute
// in-memory fakes.
type ClaimStore interface {
	// Claim atomically claims key for ttl; true means this caller won.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim early. Used to compensate when the enqueue that
	// the claim guards could not complete.
	Release(ctx context.Context, key string) error
}

// Producer accepts scheduled-notification requests and hands them to the
// durable queue exactly once.
type Producer struct {
	DB     *gorm.DB
	Queue  queue.Queue
	Claims ClaimStore
	Log    zerolog.Logger

	MaxPayloadBytes int
	MaxAttempts     int
	ClaimTTL        time.Duration
}

// EnqueueResult reports the outcome of an enqueue call. Created is false for
// duplicate no-ops, which still return the (existing) job id.
type EnqueueResult struct {
	JobID   string
	Created bool
}

// Enqueue validates and registers one scheduled notification. Delivery is
// asynchronous; the caller only learns the job id and whether this call
// created the job. A scheduledAt in the past is allowed and means "send as
// soon as a worker picks it up".
func (p *Producer) Enqueue(ctx context.Context, recipientKey string, payload []byte, scheduledAt time.Time) (EnqueueResult, error) {
	tr := otel.Tracer("services/Producer")
	ctx, span := tr.Start(ctx, "Enqueue",
		trace.WithAttributes(attribute.Int("payload.bytes", len(payload))),
	)
	defer span.End()

	// Validation: rejected here, never enqueued, never retried.
	recipientKey = strings.TrimSpace(recipientKey)
	if recipientKey == "" {
		return EnqueueResult{}, ErrEmptyRecipient
	}
	if scheduledAt.IsZero() {
		return EnqueueResult{}, ErrZeroSchedule
	}
	if len(payload) > p.MaxPayloadBytes {
		return EnqueueResult{}, fmt.Errorf("%w: %d bytes over the %d-byte ceiling",
			ErrPayloadTooLarge, len(payload), p.MaxPayloadBytes)
	}

	jobID := domain.JobID(recipientKey, scheduledAt)
	claimKey := "enqueue:" + jobID
	span.SetAttributes(attribute.String("job.id", jobID))

	// Re-enqueueing the same logical reminder is a no-op, not an error:
	// upstream migrations and retry paths call enqueue more than once for
	// the same intent.
	if existing, err := repo.GetJob(ctx, p.DB, jobID); err == nil {
		observability.EnqueueDuplicates.Inc()
		span.SetAttributes(attribute.Bool("job.duplicate", true))
		// A pending row whose queue submit failed earlier released its
		// claim; winning the claim here finishes the submit. A redundant
		// queue entry is harmless: workers claim jobs with a conditional
		// status update, so a second dequeue of the same id is a no-op.
		if existing.Status == domain.JobPending {
			if claimed, _ := p.Claims.Claim(ctx, claimKey, p.ClaimTTL); claimed {
				if qerr := p.Queue.Enqueue(ctx, jobID, existing.ScheduledAt); qerr != nil {
					_ = p.Claims.Release(ctx, claimKey)
				}
			}
		}
		return EnqueueResult{JobID: jobID, Created: false}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return EnqueueResult{}, fmt.Errorf("look up job: %w", err)
	}

	// The claim covers row insert plus queue submit as one logical enqueue.
	// A lost claim means another producer is (or was) doing the same work;
	// with the fail-closed bias an unreachable claim store lands here too,
	// refusing to risk a duplicate send.
	claimed, cerr := p.Claims.Claim(ctx, claimKey, p.ClaimTTL)
	if !claimed {
		observability.EnqueueDuplicates.Inc()
		span.SetAttributes(attribute.Bool("job.duplicate", true))
		if cerr != nil {
			p.Log.Warn().Err(cerr).Str("job_id", jobID).
				Msg("claim store unavailable, enqueue treated as duplicate")
		}
		return EnqueueResult{JobID: jobID, Created: false}, nil
	}

	job := &domain.Job{
		ID:           jobID,
		RecipientKey: recipientKey,
		Payload:      payload,
		ScheduledAt:  scheduledAt.UTC().Truncate(time.Second),
		Status:       domain.JobPending,
		MaxAttempts:  p.MaxAttempts,
	}
	if err := repo.CreateJob(ctx, p.DB, job); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			observability.EnqueueDuplicates.Inc()
			return EnqueueResult{JobID: jobID, Created: false}, nil
		}
		_ = p.Claims.Release(ctx, claimKey)
		return EnqueueResult{}, fmt.Errorf("persist job: %w", err)
	}

	if err := p.Queue.Enqueue(ctx, jobID, job.ScheduledAt); err != nil {
		// The row exists but never reached the queue; release the claim so a
		// retried enqueue can finish the submit.
		_ = p.Claims.Release(ctx, claimKey)
		return EnqueueResult{}, fmt.Errorf("submit to queue: %w", err)
	}

	observability.JobsEnqueued.Inc()
	p.Log.Info().
		Str("job_id", jobID).
		Time("scheduled_at", job.ScheduledAt).
		Msg("job enqueued")
	return EnqueueResult{JobID: jobID, Created: true}, nil
}
