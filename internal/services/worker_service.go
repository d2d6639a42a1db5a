// Package services – WorkerPool
//
// This file implements the delivery half of the pipeline: a bounded pool of
// workers draining the ready queue, plus the mover loop that promotes due
// delayed jobs. Each job attempt runs three steps strictly in order —
// re-validate business state, deliver through the circuit breaker and the
// shared rate limiter, persist the outcome — and yields a tagged Outcome the
// pool's retry policy acts on. Retry intent travels in the tag, never in a
// panic or a sentinel thrown across layers.
//
// Pool sizing is a resource contract, not a tuning knob: the size derives
// from the datastore connection budget (config.WorkerConfig.Concurrency),
// so the pipeline cannot starve other consumers of the same database.
package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/breaker"
	"github.com/tbourn/go-notify-pipeline/internal/config"
	"github.com/tbourn/go-notify-pipeline/internal/domain"
	"github.com/tbourn/go-notify-pipeline/internal/observability"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/ratelimit"
	"github.com/tbourn/go-notify-pipeline/internal/repo"
	"github.com/tbourn/go-notify-pipeline/internal/transport"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dependency names used for circuit breakers and rate-limit identifiers.
const (
	DepTransport = "notification-transport"
	DepDatastore = "datastore"
)

// OutcomeKind tags the result of one processing attempt. The pool's retry
// policy branches on the tag alone.
type OutcomeKind int

const (
	// OutcomeDelivered: the transport accepted the message. Terminal.
	OutcomeDelivered OutcomeKind = iota
	// OutcomeSkipped: the business record no longer warranted sending.
	// Terminal, logged distinctly from both delivery and failure.
	OutcomeSkipped
	// OutcomeRetry: a transient failure (transport/network/datastore error,
	// open circuit, full outbound window). The pool schedules another
	// attempt with exponential backoff until MaxAttempts is exhausted.
	OutcomeRetry
	// OutcomeFailed: a terminal failure; no further attempts.
	OutcomeFailed
)

// Outcome carries the tag plus whichever details the tag needs.
type Outcome struct {
	Kind               OutcomeKind
	TransportMessageID string // set for OutcomeDelivered
	Reason             string // set for OutcomeSkipped
	Err                error  // set for OutcomeRetry / OutcomeFailed
}

// WorkerPool drains the queue with bounded concurrency.
type WorkerPool struct {
	DB        *gorm.DB
	Queue     queue.Queue
	Transport transport.Transport
	Breakers  *breaker.Registry
	Limiter   *ratelimit.Limiter
	Cfg       config.Config
	Log       zerolog.Logger
}

// Run starts the mover loop and the workers and blocks until ctx is
// cancelled. It returns ctx.Err() after all workers have drained.
func (w *WorkerPool) Run(ctx context.Context) error {
	n := w.Cfg.Worker.Concurrency()
	w.Log.Info().
		Int("workers", n).
		Int("conn_budget", w.Cfg.Worker.ConnBudget).
		Int("conn_reserved", w.Cfg.Worker.ConnReserved).
		Msg("worker pool starting")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.moveDueLoop(ctx)
	}()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.workerLoop(ctx, id)
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

// moveDueLoop promotes due delayed jobs every poll interval and refreshes
// the queue depth gauges.
func (w *WorkerPool) moveDueLoop(ctx context.Context) {
	ticker := time.NewTicker(w.Cfg.Worker.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Queue.MoveDue(ctx, time.Now(), int64(w.Cfg.Worker.MoveBatch)); err != nil && ctx.Err() == nil {
				w.Log.Error().Err(err).Msg("failed to promote due jobs")
			}
			if d, err := w.Queue.Depths(ctx); err == nil {
				observability.QueueReady.Set(float64(d.Ready))
				observability.QueueDelayed.Set(float64(d.Delayed))
			}
		}
	}
}

// workerLoop pulls ready ids until the context is cancelled. A failed
// dequeue backs off briefly instead of spinning; a single job's failure
// never takes the loop down.
func (w *WorkerPool) workerLoop(ctx context.Context, id int) {
	log := w.Log.With().Int("worker", id).Logger()
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := w.Queue.Dequeue(ctx, w.Cfg.Worker.DequeueBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.Cfg.Worker.PollInterval):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		w.process(ctx, log, jobID)
	}
}

// process claims one job, runs an attempt, and persists the outcome.
func (w *WorkerPool) process(ctx context.Context, log zerolog.Logger, jobID string) {
	tr := otel.Tracer("services/WorkerPool")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(attribute.String("job.id", jobID)),
	)
	defer span.End()

	start := time.Now()
	defer func() { observability.DeliveryDuration.Observe(time.Since(start).Seconds()) }()

	job, claimed, err := repo.ClaimJob(ctx, w.DB, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("claim failed, requeueing")
		_ = w.Queue.Enqueue(ctx, jobID, time.Now().Add(w.Cfg.RetryBase))
		return
	}
	if !claimed {
		// Another worker holds it, or the job is already terminal (e.g. a
		// redundant queue entry). Nothing to do.
		return
	}

	outcome := w.attempt(ctx, job)
	attempts := job.Attempts + 1

	switch outcome.Kind {
	case OutcomeDelivered:
		if err := repo.MarkDelivered(ctx, w.DB, job.ID, outcome.TransportMessageID, attempts); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist delivered outcome")
			return
		}
		observability.JobsDelivered.Inc()
		log.Info().
			Str("job_id", job.ID).
			Str("transport_message_id", outcome.TransportMessageID).
			Int("attempts", attempts).
			Msg("job delivered")

	case OutcomeSkipped:
		if err := repo.MarkSkipped(ctx, w.DB, job.ID, outcome.Reason); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist skipped outcome")
			return
		}
		observability.JobsSkipped.Inc()
		log.Info().Str("job_id", job.ID).Str("reason", outcome.Reason).Msg("job skipped as stale")

	case OutcomeFailed:
		w.fail(ctx, log, job, attempts, outcome.Err)

	case OutcomeRetry:
		if attempts >= job.MaxAttempts {
			w.fail(ctx, log, job, attempts, outcome.Err)
			return
		}
		delay := w.backoff(attempts)
		if err := repo.ReleaseForRetry(ctx, w.DB, job.ID, attempts, outcome.Err.Error()); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to release job for retry")
			return
		}
		if err := w.Queue.Enqueue(ctx, job.ID, time.Now().Add(delay)); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to requeue job for retry")
			return
		}
		observability.JobRetries.Inc()
		log.Warn().
			Err(outcome.Err).
			Str("job_id", job.ID).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("transient failure, retry scheduled")
	}
}

// fail writes the failed terminal state and surfaces it for operators.
func (w *WorkerPool) fail(ctx context.Context, log zerolog.Logger, job *domain.Job, attempts int, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := repo.MarkFailed(ctx, w.DB, job.ID, attempts, msg); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist failed outcome")
		return
	}
	observability.JobsFailed.Inc()
	log.Error().
		Str("job_id", job.ID).
		Int("attempts", attempts).
		Str("last_error", msg).
		Msg("job terminally failed, left for operator review")
}

// attempt runs the three processing steps for one claimed job and returns
// the tagged outcome.
func (w *WorkerPool) attempt(ctx context.Context, job *domain.Job) Outcome {
	// Step 1: re-fetch the business record through the datastore breaker. A
	// job enqueued hours ago may be stale and must be skipped, not sent.
	var rem *domain.Reminder
	err := w.Breakers.Get(DepDatastore).Do(ctx, func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, w.Cfg.DatastoreTimeout)
		defer cancel()
		r, err := repo.GetReminder(c, w.DB, job.RecipientKey, job.ScheduledAt)
		if err != nil {
			return err
		}
		rem = r
		return nil
	})
	switch {
	case errors.Is(err, repo.ErrNotFound):
		// Not-found is not retried: there is nothing to send for.
		return Outcome{Kind: OutcomeSkipped, Reason: "reminder record missing"}
	case err != nil:
		// Datastore trouble (or its breaker is open): transient.
		return Outcome{Kind: OutcomeRetry, Err: fmt.Errorf("re-fetch reminder: %w", err)}
	case !rem.Sendable():
		return Outcome{Kind: OutcomeSkipped, Reason: "reminder no longer warrants sending"}
	}

	// Step 2: the shared outbound window caps transport calls across all
	// workers. A full window defers the job rather than dropping it.
	decision := w.Limiter.Check(ctx, DepTransport, ratelimit.Limit{
		Window:      w.Cfg.OutboundWindow,
		MaxRequests: w.Cfg.OutboundMaxRequests,
	})
	if !decision.Allowed {
		observability.OutboundThrottled.Inc()
		return Outcome{Kind: OutcomeRetry, Err: fmt.Errorf("outbound window full until %s", decision.ResetAt.Format(time.RFC3339))}
	}

	// Step 3: deliver through the transport breaker with a bounded per-call
	// timeout. The outcome write below happens-after this attempt.
	var messageID string
	err = w.Breakers.Get(DepTransport).Do(ctx, func(ctx context.Context) error {
		c, cancel := context.WithTimeout(ctx, w.Cfg.TransportTimeout)
		defer cancel()
		id, err := w.Transport.Send(c, rem.Destination, job.Payload)
		if err != nil {
			return err
		}
		messageID = id
		return nil
	})
	if err != nil {
		// Circuit-open and transport errors are both transient: by the next
		// attempt the breaker may have recovered.
		return Outcome{Kind: OutcomeRetry, Err: fmt.Errorf("transport send: %w", err)}
	}

	return Outcome{Kind: OutcomeDelivered, TransportMessageID: messageID}
}

// backoff computes the delay before the given (1-based) attempt is retried:
// base doubling per attempt, capped, with ±20% jitter against thundering
// herds.
func (w *WorkerPool) backoff(attempt int) time.Duration {
	d := w.Cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.Cfg.RetryMaxDelay {
			d = w.Cfg.RetryMaxDelay
			break
		}
	}
	jitter := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	d = time.Duration(float64(d) * jitter)
	if d > w.Cfg.RetryMaxDelay {
		d = w.Cfg.RetryMaxDelay
	}
	return d
}
