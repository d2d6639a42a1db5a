// Package repo implements the data persistence layer for the pipeline,
// backed by GORM. This file provides repository helpers for the Job model:
// creation, claim/release, terminal-outcome writes, and operator queries.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate indicates a job row already exists for the deterministic id.
// Callers treat it as a successful no-op, not a failure.
var ErrDuplicate = errors.New("duplicate")

// CreateJob inserts a pending job row and returns ErrDuplicate on primary-key
// violation. The deterministic id makes the violation the expected outcome of
// two producers racing on the same (recipient, time) intent.
func CreateJob(ctx context.Context, db *gorm.DB, job *domain.Job) error {
	if err := db.WithContext(ctx).Create(job).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetJob returns the job with the given id or ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimJob transitions a job from pending to in_flight with a single
// conditional UPDATE. Exactly one caller wins: the guarded status predicate
// is what guarantees each job is processed by one worker at a time. The
// second return value reports whether this caller won the claim.
func ClaimJob(ctx context.Context, db *gorm.DB, id string) (*domain.Job, bool, error) {
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobPending).
		Updates(map[string]any{
			"status":     domain.JobInFlight,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	job, err := GetJob(ctx, db, id)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// ReleaseForRetry puts an in-flight job back to pending after a transient
// failure, recording the attempt count and last error. The queue-side
// re-enqueue with a backoff delay is the caller's responsibility.
func ReleaseForRetry(ctx context.Context, db *gorm.DB, id string, attempts int, lastError string) error {
	return guardedUpdate(ctx, db, id, domain.JobInFlight, map[string]any{
		"status":     domain.JobPending,
		"attempts":   attempts,
		"last_error": lastError,
	})
}

// MarkDelivered writes the delivered terminal state with the gateway message
// id. The in_flight guard means the terminal state is written exactly once,
// by the worker holding the claim.
func MarkDelivered(ctx context.Context, db *gorm.DB, id, transportMessageID string, attempts int) error {
	return guardedUpdate(ctx, db, id, domain.JobInFlight, map[string]any{
		"status":               domain.JobDelivered,
		"attempts":             attempts,
		"last_error":           "",
		"transport_message_id": transportMessageID,
	})
}

// MarkFailed writes the failed terminal state. The row stays queryable so
// operators and alerting can see exhausted jobs; nothing is silently dropped.
func MarkFailed(ctx context.Context, db *gorm.DB, id string, attempts int, lastError string) error {
	return guardedUpdate(ctx, db, id, domain.JobInFlight, map[string]any{
		"status":     domain.JobFailed,
		"attempts":   attempts,
		"last_error": lastError,
	})
}

// MarkSkipped writes the skipped terminal state for jobs whose business
// record no longer warranted sending.
func MarkSkipped(ctx context.Context, db *gorm.DB, id, reason string) error {
	return guardedUpdate(ctx, db, id, domain.JobInFlight, map[string]any{
		"status":     domain.JobSkipped,
		"last_error": reason,
	})
}

// ResetForManualRetry moves a terminally failed job back to pending with a
// fresh attempt budget. Operator surface only.
func ResetForManualRetry(ctx context.Context, db *gorm.DB, id string) error {
	return guardedUpdate(ctx, db, id, domain.JobFailed, map[string]any{
		"status":     domain.JobPending,
		"attempts":   0,
		"last_error": "",
	})
}

// guardedUpdate applies updates only when the job currently holds the
// expected status, returning ErrNotFound when the guard does not match.
func guardedUpdate(ctx context.Context, db *gorm.DB, id string, from domain.JobStatus, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListJobsPage returns one page of jobs with the given status, newest first,
// plus the total count. Used by the operator review listing.
func ListJobsPage(ctx context.Context, db *gorm.DB, status domain.JobStatus, offset, limit int) ([]domain.Job, int64, error) {
	q := db.WithContext(ctx).Model(&domain.Job{}).Where("status = ?", status)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var jobs []domain.Job
	err := q.Order("updated_at DESC").Offset(offset).Limit(limit).Find(&jobs).Error
	return jobs, total, err
}
