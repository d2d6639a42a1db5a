package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
)

func newJob(key string, at time.Time, status domain.JobStatus) *domain.Job {
	return &domain.Job{
		ID:           domain.JobID(key, at),
		RecipientKey: key,
		Payload:      []byte("hello"),
		ScheduledAt:  at.UTC().Truncate(time.Second),
		Status:       status,
		MaxAttempts:  3,
	}
}

func TestCreateJob_DuplicatePrimaryKey(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	at := time.Now().UTC()

	if err := CreateJob(ctx, db, newJob("r1", at, domain.JobPending)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Same (recipient, time) -> same deterministic id -> ErrDuplicate.
	err := CreateJob(ctx, db, newJob("r1", at, domain.JobPending))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	if _, err := GetJob(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimJob_OnlyOneWinner(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	job := newJob("r1", time.Now().UTC(), domain.JobPending)
	if err := CreateJob(ctx, db, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, claimed, err := ClaimJob(ctx, db, job.ID)
	if err != nil || !claimed {
		t.Fatalf("first claim should win: claimed=%v err=%v", claimed, err)
	}
	if got.Status != domain.JobInFlight {
		t.Fatalf("claimed job should be in_flight, got %q", got.Status)
	}

	// The conditional UPDATE guard makes the second claim a no-op, which is
	// also why redundant queue entries for the same id are harmless.
	_, claimed, err = ClaimJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("second claim errored: %v", err)
	}
	if claimed {
		t.Fatalf("second claim must lose")
	}
}

func TestClaimJob_UnknownID(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	_, claimed, err := ClaimJob(context.Background(), db, "missing")
	if err != nil || claimed {
		t.Fatalf("claim of missing job: claimed=%v err=%v", claimed, err)
	}
}

func TestTerminalWrites_RequireInFlight(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	job := newJob("r1", time.Now().UTC(), domain.JobPending)
	if err := CreateJob(ctx, db, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Terminal writes against a pending job must not apply: only the worker
	// holding the claim writes outcomes.
	if err := MarkDelivered(ctx, db, job.ID, "msg-1", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkDelivered without claim should fail guard, got %v", err)
	}
	if err := MarkFailed(ctx, db, job.ID, 3, "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkFailed without claim should fail guard, got %v", err)
	}

	if _, claimed, err := ClaimJob(ctx, db, job.ID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := MarkDelivered(ctx, db, job.ID, "msg-1", 1); err != nil {
		t.Fatalf("MarkDelivered after claim: %v", err)
	}

	got, err := GetJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobDelivered || got.TransportMessageID != "msg-1" || got.Attempts != 1 {
		t.Fatalf("delivered state unexpected: %+v", got)
	}

	// Terminal states are write-once: a second outcome write fails the guard.
	if err := MarkFailed(ctx, db, job.ID, 1, "late failure"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("outcome overwrite should fail guard, got %v", err)
	}
}

func TestReleaseForRetry_RoundTrip(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	job := newJob("r1", time.Now().UTC(), domain.JobPending)
	if err := CreateJob(ctx, db, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, claimed, err := ClaimJob(ctx, db, job.ID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := ReleaseForRetry(ctx, db, job.ID, 1, "gateway timeout"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, err := GetJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobPending || got.Attempts != 1 || got.LastError != "gateway timeout" {
		t.Fatalf("released state unexpected: %+v", got)
	}

	// The job is claimable again for the next attempt.
	if _, claimed, err := ClaimJob(ctx, db, job.ID); err != nil || !claimed {
		t.Fatalf("reclaim after release: claimed=%v err=%v", claimed, err)
	}
}

func TestMarkSkipped_RecordsReason(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	job := newJob("r1", time.Now().UTC(), domain.JobPending)
	if err := CreateJob(ctx, db, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, claimed, err := ClaimJob(ctx, db, job.ID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := MarkSkipped(ctx, db, job.ID, "reminder cancelled"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	got, err := GetJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobSkipped || got.LastError != "reminder cancelled" {
		t.Fatalf("skipped state unexpected: %+v", got)
	}
}

func TestResetForManualRetry_OnlyFailedJobs(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	job := newJob("r1", time.Now().UTC(), domain.JobPending)
	if err := CreateJob(ctx, db, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Pending is not eligible.
	if err := ResetForManualRetry(ctx, db, job.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reset of pending job should fail guard, got %v", err)
	}

	if _, claimed, err := ClaimJob(ctx, db, job.ID); err != nil || !claimed {
		t.Fatalf("claim: claimed=%v err=%v", claimed, err)
	}
	if err := MarkFailed(ctx, db, job.ID, 3, "exhausted"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := ResetForManualRetry(ctx, db, job.ID); err != nil {
		t.Fatalf("reset of failed job: %v", err)
	}

	got, err := GetJob(ctx, db, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobPending || got.Attempts != 0 || got.LastError != "" {
		t.Fatalf("reset state unexpected: %+v", got)
	}
}

func TestListJobsPage_FilterOrderAndTotal(t *testing.T) {
	db := newTestDB(t, &domain.Job{})
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		job := newJob("failed", base.Add(time.Duration(i)*time.Minute), domain.JobFailed)
		if err := CreateJob(ctx, db, job); err != nil {
			t.Fatalf("seed failed %d: %v", i, err)
		}
	}
	if err := CreateJob(ctx, db, newJob("pending", base, domain.JobPending)); err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	jobs, total, err := ListJobsPage(ctx, db, domain.JobFailed, 0, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected page of 3, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.Status != domain.JobFailed {
			t.Fatalf("status filter leaked: %+v", j)
		}
	}

	// Second page picks up the remainder.
	rest, _, err := ListJobsPage(ctx, db, domain.JobFailed, 3, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(rest))
	}
}
