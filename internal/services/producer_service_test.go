package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-notify-pipeline/internal/domain"
	"github.com/tbourn/go-notify-pipeline/internal/queue"
	"github.com/tbourn/go-notify-pipeline/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Job{}, &domain.Reminder{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// memClaims is an in-memory ClaimStore with optional scripted failure.
type memClaims struct {
	mu     sync.Mutex
	held   map[string]bool
	err    error  // returned by Claim; bias decides the verdict
	denied bool   // verdict when err != nil (fail-closed -> true)
}

func newMemClaims() *memClaims { return &memClaims{held: make(map[string]bool)} }

func (m *memClaims) Claim(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return !m.denied, m.err
	}
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *memClaims) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

func newTestProducer(t *testing.T) (*Producer, *queue.Memory, *memClaims) {
	t.Helper()
	q := queue.NewMemory()
	claims := newMemClaims()
	p := &Producer{
		DB:              newTestDB(t),
		Queue:           q,
		Claims:          claims,
		Log:             zerolog.Nop(),
		MaxPayloadBytes: 10 << 10,
		MaxAttempts:     3,
		ClaimTTL:        time.Hour,
	}
	return p, q, claims
}

func TestEnqueue_CreatesJobAndSubmitsToQueue(t *testing.T) {
	p, q, _ := newTestProducer(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	res, err := p.Enqueue(ctx, "recipient-1", []byte("take your meds"), at)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !res.Created {
		t.Fatalf("first enqueue should create the job")
	}
	if res.JobID != domain.JobID("recipient-1", at) {
		t.Fatalf("job id is not the deterministic derivation")
	}

	job, err := repo.GetJob(ctx, p.DB, res.JobID)
	if err != nil {
		t.Fatalf("job row missing: %v", err)
	}
	if job.Status != domain.JobPending || job.MaxAttempts != 3 {
		t.Fatalf("job row unexpected: %+v", job)
	}
	if !bytes.Equal(job.Payload, []byte("take your meds")) {
		t.Fatalf("payload not persisted verbatim")
	}

	d, _ := q.Depths(ctx)
	if d.Delayed != 1 {
		t.Fatalf("future job should be parked in the delayed set: %+v", d)
	}
}

func TestEnqueue_DuplicateIsNoOpWithSameID(t *testing.T) {
	p, q, _ := newTestProducer(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	first, err := p.Enqueue(ctx, "recipient-1", []byte("p"), at)
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := p.Enqueue(ctx, "recipient-1", []byte("p"), at)
	if err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	if second.Created {
		t.Fatalf("duplicate enqueue must not create a second job")
	}
	if second.JobID != first.JobID {
		t.Fatalf("duplicate must return the existing id")
	}

	var n int64
	p.DB.Model(&domain.Job{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected exactly one job row, got %d", n)
	}
	// A redundant queue entry from the repair path is allowed; more than one
	// extra would indicate the fast path re-submitting unconditionally.
	d, _ := q.Depths(ctx)
	if d.Delayed > 2 {
		t.Fatalf("unexpected queue growth on duplicates: %+v", d)
	}
}

func TestEnqueue_ConcurrentSameIntent_OneJob(t *testing.T) {
	p, _, _ := newTestProducer(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	const callers = 8
	var wg sync.WaitGroup
	created := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Enqueue(ctx, "recipient-1", []byte("p"), at)
			if err != nil {
				t.Errorf("concurrent enqueue: %v", err)
				return
			}
			created <- res.Created
		}()
	}
	wg.Wait()
	close(created)

	wins := 0
	for c := range created {
		if c {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("exactly one concurrent caller should create the job, got %d", wins)
	}
	var n int64
	p.DB.Model(&domain.Job{}).Count(&n)
	if n != 1 {
		t.Fatalf("expected one job row, got %d", n)
	}
}

func TestEnqueue_PayloadCeiling(t *testing.T) {
	p, _, _ := newTestProducer(t)
	ctx := context.Background()

	// Exactly at the ceiling is accepted.
	exact := make([]byte, p.MaxPayloadBytes)
	if _, err := p.Enqueue(ctx, "r-exact", exact, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("payload at the ceiling must be accepted: %v", err)
	}

	// One byte over is rejected whole, never truncated.
	at := time.Now().Add(time.Minute)
	over := make([]byte, p.MaxPayloadBytes+1)
	_, err := p.Enqueue(ctx, "r-over", over, at)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, gerr := repo.GetJob(ctx, p.DB, domain.JobID("r-over", at)); !errors.Is(gerr, repo.ErrNotFound) {
		t.Fatalf("rejected payload must not leave a job row")
	}
}

func TestEnqueue_ValidationErrors(t *testing.T) {
	p, _, _ := newTestProducer(t)
	ctx := context.Background()

	if _, err := p.Enqueue(ctx, "   ", []byte("p"), time.Now()); !errors.Is(err, ErrEmptyRecipient) {
		t.Fatalf("blank recipient: got %v", err)
	}
	if _, err := p.Enqueue(ctx, "r", []byte("p"), time.Time{}); !errors.Is(err, ErrZeroSchedule) {
		t.Fatalf("zero schedule: got %v", err)
	}
}

func TestEnqueue_PastScheduleIsSendNow(t *testing.T) {
	p, q, _ := newTestProducer(t)
	ctx := context.Background()

	res, err := p.Enqueue(ctx, "r", []byte("p"), time.Now().Add(-time.Hour))
	if err != nil || !res.Created {
		t.Fatalf("past schedule must be accepted: res=%+v err=%v", res, err)
	}
	d, _ := q.Depths(ctx)
	if d.Ready != 1 || d.Delayed != 0 {
		t.Fatalf("past job should land on the ready list: %+v", d)
	}
}

func TestEnqueue_ClaimStoreDown_FailsClosedAsDuplicate(t *testing.T) {
	p, q, claims := newTestProducer(t)
	ctx := context.Background()
	claims.err = errors.New("redis: connection refused")
	claims.denied = true // fail-closed verdict

	res, err := p.Enqueue(ctx, "r", []byte("p"), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("fail-closed enqueue reports a duplicate no-op, not an error: %v", err)
	}
	if res.Created {
		t.Fatalf("fail-closed enqueue must not create a job")
	}
	if res.JobID == "" {
		t.Fatalf("the deterministic id is still returned for correlation")
	}
	if _, gerr := repo.GetJob(ctx, p.DB, res.JobID); !errors.Is(gerr, repo.ErrNotFound) {
		t.Fatalf("no row may be written when the claim store is down")
	}
	if d, _ := q.Depths(ctx); d.Ready != 0 || d.Delayed != 0 {
		t.Fatalf("no queue entry may be written when the claim store is down: %+v", d)
	}
}

// failingQueue errors on Enqueue to exercise the compensation path.
type failingQueue struct {
	*queue.Memory
	fail bool
}

func (f *failingQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if f.fail {
		return errors.New("queue unavailable")
	}
	return f.Memory.Enqueue(ctx, jobID, runAt)
}

func TestEnqueue_QueueFailureReleasesClaim(t *testing.T) {
	claims := newMemClaims()
	fq := &failingQueue{Memory: queue.NewMemory(), fail: true}
	p := &Producer{
		DB:              newTestDB(t),
		Queue:           fq,
		Claims:          claims,
		Log:             zerolog.Nop(),
		MaxPayloadBytes: 1024,
		MaxAttempts:     3,
		ClaimTTL:        time.Hour,
	}
	ctx := context.Background()
	at := time.Now().Add(time.Minute)

	if _, err := p.Enqueue(ctx, "r", []byte("p"), at); err == nil {
		t.Fatalf("queue failure must surface as an error")
	}

	// The claim was released, so a retried enqueue can finish the submit once
	// the queue recovers. The row already exists, so the retry goes through
	// the pending-repair fast path.
	fq.fail = false
	res, err := p.Enqueue(ctx, "r", []byte("p"), at)
	if err != nil {
		t.Fatalf("retried enqueue: %v", err)
	}
	if res.Created {
		t.Fatalf("retry finds the existing row, created must be false")
	}
	if d, _ := fq.Depths(ctx); d.Ready+d.Delayed != 1 {
		t.Fatalf("retry must finish the queue submit: %+v", d)
	}
}
