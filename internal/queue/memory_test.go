package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemory_DueJobGoesStraightToReady(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if err := q.Enqueue(ctx, "job-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id, err := q.Dequeue(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %q", id)
	}
}

func TestMemory_FutureJobParksUntilMoveDue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	if err := q.Enqueue(ctx, "job-1", runAt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not ready yet.
	id, err := q.Dequeue(ctx, 20*time.Millisecond)
	if err != nil || id != "" {
		t.Fatalf("future job must not dequeue: id=%q err=%v", id, err)
	}
	d, _ := q.Depths(ctx)
	if d.Ready != 0 || d.Delayed != 1 {
		t.Fatalf("depths unexpected: %+v", d)
	}

	// Mover promotes it once its run time arrives.
	if err := q.MoveDue(ctx, runAt.Add(time.Second), 100); err != nil {
		t.Fatalf("move due: %v", err)
	}
	id, err = q.Dequeue(ctx, 100*time.Millisecond)
	if err != nil || id != "job-1" {
		t.Fatalf("promoted job should dequeue: id=%q err=%v", id, err)
	}
}

func TestMemory_MoveDueRespectsBatchAndCutoff(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	base := time.Now().Add(time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, id, base); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := q.Enqueue(ctx, "late", base.Add(time.Hour)); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}

	if err := q.MoveDue(ctx, base.Add(time.Second), 2); err != nil {
		t.Fatalf("move due: %v", err)
	}
	d, _ := q.Depths(ctx)
	if d.Ready != 2 || d.Delayed != 2 {
		t.Fatalf("batch limit not respected: %+v", d)
	}

	// Second pass drains the remaining due entry but never the late one.
	if err := q.MoveDue(ctx, base.Add(time.Second), 100); err != nil {
		t.Fatalf("move due 2: %v", err)
	}
	d, _ = q.Depths(ctx)
	if d.Ready != 3 || d.Delayed != 1 {
		t.Fatalf("cutoff not respected: %+v", d)
	}
}

func TestMemory_DequeueTimesOutEmpty(t *testing.T) {
	q := NewMemory()
	start := time.Now()
	id, err := q.Dequeue(context.Background(), 30*time.Millisecond)
	if err != nil || id != "" {
		t.Fatalf("empty dequeue: id=%q err=%v", id, err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("dequeue returned before the block window elapsed")
	}
}

func TestMemory_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	done := make(chan string, 1)
	go func() {
		id, _ := q.Dequeue(ctx, 2*time.Second)
		done <- id
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Enqueue(ctx, "job-1", time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case id := <-done:
		if id != "job-1" {
			t.Fatalf("expected job-1, got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked dequeue did not wake on enqueue")
	}
}

func TestMemory_DequeueHonorsContext(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx, time.Minute); err == nil {
		t.Fatalf("cancelled context should abort the dequeue")
	}
}
