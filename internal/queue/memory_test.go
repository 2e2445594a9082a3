package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEnqueueDequeue(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte(`{"type":"csv"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id == "" {
		t.Fatalf("empty job id")
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if job.ID != id {
		t.Fatalf("dequeued %s, want %s", job.ID, id)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", job.Attempts)
	}
	if string(job.Payload) != `{"type":"csv"}` {
		t.Fatalf("payload = %s", job.Payload)
	}
}

func TestMemoryCompleteAndFail(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	id1, _ := q.Enqueue(ctx, []byte("a"))
	id2, _ := q.Enqueue(ctx, []byte("b"))
	j1, _ := q.Dequeue(ctx)
	j2, _ := q.Dequeue(ctx)
	if j1.ID != id1 || j2.ID != id2 {
		t.Fatalf("fifo order violated: %s %s", j1.ID, j2.ID)
	}

	if err := q.Complete(ctx, id1); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := q.Fail(ctx, id2, "malformed payload"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if state, ok := q.State(id1); !ok || state != "completed" {
		t.Fatalf("job 1 state = %q, %v", state, ok)
	}
	if state, _ := q.State(id2); state != "failed: malformed payload" {
		t.Fatalf("job 2 state = %q", state)
	}
	// Resolving an unclaimed job is an error.
	if err := q.Complete(ctx, id1); err == nil {
		t.Fatalf("expected error resolving an already-resolved job")
	}
}

func TestMemoryDequeueBlocksUntilCancel(t *testing.T) {
	q := NewMemory(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Dequeue(ctx); err == nil {
		t.Fatalf("expected context error from empty-queue dequeue")
	}
}

func TestMemoryClose(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, []byte("a"))
	q.Close()
	q.Close() // idempotent

	if _, err := q.Enqueue(ctx, []byte("b")); err != ErrClosed {
		t.Fatalf("Enqueue after close: %v, want ErrClosed", err)
	}
	// Buffered jobs drain before the closed state surfaces.
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue buffered job: %v", err)
	}
	if job.ID != id {
		t.Fatalf("dequeued %s, want %s", job.ID, id)
	}
	if _, err := q.Dequeue(ctx); err != ErrClosed {
		t.Fatalf("Dequeue on closed queue: %v, want ErrClosed", err)
	}
	if _, err := q.RequeueStale(ctx, 0); err != ErrClosed {
		t.Fatalf("RequeueStale on closed queue: %v, want ErrClosed", err)
	}
}

func TestMemoryRequeueStale(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, []byte("a"))
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	// Claim is fresh, nothing to reclaim.
	n, err := q.RequeueStale(ctx, time.Minute)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued = %d, want 0", n)
	}

	// With a zero threshold every claim is stale.
	n, err = q.RequeueStale(ctx, 0)
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue after requeue: %v", err)
	}
	if job.ID != id {
		t.Fatalf("requeued job id = %s, want %s", job.ID, id)
	}
	if job.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", job.Attempts)
	}
}
