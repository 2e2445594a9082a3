// Package queue provides the durable job queue the sync worker pulls from.
// Backends: memory (tests, dev), postgres (production), sqlite (embedded
// single-node deployments).
package queue

import (
	"context"
	"errors"
	"time"
)

// Job is one claimed unit of work. Payload is opaque to the queue; the
// pipeline owns its schema.
type Job struct {
	ID         string
	Payload    []byte
	Attempts   int
	EnqueuedAt time.Time
}

// Queue is the durable enqueue/dequeue contract. Dequeue blocks until a job
// is available or ctx is done; each claimed job must be resolved with
// Complete or Fail.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
	Dequeue(ctx context.Context) (*Job, error)
	// Complete marks the job done at the queue level. A degraded sync
	// outcome still completes: the session row records the business result.
	Complete(ctx context.Context, jobID string) error
	// Fail marks the job fatally failed (malformed payload); no requeue.
	Fail(ctx context.Context, jobID, reason string) error
	// RequeueStale returns jobs claimed longer than olderThan ago to the
	// queue (worker crash recovery), reporting how many were requeued.
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// pollInterval is how often database-backed queues look for new jobs.
const pollInterval = 500 * time.Millisecond
