package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion.
var _ Queue = (*Memory)(nil)

// Memory implements Queue on a buffered channel. Jobs survive only for the
// process lifetime; used by tests and dev mode.
type Memory struct {
	mu      sync.Mutex
	ch      chan *Job
	claimed map[string]*claimedJob
	done    map[string]string // jobID → terminal state, for inspection
	closed  bool
}

type claimedJob struct {
	job       *Job
	claimedAt time.Time
}

// NewMemory returns an in-memory queue with the given buffer capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	return &Memory{
		ch:      make(chan *Job, capacity),
		claimed: make(map[string]*claimedJob),
		done:    make(map[string]string),
	}
}

// Close stops the queue: pending Dequeue calls drain the buffer and then
// return ErrClosed, and further Enqueue calls are rejected. Idempotent.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

// Enqueue adds a job, erroring when the buffer is full.
func (m *Memory) Enqueue(_ context.Context, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	job := &Job{ID: uuid.NewString(), Payload: payload, EnqueuedAt: time.Now().UTC()}
	select {
	case m.ch <- job:
		return job.ID, nil
	default:
		return "", fmt.Errorf("queue full")
	}
}

// Dequeue blocks until a job arrives or ctx is done.
func (m *Memory) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job, ok := <-m.ch:
		if !ok {
			return nil, ErrClosed
		}
		job.Attempts++
		m.mu.Lock()
		m.claimed[job.ID] = &claimedJob{job: job, claimedAt: time.Now().UTC()}
		m.mu.Unlock()
		return job, nil
	}
}

// Complete resolves a claimed job.
func (m *Memory) Complete(_ context.Context, jobID string) error {
	return m.resolve(jobID, "completed")
}

// Fail resolves a claimed job as fatally failed.
func (m *Memory) Fail(_ context.Context, jobID, reason string) error {
	return m.resolve(jobID, "failed: "+reason)
}

func (m *Memory) resolve(jobID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claimed[jobID]; !ok {
		return fmt.Errorf("job %s not claimed", jobID)
	}
	delete(m.claimed, jobID)
	m.done[jobID] = state
	return nil
}

// RequeueStale returns crashed-worker jobs to the channel.
func (m *Memory) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	requeued := 0
	for id, c := range m.claimed {
		if c.claimedAt.Before(cutoff) {
			select {
			case m.ch <- c.job:
				delete(m.claimed, id)
				requeued++
			default:
			}
		}
	}
	return requeued, nil
}

// State reports a job's terminal state. Test helper.
func (m *Memory) State(jobID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.done[jobID]
	return s, ok
}

// Depth reports how many jobs are waiting. Test helper.
func (m *Memory) Depth() int { return len(m.ch) }
