// Package status is the ephemeral live-status projection read by polling or
// streaming clients. It is dual-written next to the durable session row and
// is allowed to be stale or expired: the relational store is the source of
// truth, and nothing but the live UI projection may read this cache as
// authoritative.
package status

import (
	"context"
	"time"
)

// Terminal states surfaced to the client next to the free-form status text.
const (
	TerminalSuccess = "success"
	TerminalError   = "error"
)

// JobStatus is the cached projection for one job.
type JobStatus struct {
	Status    string    `json:"status"`
	Finished  bool      `json:"finished"`
	CreatedAt time.Time `json:"createdAt"`
	// TerminalState is "success" or "error" once finished, null before.
	TerminalState *string `json:"terminalState"`
}

// Key returns the cache key for a job's status entry.
func Key(jobID string) string { return "job:" + jobID + ":status" }

// Broadcaster publishes and reads ephemeral job status with a bounded expiry.
type Broadcaster interface {
	Publish(ctx context.Context, jobID string, st JobStatus) error
	// Get reports the cached status; ok is false when the entry is missing
	// or has expired.
	Get(ctx context.Context, jobID string) (JobStatus, bool, error)
}

// Progress builds an in-flight status update.
func Progress(text string) JobStatus {
	return JobStatus{Status: text, CreatedAt: time.Now().UTC()}
}

// Finished builds a terminal status update.
func Finished(text, terminal string) JobStatus {
	return JobStatus{Status: text, Finished: true, CreatedAt: time.Now().UTC(), TerminalState: &terminal}
}
