package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

// Compile-time contract assertion.
var _ Queue = (*SQLite)(nil)

const sqliteQueueDDL = `
CREATE TABLE IF NOT EXISTS sync_job (
	id TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at INTEGER NOT NULL,
	claimed_at INTEGER,
	finished_at INTEGER
)`

// SQLite implements Queue on an embedded database file for single-node
// deployments that do not run Postgres. Claims serialize through a write
// transaction; sqlite allows one writer so a small worker pool is fine.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the queue database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "figsync-queue.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite queue: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteQueueDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue ddl: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Enqueue inserts a queued job row.
func (s *SQLite) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_job (id, payload, status, enqueued_at) VALUES (?, ?, 'queued', ?)`,
		id, payload, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue polls for a queued job, blocking until one is claimed or ctx ends.
func (s *SQLite) Dequeue(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := s.claim(ctx)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *SQLite) claim(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var j Job
	var enqueued int64
	row := tx.QueryRowContext(ctx,
		`SELECT id, payload, attempts, enqueued_at FROM sync_job
		 WHERE status = 'queued' ORDER BY enqueued_at LIMIT 1`)
	if err := row.Scan(&j.ID, &j.Payload, &j.Attempts, &enqueued); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	j.Attempts++
	j.EnqueuedAt = time.Unix(enqueued, 0).UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_job SET status = 'running', attempts = ?, claimed_at = ? WHERE id = ?`,
		j.Attempts, time.Now().Unix(), j.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Complete marks the job done.
func (s *SQLite) Complete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = 'completed', finished_at = ? WHERE id = ?`,
		time.Now().Unix(), jobID)
	return err
}

// Fail marks the job fatally failed.
func (s *SQLite) Fail(ctx context.Context, jobID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = 'failed', last_error = ?, finished_at = ? WHERE id = ?`,
		reason, time.Now().Unix(), jobID)
	return err
}

// RequeueStale returns long-claimed jobs to queued.
func (s *SQLite) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_job SET status = 'queued', claimed_at = NULL
		 WHERE status = 'running' AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
