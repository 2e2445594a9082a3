package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time contract assertion.
var _ Queue = (*Postgres)(nil)

const postgresQueueDDL = `
CREATE TABLE IF NOT EXISTS sync_job (
	id TEXT PRIMARY KEY,
	payload BYTEA NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_job_status ON sync_job(status, enqueued_at)
`

// Postgres implements Queue on a jobs table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool for dsn and ensures the jobs table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	for _, stmt := range strings.Split(postgresQueueDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("queue ddl: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

// Enqueue inserts a queued job row.
func (p *Postgres) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sync_job (id, payload, status) VALUES ($1, $2, 'queued')`, id, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue polls for a queued job, blocking until one is claimed or ctx ends.
func (p *Postgres) Dequeue(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		job, err := p.claim(ctx)
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

func (p *Postgres) claim(ctx context.Context) (*Job, error) {
	var job *Job
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT id, payload, attempts, enqueued_at FROM sync_job
			 WHERE status = 'queued' ORDER BY enqueued_at
			 FOR UPDATE SKIP LOCKED LIMIT 1`)
		var j Job
		if err := row.Scan(&j.ID, &j.Payload, &j.Attempts, &j.EnqueuedAt); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return err
		}
		j.Attempts++
		if _, err := tx.Exec(ctx,
			`UPDATE sync_job SET status = 'running', attempts = $2, claimed_at = now() WHERE id = $1`,
			j.ID, j.Attempts); err != nil {
			return err
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks the job done.
func (p *Postgres) Complete(ctx context.Context, jobID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sync_job SET status = 'completed', finished_at = now() WHERE id = $1`, jobID)
	return err
}

// Fail marks the job fatally failed.
func (p *Postgres) Fail(ctx context.Context, jobID, reason string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sync_job SET status = 'failed', last_error = $2, finished_at = now() WHERE id = $1`,
		jobID, reason)
	return err
}

// RequeueStale returns long-claimed jobs to queued.
func (p *Postgres) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sync_job SET status = 'queued', claimed_at = NULL
		 WHERE status = 'running' AND claimed_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
