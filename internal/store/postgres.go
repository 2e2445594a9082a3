package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"figsync/internal/assemble"
)

// Compile-time contract assertion.
var _ Store = (*Postgres)(nil)

// Postgres implements Store on a pgx connection pool. The schema is applied
// on startup. All catalog writes happen inside PersistAssembly's single
// transaction; session/item writes are row-scoped so jobs never contend.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a pool for dsn and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range strings.Split(postgresDDL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply ddl: %w", err)
		}
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

// Pool exposes the underlying pool for integration testing hooks.
func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

// CreateSession inserts the session and its pending item rows atomically.
func (p *Postgres) CreateSession(ctx context.Context, s NewSession) (SyncSession, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	// one row per (session, external id)
	seen := make(map[int64]struct{}, len(s.ItemIDs))
	ids := make([]int64, 0, len(s.ItemIDs))
	for _, ext := range s.ItemIDs {
		if _, dup := seen[ext]; dup {
			continue
		}
		seen[ext] = struct{}{}
		ids = append(ids, ext)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return SyncSession{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO sync_session (id, sync_type, status, total_items, job_id, user_id, created_at)
		 VALUES ($1, $2, 'pending', $3, $4, $5, $6)`,
		id, s.Type, len(ids), s.JobID, s.UserID, now)
	if err != nil {
		return SyncSession{}, fmt.Errorf("insert session: %w", err)
	}
	batch := &pgx.Batch{}
	for _, ext := range ids {
		batch.Queue(
			`INSERT INTO sync_session_item (id, sync_session_id, item_external_id, status, updated_at)
			 VALUES ($1, $2, $3, 'pending', $4)`,
			uuid.NewString(), id, ext, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return SyncSession{}, fmt.Errorf("insert session items: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return SyncSession{}, err
	}
	return SyncSession{ID: id, SyncType: s.Type, Status: SessionPending, TotalItems: len(ids), JobID: s.JobID, UserID: s.UserID, CreatedAt: now}, nil
}

const sessionColumns = `id, sync_type, status, total_items, success_count, fail_count,
	status_message, job_id, COALESCE(order_id, ''), user_id, created_at, completed_at`

func scanSession(row pgx.Row) (SyncSession, error) {
	var s SyncSession
	var completed sql.NullTime
	err := row.Scan(&s.ID, &s.SyncType, &s.Status, &s.TotalItems, &s.SuccessCount, &s.FailCount,
		&s.StatusMessage, &s.JobID, &s.OrderID, &s.UserID, &s.CreatedAt, &completed)
	if err != nil {
		if err == pgx.ErrNoRows {
			return SyncSession{}, ErrNotFound
		}
		return SyncSession{}, err
	}
	if completed.Valid {
		t := completed.Time.UTC()
		s.CompletedAt = &t
	}
	return s, nil
}

// GetSession fetches one session row.
func (p *Postgres) GetSession(ctx context.Context, id string) (SyncSession, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sync_session WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		return SyncSession{}, fmt.Errorf("session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns the user's sessions, newest first.
func (p *Postgres) ListSessions(ctx context.Context, userID string) ([]SyncSession, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sync_session WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListItems returns the session's item rows ordered by external ID.
func (p *Postgres) ListItems(ctx context.Context, sessionID string) ([]SyncSessionItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, sync_session_id, item_external_id, status, COALESCE(error_reason, ''), retry_count, updated_at
		 FROM sync_session_item WHERE sync_session_id = $1 ORDER BY item_external_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncSessionItem
	for rows.Next() {
		var it SyncSessionItem
		if err := rows.Scan(&it.ID, &it.SyncSessionID, &it.ItemExternalID, &it.Status, &it.ErrorReason, &it.RetryCount, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkProcessing moves a non-terminal session to processing.
func (p *Postgres) MarkProcessing(ctx context.Context, sessionID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sync_session SET status = 'processing'
		 WHERE id = $1 AND status NOT IN ('completed', 'partial', 'failed')`, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidTransition)
	}
	return nil
}

// RecordScrapeOutcomes applies the scraped/failed partition in one batch.
// Items that already had an outcome get their retry count bumped.
func (p *Postgres) RecordScrapeOutcomes(ctx context.Context, sessionID string, scraped []int64, failed map[int64]string) error {
	batch := &pgx.Batch{}
	if len(scraped) > 0 {
		batch.Queue(
			`UPDATE sync_session_item
			 SET retry_count = retry_count + CASE WHEN status <> 'pending' THEN 1 ELSE 0 END,
			     status = 'scraped', error_reason = NULL, updated_at = now()
			 WHERE sync_session_id = $1 AND item_external_id = ANY($2)`,
			sessionID, scraped)
	}
	for ext, reason := range failed {
		batch.Queue(
			`UPDATE sync_session_item
			 SET retry_count = retry_count + CASE WHEN status <> 'pending' THEN 1 ELSE 0 END,
			     status = 'failed', error_reason = $3, updated_at = now()
			 WHERE sync_session_id = $1 AND item_external_id = $2`,
			sessionID, ext, reason)
	}
	if batch.Len() == 0 {
		return nil
	}
	return p.pool.SendBatch(ctx, batch).Close()
}

// DemoteScrapedItems moves the given scraped items back to failed.
func (p *Postgres) DemoteScrapedItems(ctx context.Context, sessionID string, ids []int64, reason string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE sync_session_item SET status = 'failed', error_reason = $3, updated_at = now()
		 WHERE sync_session_id = $1 AND item_external_id = ANY($2) AND status = 'scraped'`,
		sessionID, ids, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// FailedItemIDs lists external IDs of failed items.
func (p *Postgres) FailedItemIDs(ctx context.Context, sessionID string) ([]int64, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT item_external_id FROM sync_session_item
		 WHERE sync_session_id = $1 AND status = 'failed' ORDER BY item_external_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CompleteSession resolves and stamps the terminal status.
func (p *Postgres) CompleteSession(ctx context.Context, sessionID string, successCount, failCount int, message string) (SyncSession, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT total_items FROM sync_session WHERE id = $1`, sessionID).Scan(&total); err != nil {
		if err == pgx.ErrNoRows {
			return SyncSession{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return SyncSession{}, err
	}
	if successCount+failCount > total {
		return SyncSession{}, fmt.Errorf("session %s: counts %d+%d exceed total %d", sessionID, successCount, failCount, total)
	}
	status := ResolveStatus(successCount, failCount, total)
	row := p.pool.QueryRow(ctx,
		`UPDATE sync_session
		 SET status = $2, success_count = $3, fail_count = $4, status_message = $5, completed_at = now()
		 WHERE id = $1
		 RETURNING `+sessionColumns, sessionID, status, successCount, failCount, message)
	return scanSession(row)
}

// FailSession marks the session failed immediately.
func (p *Postgres) FailSession(ctx context.Context, sessionID, message string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sync_session SET status = 'failed', status_message = $2, completed_at = now() WHERE id = $1`,
		sessionID, message)
	return err
}

// MarkRetrying reopens a failed/partial session for a fresh job.
func (p *Postgres) MarkRetrying(ctx context.Context, sessionID, jobID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sync_session SET status = 'pending', job_id = $2, completed_at = NULL
		 WHERE id = $1 AND status IN ('failed', 'partial')`, sessionID, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrInvalidTransition)
	}
	return nil
}

// PersistAssembly upserts the assembled entities and the caller-specific
// rows in one transaction. External→internal ID maps are rebuilt from the
// database on every call; nothing is cached across jobs.
func (p *Postgres) PersistAssembly(ctx context.Context, batch assemble.Entities, sc SessionContext) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	itemIDs, err := upsertItems(ctx, tx, batch.Items)
	if err != nil {
		return err
	}
	entryIDs, err := upsertEntries(ctx, tx, batch.Entries)
	if err != nil {
		return err
	}

	b := &pgx.Batch{}
	for _, rel := range batch.Releases {
		itemID, ok := itemIDs[rel.ItemExternalID]
		if !ok {
			continue // unresolved reference, dropped
		}
		b.Queue(
			`INSERT INTO item_release (id, item_id, release_date, release_type, price, currency, barcode)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (id) DO NOTHING`,
			rel.ID, itemID, rel.Date, rel.Type, rel.Price, rel.Currency, rel.Barcode)
	}
	for _, link := range batch.Links {
		entryID, ok := entryIDs[entryKey(string(link.EntryCategory), link.EntryExternalID)]
		if !ok {
			continue
		}
		itemID, ok := itemIDs[link.ItemExternalID]
		if !ok {
			continue
		}
		b.Queue(
			`INSERT INTO entry_to_item (entry_id, item_id, role) VALUES ($1, $2, $3)
			 ON CONFLICT DO NOTHING`,
			entryID, itemID, link.Role)
	}
	if b.Len() > 0 {
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("upsert releases/links: %w", err)
		}
	}

	if err := persistCallerRows(ctx, tx, batch, sc, itemIDs); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func upsertItems(ctx context.Context, tx pgx.Tx, items []assemble.Item) (map[int64]int64, error) {
	ids := make(map[int64]int64, len(items))
	if len(items) == 0 {
		return ids, nil
	}
	b := &pgx.Batch{}
	external := make([]int64, 0, len(items))
	for _, it := range items {
		external = append(external, it.ExternalID)
		b.Queue(
			`INSERT INTO item (external_id, title, category, scale, height_mm, image_url, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (external_id) DO UPDATE SET
			   title = EXCLUDED.title, category = EXCLUDED.category, scale = EXCLUDED.scale,
			   height_mm = EXCLUDED.height_mm, image_url = EXCLUDED.image_url, version = EXCLUDED.version`,
			it.ExternalID, it.Title, it.Category, it.Scale, it.HeightMM, it.ImageURL, it.Version)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return nil, fmt.Errorf("upsert items: %w", err)
	}
	rows, err := tx.Query(ctx, `SELECT id, external_id FROM item WHERE external_id = ANY($1)`, external)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, ext int64
		if err := rows.Scan(&id, &ext); err != nil {
			return nil, err
		}
		ids[ext] = id
	}
	return ids, rows.Err()
}

func entryKey(category string, externalID int64) string {
	return fmt.Sprintf("%s:%d", category, externalID)
}

func upsertEntries(ctx context.Context, tx pgx.Tx, entries []assemble.Entry) (map[string]int64, error) {
	ids := make(map[string]int64, len(entries))
	if len(entries) == 0 {
		return ids, nil
	}
	b := &pgx.Batch{}
	categories := make([]string, 0, len(entries))
	external := make([]int64, 0, len(entries))
	for _, e := range entries {
		b.Queue(
			`INSERT INTO entry (external_id, name, category) VALUES ($1, $2, $3)
			 ON CONFLICT (category, external_id) DO UPDATE SET name = EXCLUDED.name`,
			e.ExternalID, e.Name, e.Category)
		categories = append(categories, string(e.Category))
		external = append(external, e.ExternalID)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return nil, fmt.Errorf("upsert entries: %w", err)
	}
	// Read back only this batch's keys; the entry table grows with the
	// whole taxonomy.
	rows, err := tx.Query(ctx,
		`SELECT e.id, e.external_id, e.category
		 FROM entry e
		 JOIN unnest($1::text[], $2::bigint[]) AS k(category, external_id)
		   ON e.category = k.category AND e.external_id = k.external_id`,
		categories, external)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, ext int64
		var category string
		if err := rows.Scan(&id, &ext, &category); err != nil {
			return nil, err
		}
		ids[entryKey(category, ext)] = id
	}
	return ids, rows.Err()
}

func persistCallerRows(ctx context.Context, tx pgx.Tx, batch assemble.Entities, sc SessionContext, itemIDs map[int64]int64) error {
	if sc.Type == SyncTypeOrder && sc.Order == nil {
		// Retry job for an order whose header was never committed; the
		// catalog rows still land, caller rows are skipped.
		return nil
	}
	if sc.Type == SyncTypeOrder {
		latestDate := ""
		for _, it := range batch.Items {
			if d := batch.LatestByExternalID[it.ExternalID].Date; assemble.LaterDate(d, latestDate) {
				latestDate = d
			}
		}
		// latest_release_date only moves forward; '' sorts below any
		// concrete canonical date, preserving the null-inferior ordering.
		// Empty incoming header fields keep their stored values so a
		// details-less retry does not wipe the order header.
		_, err := tx.Exec(ctx,
			`INSERT INTO "order" (id, user_id, title, shop, order_date, latest_release_date)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE SET
			   title = COALESCE(NULLIF(EXCLUDED.title, ''), "order".title),
			   shop = COALESCE(NULLIF(EXCLUDED.shop, ''), "order".shop),
			   order_date = COALESCE(NULLIF(EXCLUDED.order_date, ''), "order".order_date),
			   latest_release_date = GREATEST("order".latest_release_date, EXCLUDED.latest_release_date)`,
			sc.Order.OrderID, sc.UserID, sc.Order.Title, sc.Order.Shop, sc.Order.OrderDate, latestDate)
		if err != nil {
			return fmt.Errorf("upsert order: %w", err)
		}
		b := &pgx.Batch{}
		for _, it := range batch.Items {
			itemID, ok := itemIDs[it.ExternalID]
			if !ok {
				continue
			}
			latest := batch.LatestByExternalID[it.ExternalID]
			b.Queue(
				`INSERT INTO order_item (order_id, item_id, release_id) VALUES ($1, $2, NULLIF($3, ''))
				 ON CONFLICT (order_id, item_id) DO UPDATE SET release_id = EXCLUDED.release_id`,
				sc.Order.OrderID, itemID, latest.ReleaseID)
		}
		b.Queue(`UPDATE sync_session SET order_id = $2 WHERE id = $1`, sc.SessionID, sc.Order.OrderID)
		return tx.SendBatch(ctx, b).Close()
	}

	b := &pgx.Batch{}
	for _, it := range batch.Items {
		itemID, ok := itemIDs[it.ExternalID]
		if !ok {
			continue
		}
		latest := batch.LatestByExternalID[it.ExternalID]
		b.Queue(
			`INSERT INTO collection (user_id, item_id, release_id) VALUES ($1, $2, NULLIF($3, ''))
			 ON CONFLICT (user_id, item_id) DO UPDATE SET release_id = EXCLUDED.release_id`,
			sc.UserID, itemID, latest.ReleaseID)
	}
	if b.Len() == 0 {
		return nil
	}
	return tx.SendBatch(ctx, b).Close()
}
