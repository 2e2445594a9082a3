package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"figsync/internal/store"
)

// ErrRetryNotAllowed is returned when a session is not in a retryable state.
var ErrRetryNotAllowed = fmt.Errorf("pipeline: session is not retryable")

// Retry re-enqueues a session's failed items as a fresh job. It is defined
// only on failed or partial sessions with at least one failed item; items
// already scraped and committed are left untouched and carry forward as the
// new job's existing count. Returns how many items were re-enqueued.
func (p *Processor) Retry(ctx context.Context, sessionID string) (int, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if (session.Status != store.SessionFailed && session.Status != store.SessionPartial) || session.FailCount == 0 {
		return 0, fmt.Errorf("%w: status %s, %d failed", ErrRetryNotAllowed, session.Status, session.FailCount)
	}
	ids, err := p.store.FailedItemIDs(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no failed items", ErrRetryNotAllowed)
	}

	payload := Payload{
		Type:          session.SyncType,
		UserID:        session.UserID,
		SyncSessionID: session.ID,
		ExistingCount: session.SuccessCount,
	}
	switch session.SyncType {
	case store.SyncTypeOrder:
		payload.Order = &OrderPayload{ItemsToScrape: ids}
		if session.OrderID != "" {
			payload.Order.Details = &store.OrderDetails{OrderID: session.OrderID}
		}
	case store.SyncTypeCollection:
		payload.Collection = &CollectionPayload{ItemsToScrape: ids}
	default:
		payload.Items = ids
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	jobID, err := p.queue.Enqueue(ctx, raw)
	if err != nil {
		return 0, fmt.Errorf("enqueue retry job: %w", err)
	}
	if err := p.store.MarkRetrying(ctx, sessionID, jobID); err != nil {
		return 0, err
	}
	p.logger.Info("retry enqueued", "session", sessionID, "job", jobID, "items", len(ids))
	return len(ids), nil
}
