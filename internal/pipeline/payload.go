package pipeline

import (
	"encoding/json"
	"fmt"

	"figsync/internal/store"
)

// Payload is the job body enqueued by the upstream request handler. Exactly
// one of Items, Order, or Collection carries the ID set, selected by Type.
type Payload struct {
	Type          store.SyncType     `json:"type"`
	UserID        string             `json:"userId"`
	SyncSessionID string             `json:"syncSessionId"`
	ExistingCount int                `json:"existingCount"`
	Items         []int64            `json:"items,omitempty"`
	Order         *OrderPayload      `json:"order,omitempty"`
	Collection    *CollectionPayload `json:"collection,omitempty"`
}

// OrderPayload carries the order-sync ID set and optional header details.
// Details may be absent on retry jobs for an already-persisted order.
type OrderPayload struct {
	ItemsToScrape []int64             `json:"itemsToScrape"`
	Details       *store.OrderDetails `json:"details,omitempty"`
}

// CollectionPayload carries the collection-sync ID set.
type CollectionPayload struct {
	ItemsToScrape []int64 `json:"itemsToScrape"`
}

// DecodePayload parses and validates a job body. Any error here is fatal for
// the job: malformed payloads are never retried. On a validation error the
// partially decoded payload is still returned so the caller can fail the
// session it names.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode job payload: %w", err)
	}
	return p, p.validate()
}

func (p Payload) validate() error {
	if p.SyncSessionID == "" {
		return fmt.Errorf("job payload: missing syncSessionId")
	}
	if p.UserID == "" {
		return fmt.Errorf("job payload: missing userId")
	}
	switch p.Type {
	case store.SyncTypeCSV:
		if len(p.Items) == 0 {
			return fmt.Errorf("job payload: csv sync without items")
		}
	case store.SyncTypeOrder:
		if p.Order == nil || len(p.Order.ItemsToScrape) == 0 {
			return fmt.Errorf("job payload: order sync without itemsToScrape")
		}
	case store.SyncTypeCollection:
		if p.Collection == nil || len(p.Collection.ItemsToScrape) == 0 {
			return fmt.Errorf("job payload: collection sync without itemsToScrape")
		}
	default:
		return fmt.Errorf("job payload: unknown sync type %q", p.Type)
	}
	return nil
}

// ItemIDs returns the ID set for whichever shape the payload carries.
func (p Payload) ItemIDs() []int64 {
	switch p.Type {
	case store.SyncTypeOrder:
		return p.Order.ItemsToScrape
	case store.SyncTypeCollection:
		return p.Collection.ItemsToScrape
	default:
		return p.Items
	}
}

// SessionContext derives the finalizer's caller context from the payload.
func (p Payload) SessionContext() store.SessionContext {
	sc := store.SessionContext{
		SessionID: p.SyncSessionID,
		UserID:    p.UserID,
		Type:      p.Type,
	}
	if p.Type == store.SyncTypeOrder && p.Order != nil {
		sc.Order = p.Order.Details
	}
	return sc
}
