// Package store defines the durable relational contract for sync sessions,
// their per-item state machine, and the transactional persistence of
// assembled catalog entities. Backends: memory (tests, dev) and postgres.
package store

import (
	"context"
	"errors"
	"time"

	"figsync/internal/assemble"
)

// SyncType distinguishes what kind of request created a session.
type SyncType string

const (
	SyncTypeCSV        SyncType = "csv"
	SyncTypeOrder      SyncType = "order"
	SyncTypeCollection SyncType = "collection"
)

// SessionStatus is the session state machine:
// pending → processing → {completed | partial | failed}.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionPartial    SessionStatus = "partial"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionPartial || s == SessionFailed
}

// ItemStatus is the per-item state machine: pending → {scraped | failed},
// with scraped → failed as the single permitted backward transition
// (persistence-failure demotion).
type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemScraped ItemStatus = "scraped"
	ItemFailed  ItemStatus = "failed"
)

// SyncSession is one row per sync request.
type SyncSession struct {
	ID            string
	SyncType      SyncType
	Status        SessionStatus
	TotalItems    int
	SuccessCount  int
	FailCount     int
	StatusMessage string
	JobID         string
	OrderID       string // set only for order-type syncs
	UserID        string
	CreatedAt     time.Time
	CompletedAt   *time.Time
}

// SyncSessionItem is one row per requested external item ID within a session.
type SyncSessionItem struct {
	ID             string
	SyncSessionID  string
	ItemExternalID int64
	Status         ItemStatus
	ErrorReason    string
	RetryCount     int
	UpdatedAt      time.Time
}

// NewSession describes a session to create; one pending item row is created
// per external ID. ID and JobID are assigned by the caller.
type NewSession struct {
	ID      string
	JobID   string
	UserID  string
	Type    SyncType
	ItemIDs []int64
}

// OrderDetails carries the order header for order-type syncs. The JSON tags
// match the job payload's wire form.
type OrderDetails struct {
	OrderID   string `json:"orderId"`
	Title     string `json:"title"`
	Shop      string `json:"shop"`
	OrderDate string `json:"orderDate"`
}

// SessionContext identifies whose rows the finalizer writes.
type SessionContext struct {
	SessionID string
	UserID    string
	Type      SyncType
	Order     *OrderDetails
}

// ErrNotFound is returned for unknown session identifiers.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a mutation would violate the
// session or item state machine.
var ErrInvalidTransition = errors.New("store: invalid status transition")

// Store is the durable source of truth for session/item status and the
// owner of catalog entity persistence. Session and item rows are mutated
// only through these operations.
type Store interface {
	// CreateSession inserts a pending session plus one pending item row per ID.
	CreateSession(ctx context.Context, s NewSession) (SyncSession, error)
	GetSession(ctx context.Context, id string) (SyncSession, error)
	ListSessions(ctx context.Context, userID string) ([]SyncSession, error)
	ListItems(ctx context.Context, sessionID string) ([]SyncSessionItem, error)

	// MarkProcessing moves a pending session to processing.
	MarkProcessing(ctx context.Context, sessionID string) error

	// RecordScrapeOutcomes applies the scraper's partition in one batched
	// write: scraped IDs move to scraped, failed IDs to failed with their
	// reason. Items re-attempted after a prior outcome get RetryCount+1.
	RecordScrapeOutcomes(ctx context.Context, sessionID string, scraped []int64, failed map[int64]string) error

	// DemoteScrapedItems moves the given scraped items back to failed with
	// the reason, returning how many were demoted. Used when persistence
	// fails after a successful scrape so retry re-claims them. Only the IDs
	// scraped by the failing run are passed; items committed by an earlier
	// run keep their scraped status.
	DemoteScrapedItems(ctx context.Context, sessionID string, ids []int64, reason string) (int, error)

	// FailedItemIDs lists the external IDs of failed items, for retry.
	FailedItemIDs(ctx context.Context, sessionID string) ([]int64, error)

	// CompleteSession resolves the terminal status from the counts and
	// stamps completedAt. successCount+failCount must not exceed totalItems.
	CompleteSession(ctx context.Context, sessionID string, successCount, failCount int, message string) (SyncSession, error)

	// FailSession marks the session failed immediately (fatal job errors).
	FailSession(ctx context.Context, sessionID, message string) error

	// MarkRetrying moves a terminal failed/partial session back to pending
	// with a fresh job id, for the retry operation.
	MarkRetrying(ctx context.Context, sessionID, jobID string) error

	// PersistAssembly writes the assembled entities plus the caller-specific
	// rows in a single transaction: everything commits or nothing does.
	PersistAssembly(ctx context.Context, batch assemble.Entities, sc SessionContext) error
}

// ResolveStatus applies the terminal-status table to the final counts.
func ResolveStatus(successCount, failCount, totalItems int) SessionStatus {
	switch {
	case failCount == 0 && successCount >= totalItems:
		return SessionCompleted
	case successCount == 0:
		return SessionFailed
	default:
		return SessionPartial
	}
}
