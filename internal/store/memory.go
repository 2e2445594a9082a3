package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"figsync/internal/assemble"
)

// Compile-time contract assertion.
var _ Store = (*Memory)(nil)

// Memory implements Store in process memory. Used by tests and dev mode; it
// enforces the same state-machine guards as the postgres backend.
type Memory struct {
	mu sync.RWMutex

	sessions map[string]*SyncSession
	items    map[string]map[int64]*SyncSessionItem // sessionID → externalID → item

	// catalog tables
	nextItemID   int64
	nextEntryID  int64
	itemRows     map[int64]memItem            // external id → row
	entryRows    map[string]memEntry          // category:external id → row
	releaseRows  map[string]assemble.ItemRelease
	linkRows     map[string]assemble.EntryLink
	collection   map[string]memCollectionItem // userID:itemExternalID
	orders       map[string]memOrder
	orderItems   map[string][]memOrderItem

	persistErr error
}

type memItem struct {
	InternalID int64
	assemble.Item
}

type memEntry struct {
	InternalID int64
	assemble.Entry
}

type memCollectionItem struct {
	UserID         string
	ItemInternalID int64
	ReleaseID      string
	AddedAt        time.Time
}

type memOrder struct {
	OrderDetails
	LatestReleaseDate string
}

type memOrderItem struct {
	OrderID        string
	ItemInternalID int64
	ReleaseID      string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]*SyncSession),
		items:       make(map[string]map[int64]*SyncSessionItem),
		itemRows:    make(map[int64]memItem),
		entryRows:   make(map[string]memEntry),
		releaseRows: make(map[string]assemble.ItemRelease),
		linkRows:    make(map[string]assemble.EntryLink),
		collection:  make(map[string]memCollectionItem),
		orders:      make(map[string]memOrder),
		orderItems:  make(map[string][]memOrderItem),
	}
}

// SetPersistErr injects a failure into the next PersistAssembly calls.
// Test hook for the finalizer's failure path.
func (m *Memory) SetPersistErr(err error) {
	m.mu.Lock()
	m.persistErr = err
	m.mu.Unlock()
}

// CreateSession inserts a pending session plus pending item rows.
func (m *Memory) CreateSession(_ context.Context, s NewSession) (SyncSession, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	session := SyncSession{
		ID:         id,
		SyncType:   s.Type,
		Status:     SessionPending,
		TotalItems: len(s.ItemIDs),
		JobID:      s.JobID,
		UserID:     s.UserID,
		CreatedAt:  now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[id]; exists {
		return SyncSession{}, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = &session
	rows := make(map[int64]*SyncSessionItem, len(s.ItemIDs))
	for _, ext := range s.ItemIDs {
		if _, dup := rows[ext]; dup {
			continue // exactly one row per (session, external id)
		}
		rows[ext] = &SyncSessionItem{
			ID:             uuid.NewString(),
			SyncSessionID:  id,
			ItemExternalID: ext,
			Status:         ItemPending,
			UpdatedAt:      now,
		}
	}
	m.items[id] = rows
	session.TotalItems = len(rows)
	return session, nil
}

// GetSession returns a snapshot of the session row.
func (m *Memory) GetSession(_ context.Context, id string) (SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return SyncSession{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return *s, nil
}

// ListSessions returns the user's sessions, newest first.
func (m *Memory) ListSessions(_ context.Context, userID string) ([]SyncSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SyncSession
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListItems returns the session's item rows ordered by external ID.
func (m *Memory) ListItems(_ context.Context, sessionID string) ([]SyncSessionItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.items[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	out := make([]SyncSessionItem, 0, len(rows))
	for _, it := range rows {
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemExternalID < out[j].ItemExternalID })
	return out, nil
}

// MarkProcessing moves a pending session to processing.
func (m *Memory) MarkProcessing(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrInvalidTransition)
	}
	s.Status = SessionProcessing
	return nil
}

// RecordScrapeOutcomes applies the scraper's scraped/failed partition.
func (m *Memory) RecordScrapeOutcomes(_ context.Context, sessionID string, scraped []int64, failed map[int64]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.items[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	now := time.Now().UTC()
	for _, ext := range scraped {
		it, ok := rows[ext]
		if !ok {
			continue
		}
		if it.Status != ItemPending {
			it.RetryCount++
		}
		it.Status = ItemScraped
		it.ErrorReason = ""
		it.UpdatedAt = now
	}
	for ext, reason := range failed {
		it, ok := rows[ext]
		if !ok {
			continue
		}
		if it.Status != ItemPending {
			it.RetryCount++
		}
		it.Status = ItemFailed
		it.ErrorReason = reason
		it.UpdatedAt = now
	}
	return nil
}

// DemoteScrapedItems moves the given scraped items back to failed.
func (m *Memory) DemoteScrapedItems(_ context.Context, sessionID string, ids []int64, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.items[sessionID]
	if !ok {
		return 0, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	now := time.Now().UTC()
	demoted := 0
	for _, ext := range ids {
		it, ok := rows[ext]
		if !ok || it.Status != ItemScraped {
			continue
		}
		it.Status = ItemFailed
		it.ErrorReason = reason
		it.UpdatedAt = now
		demoted++
	}
	return demoted, nil
}

// FailedItemIDs lists external IDs of failed items in ascending order.
func (m *Memory) FailedItemIDs(_ context.Context, sessionID string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows, ok := m.items[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	var out []int64
	for _, it := range rows {
		if it.Status == ItemFailed {
			out = append(out, it.ItemExternalID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CompleteSession resolves and stamps the terminal status.
func (m *Memory) CompleteSession(_ context.Context, sessionID string, successCount, failCount int, message string) (SyncSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return SyncSession{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if successCount+failCount > s.TotalItems {
		return SyncSession{}, fmt.Errorf("session %s: counts %d+%d exceed total %d", sessionID, successCount, failCount, s.TotalItems)
	}
	now := time.Now().UTC()
	s.Status = ResolveStatus(successCount, failCount, s.TotalItems)
	s.SuccessCount = successCount
	s.FailCount = failCount
	s.StatusMessage = message
	s.CompletedAt = &now
	return *s, nil
}

// FailSession marks the session failed immediately.
func (m *Memory) FailSession(_ context.Context, sessionID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	now := time.Now().UTC()
	s.Status = SessionFailed
	s.StatusMessage = message
	s.CompletedAt = &now
	return nil
}

// MarkRetrying reopens a failed/partial session for a fresh job.
func (m *Memory) MarkRetrying(_ context.Context, sessionID, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Status != SessionFailed && s.Status != SessionPartial {
		return fmt.Errorf("session %s is %s: %w", sessionID, s.Status, ErrInvalidTransition)
	}
	s.Status = SessionPending
	s.JobID = jobID
	s.CompletedAt = nil
	return nil
}

// PersistAssembly writes all assembled entities and the caller rows under a
// single lock; on an injected error nothing is written (transaction
// semantics mirror the postgres backend).
func (m *Memory) PersistAssembly(_ context.Context, batch assemble.Entities, sc SessionContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}

	itemIDs := make(map[int64]int64, len(batch.Items)) // external → internal
	for _, it := range batch.Items {
		row, ok := m.itemRows[it.ExternalID]
		if !ok {
			m.nextItemID++
			row = memItem{InternalID: m.nextItemID}
		}
		row.Item = it
		m.itemRows[it.ExternalID] = row
		itemIDs[it.ExternalID] = row.InternalID
	}

	entryIDs := make(map[string]int64, len(batch.Entries))
	for _, e := range batch.Entries {
		key := fmt.Sprintf("%s:%d", e.Category, e.ExternalID)
		row, ok := m.entryRows[key]
		if !ok {
			m.nextEntryID++
			row = memEntry{InternalID: m.nextEntryID}
		}
		row.Entry = e
		m.entryRows[key] = row
		entryIDs[key] = row.InternalID
	}

	for _, rel := range batch.Releases {
		if _, ok := itemIDs[rel.ItemExternalID]; !ok {
			continue // unresolved reference, dropped
		}
		m.releaseRows[rel.ID] = rel
	}
	for _, link := range batch.Links {
		entryKey := fmt.Sprintf("%s:%d", link.EntryCategory, link.EntryExternalID)
		if _, ok := entryIDs[entryKey]; !ok {
			continue
		}
		if _, ok := itemIDs[link.ItemExternalID]; !ok {
			continue
		}
		linkKey := fmt.Sprintf("%s:%d:%s", entryKey, link.ItemExternalID, link.Role)
		m.linkRows[linkKey] = link
	}

	switch {
	case sc.Type == SyncTypeOrder && sc.Order == nil:
		// Retry job for an order whose header was never committed; the
		// catalog rows above still land, caller rows are skipped.
	case sc.Type == SyncTypeOrder:
		order := m.orders[sc.Order.OrderID]
		prev := order.OrderDetails
		order.OrderDetails = *sc.Order
		// Empty incoming header fields keep their previous values so a
		// details-less retry does not wipe the order header.
		if order.Title == "" {
			order.Title = prev.Title
		}
		if order.Shop == "" {
			order.Shop = prev.Shop
		}
		if order.OrderDate == "" {
			order.OrderDate = prev.OrderDate
		}
		// Upsert per (order, item) like the postgres backend; rows from
		// earlier runs of the same order survive a retry batch.
		items := m.orderItems[sc.Order.OrderID]
		for _, it := range batch.Items {
			latest := batch.LatestByExternalID[it.ExternalID]
			internalID := itemIDs[it.ExternalID]
			found := false
			for i := range items {
				if items[i].ItemInternalID == internalID {
					items[i].ReleaseID = latest.ReleaseID
					found = true
					break
				}
			}
			if !found {
				items = append(items, memOrderItem{
					OrderID:        sc.Order.OrderID,
					ItemInternalID: internalID,
					ReleaseID:      latest.ReleaseID,
				})
			}
			if assemble.LaterDate(latest.Date, order.LatestReleaseDate) {
				order.LatestReleaseDate = latest.Date
			}
		}
		m.orders[sc.Order.OrderID] = order
		m.orderItems[sc.Order.OrderID] = items
		if s, ok := m.sessions[sc.SessionID]; ok {
			s.OrderID = sc.Order.OrderID
		}
	default:
		now := time.Now().UTC()
		for _, it := range batch.Items {
			latest := batch.LatestByExternalID[it.ExternalID]
			key := fmt.Sprintf("%s:%d", sc.UserID, it.ExternalID)
			row, exists := m.collection[key]
			if !exists {
				row = memCollectionItem{UserID: sc.UserID, ItemInternalID: itemIDs[it.ExternalID], AddedAt: now}
			}
			row.ReleaseID = latest.ReleaseID
			m.collection[key] = row
		}
	}
	return nil
}

// CatalogCounts reports table sizes for assertions in tests.
func (m *Memory) CatalogCounts() (items, entries, links, releases int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.itemRows), len(m.entryRows), len(m.linkRows), len(m.releaseRows)
}

// CollectionSize reports the user's collection row count. Test helper.
func (m *Memory) CollectionSize(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, row := range m.collection {
		if row.UserID == userID {
			n++
		}
	}
	return n
}

// Order returns the stored order header. Test helper.
func (m *Memory) Order(orderID string) (OrderDetails, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	return o.OrderDetails, o.LatestReleaseDate, ok
}

// OrderItemCount reports the order's item row count. Test helper.
func (m *Memory) OrderItemCount(orderID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orderItems[orderID])
}
