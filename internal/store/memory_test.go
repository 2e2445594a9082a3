package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"figsync/internal/assemble"
	"figsync/internal/catalog"
)

func newSession(t *testing.T, m *Memory, typ SyncType, ids []int64) SyncSession {
	t.Helper()
	s, err := m.CreateSession(context.Background(), NewSession{
		ID: "sess-1", JobID: "job-1", UserID: "user-1", Type: typ, ItemIDs: ids,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func TestCreateSessionPendingRows(t *testing.T) {
	m := NewMemory()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2, 3, 2})

	if s.Status != SessionPending {
		t.Fatalf("status = %s, want pending", s.Status)
	}
	if s.TotalItems != 3 {
		t.Fatalf("total = %d, want 3 (duplicate id collapsed)", s.TotalItems)
	}
	items, err := m.ListItems(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("item rows = %d, want 3", len(items))
	}
	for _, it := range items {
		if it.Status != ItemPending {
			t.Fatalf("item %d status = %s, want pending", it.ItemExternalID, it.Status)
		}
	}
}

func TestResolveStatus(t *testing.T) {
	cases := []struct {
		success, fail, total int
		want                 SessionStatus
	}{
		{5, 0, 5, SessionCompleted},
		{3, 2, 5, SessionPartial},
		{0, 5, 5, SessionFailed},
		{0, 0, 0, SessionCompleted},
		{2, 0, 5, SessionPartial},
	}
	for _, tc := range cases {
		if got := ResolveStatus(tc.success, tc.fail, tc.total); got != tc.want {
			t.Fatalf("ResolveStatus(%d, %d, %d) = %s, want %s", tc.success, tc.fail, tc.total, got, tc.want)
		}
	}
}

func TestSessionLifecycleCompleted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2})

	if err := m.MarkProcessing(ctx, s.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := m.RecordScrapeOutcomes(ctx, s.ID, []int64{1, 2}, nil); err != nil {
		t.Fatalf("RecordScrapeOutcomes: %v", err)
	}
	final, err := m.CompleteSession(ctx, s.ID, 2, 0, "done")
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if final.Status != SessionCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.CompletedAt == nil {
		t.Fatalf("terminal session missing completedAt")
	}
	if final.SuccessCount != 2 || final.FailCount != 0 {
		t.Fatalf("counts = %d/%d", final.SuccessCount, final.FailCount)
	}
}

func TestCompleteSessionCountInvariant(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2})
	if err := m.MarkProcessing(ctx, s.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if _, err := m.CompleteSession(ctx, s.ID, 2, 1, "too many"); err == nil {
		t.Fatalf("expected error when success+fail exceeds total")
	}
}

func TestMarkProcessingTerminalSession(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1})
	if err := m.FailSession(ctx, s.ID, "boom"); err != nil {
		t.Fatalf("FailSession: %v", err)
	}
	err := m.MarkProcessing(ctx, s.ID)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRecordScrapeOutcomesPartition(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2, 3})

	err := m.RecordScrapeOutcomes(ctx, s.ID, []int64{1}, map[int64]string{2: "status 404", 3: "timeout"})
	if err != nil {
		t.Fatalf("RecordScrapeOutcomes: %v", err)
	}
	items, _ := m.ListItems(ctx, s.ID)
	byID := make(map[int64]SyncSessionItem)
	for _, it := range items {
		byID[it.ItemExternalID] = it
	}
	if byID[1].Status != ItemScraped || byID[1].ErrorReason != "" {
		t.Fatalf("item 1 = %+v", byID[1])
	}
	if byID[2].Status != ItemFailed || byID[2].ErrorReason != "status 404" {
		t.Fatalf("item 2 = %+v", byID[2])
	}
	if byID[3].Status != ItemFailed || byID[3].ErrorReason != "timeout" {
		t.Fatalf("item 3 = %+v", byID[3])
	}
}

func TestRetryCountBumpedOnReattempt(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1})

	if err := m.RecordScrapeOutcomes(ctx, s.ID, nil, map[int64]string{1: "timeout"}); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	if err := m.RecordScrapeOutcomes(ctx, s.ID, []int64{1}, nil); err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	items, _ := m.ListItems(ctx, s.ID)
	if items[0].RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", items[0].RetryCount)
	}
	if items[0].Status != ItemScraped || items[0].ErrorReason != "" {
		t.Fatalf("item = %+v, want scraped with cleared reason", items[0])
	}
}

func TestDemoteScrapedItems(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2, 3, 4})
	if err := m.RecordScrapeOutcomes(ctx, s.ID, []int64{1, 2, 4}, map[int64]string{3: "timeout"}); err != nil {
		t.Fatalf("RecordScrapeOutcomes: %v", err)
	}

	// Demotion is scoped to the IDs the failing run scraped; item 4 stands in
	// for a row committed by an earlier run.
	n, err := m.DemoteScrapedItems(ctx, s.ID, []int64{1, 2}, "persistence failed")
	if err != nil {
		t.Fatalf("DemoteScrapedItems: %v", err)
	}
	if n != 2 {
		t.Fatalf("demoted = %d, want 2", n)
	}
	failed, err := m.FailedItemIDs(ctx, s.ID)
	if err != nil {
		t.Fatalf("FailedItemIDs: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("failed ids = %v, want [1 2 3]", failed)
	}
	items, _ := m.ListItems(ctx, s.ID)
	for _, it := range items {
		switch it.ItemExternalID {
		case 1, 2:
			if it.Status != ItemFailed || it.ErrorReason != "persistence failed" {
				t.Fatalf("item %d = %s %q, want failed with demotion reason", it.ItemExternalID, it.Status, it.ErrorReason)
			}
		case 3:
			// The originally failed item keeps its own reason.
			if it.ErrorReason != "timeout" {
				t.Fatalf("item 3 reason = %q, want timeout", it.ErrorReason)
			}
		case 4:
			if it.Status != ItemScraped {
				t.Fatalf("item 4 status = %s, want scraped untouched", it.Status)
			}
		}
	}
}

func TestMarkRetrying(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCSV, []int64{1, 2})

	// Retrying a non-terminal session is rejected.
	if err := m.MarkRetrying(ctx, s.ID, "job-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	if err := m.RecordScrapeOutcomes(ctx, s.ID, []int64{1}, map[int64]string{2: "x"}); err != nil {
		t.Fatalf("RecordScrapeOutcomes: %v", err)
	}
	if _, err := m.CompleteSession(ctx, s.ID, 1, 1, "partial"); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if err := m.MarkRetrying(ctx, s.ID, "job-2"); err != nil {
		t.Fatalf("MarkRetrying: %v", err)
	}
	got, _ := m.GetSession(ctx, s.ID)
	if got.Status != SessionPending || got.JobID != "job-2" || got.CompletedAt != nil {
		t.Fatalf("session after retry = %+v", got)
	}
}

func sampleBatch(itemIDs ...int64) assemble.Entities {
	var records []catalog.Record
	for _, id := range itemIDs {
		records = append(records, catalog.Record{
			ExternalID: id,
			Title:      fmt.Sprintf("Item %d", id),
			Category:   catalog.CategoryFigures,
			Characters: []catalog.EntityRef{{ExternalID: 9, Name: "Hatsune Miku"}},
			Releases:   []catalog.Release{{Date: "2021-11", Type: "Standard", Price: 17600, Currency: "JPY"}},
		})
	}
	return assemble.Assemble(records)
}

func TestPersistAssemblyCollection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCollection, []int64{1, 2})

	sc := SessionContext{SessionID: s.ID, UserID: "user-1", Type: SyncTypeCollection}
	if err := m.PersistAssembly(ctx, sampleBatch(1, 2), sc); err != nil {
		t.Fatalf("PersistAssembly: %v", err)
	}
	items, entries, links, releases := m.CatalogCounts()
	if items != 2 || entries != 1 || links != 2 || releases != 2 {
		t.Fatalf("counts = %d/%d/%d/%d", items, entries, links, releases)
	}
	if n := m.CollectionSize("user-1"); n != 2 {
		t.Fatalf("collection size = %d, want 2", n)
	}

	// Re-persisting the same batch is a no-op upsert, not duplication.
	if err := m.PersistAssembly(ctx, sampleBatch(1, 2), sc); err != nil {
		t.Fatalf("re-persist: %v", err)
	}
	items, entries, links, releases = m.CatalogCounts()
	if items != 2 || entries != 1 || links != 2 || releases != 2 {
		t.Fatalf("counts after re-persist = %d/%d/%d/%d", items, entries, links, releases)
	}
	if n := m.CollectionSize("user-1"); n != 2 {
		t.Fatalf("collection size after re-persist = %d", n)
	}
}

func TestPersistAssemblyOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeOrder, []int64{1})

	sc := SessionContext{
		SessionID: s.ID, UserID: "user-1", Type: SyncTypeOrder,
		Order: &OrderDetails{OrderID: "ord-7", Title: "November order", Shop: "AmiAmi", OrderDate: "2021-10-02"},
	}
	if err := m.PersistAssembly(ctx, sampleBatch(1), sc); err != nil {
		t.Fatalf("PersistAssembly: %v", err)
	}
	details, latest, ok := m.Order("ord-7")
	if !ok {
		t.Fatalf("order row missing")
	}
	if details.Shop != "AmiAmi" {
		t.Fatalf("details = %+v", details)
	}
	if latest != "2021-11-01" {
		t.Fatalf("latest release date = %q, want 2021-11-01", latest)
	}
	got, _ := m.GetSession(ctx, s.ID)
	if got.OrderID != "ord-7" {
		t.Fatalf("session order id = %q", got.OrderID)
	}
}

func TestPersistAssemblyOrderHeaderSurvivesDetailLessRetry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeOrder, []int64{1, 2})

	full := SessionContext{
		SessionID: s.ID, UserID: "user-1", Type: SyncTypeOrder,
		Order: &OrderDetails{OrderID: "ord-7", Title: "November order", Shop: "AmiAmi", OrderDate: "2021-10-02"},
	}
	if err := m.PersistAssembly(ctx, sampleBatch(1), full); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	// Retry jobs carry only the order id.
	sparse := SessionContext{
		SessionID: s.ID, UserID: "user-1", Type: SyncTypeOrder,
		Order: &OrderDetails{OrderID: "ord-7"},
	}
	if err := m.PersistAssembly(ctx, sampleBatch(2), sparse); err != nil {
		t.Fatalf("retry persist: %v", err)
	}
	details, _, ok := m.Order("ord-7")
	if !ok {
		t.Fatalf("order row missing")
	}
	if details.Title != "November order" || details.Shop != "AmiAmi" {
		t.Fatalf("header wiped by retry: %+v", details)
	}
	// The first run's order item survives alongside the retry's.
	if n := m.OrderItemCount("ord-7"); n != 2 {
		t.Fatalf("order items = %d, want 2", n)
	}
	// Re-persisting the same item upserts instead of duplicating.
	if err := m.PersistAssembly(ctx, sampleBatch(2), sparse); err != nil {
		t.Fatalf("re-persist: %v", err)
	}
	if n := m.OrderItemCount("ord-7"); n != 2 {
		t.Fatalf("order items after re-persist = %d, want 2", n)
	}
}

func TestPersistAssemblyRollsBackOnError(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	s := newSession(t, m, SyncTypeCollection, []int64{1})

	m.SetPersistErr(errors.New("deadlock detected"))
	sc := SessionContext{SessionID: s.ID, UserID: "user-1", Type: SyncTypeCollection}
	if err := m.PersistAssembly(ctx, sampleBatch(1), sc); err == nil {
		t.Fatalf("expected injected persistence error")
	}
	items, entries, links, releases := m.CatalogCounts()
	if items+entries+links+releases != 0 {
		t.Fatalf("failed transaction left rows behind: %d/%d/%d/%d", items, entries, links, releases)
	}
	if n := m.CollectionSize("user-1"); n != 0 {
		t.Fatalf("collection size = %d after rollback", n)
	}
}
