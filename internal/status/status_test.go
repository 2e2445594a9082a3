package status

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	if got := Key("abc"); got != "job:abc:status" {
		t.Fatalf("Key = %q", got)
	}
}

func TestMemoryPublishGet(t *testing.T) {
	b := NewMemory(8, time.Minute)
	ctx := context.Background()

	if err := b.Publish(ctx, "job-1", Progress("Syncing... 2/5")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	st, ok, err := b.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("status missing")
	}
	if st.Status != "Syncing... 2/5" || st.Finished {
		t.Fatalf("status = %+v", st)
	}
	if st.TerminalState != nil {
		t.Fatalf("in-flight status has terminal state %q", *st.TerminalState)
	}
	if st.CreatedAt.IsZero() {
		t.Fatalf("publish did not stamp createdAt")
	}
}

func TestMemoryTerminalOverwrite(t *testing.T) {
	b := NewMemory(8, time.Minute)
	ctx := context.Background()

	if err := b.Publish(ctx, "job-1", Progress("Syncing... 5/5")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "job-1", Finished("synced 5 of 5 items", TerminalSuccess)); err != nil {
		t.Fatalf("Publish terminal: %v", err)
	}
	st, ok, err := b.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Get: %v %v", ok, err)
	}
	if !st.Finished || st.TerminalState == nil || *st.TerminalState != TerminalSuccess {
		t.Fatalf("terminal status = %+v", st)
	}
}

func TestMemoryMissingJob(t *testing.T) {
	b := NewMemory(8, time.Minute)
	if _, ok, err := b.Get(context.Background(), "nope"); err != nil || ok {
		t.Fatalf("Get missing = %v, %v", ok, err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	b := NewMemory(8, 10*time.Millisecond)
	ctx := context.Background()
	if err := b.Publish(ctx, "job-1", Progress("Syncing... 0/1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := b.Get(ctx, "job-1"); ok {
		t.Fatalf("expired status still readable")
	}
}

func TestWireFormat(t *testing.T) {
	raw, err := json.Marshal(Progress("Syncing... 1/3"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"status", "finished", "createdAt", "terminalState"} {
		if _, ok := m[field]; !ok {
			t.Fatalf("wire format missing %q: %s", field, raw)
		}
	}
	if m["terminalState"] != nil {
		t.Fatalf("terminalState = %v, want null before finish", m["terminalState"])
	}
}
