package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process Broadcaster backed by a TTL-expiring LRU cache.
// Entries are stored as their JSON wire form so that what tests and the
// embedded deployment observe matches what an external cache would carry.
type Memory struct {
	cache *expirable.LRU[string, []byte]
}

var _ Broadcaster = (*Memory)(nil)

// NewMemory constructs a Memory broadcaster. Entries expire after ttl and
// the cache holds at most size entries, evicting least recently used.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *Memory) Publish(_ context.Context, jobID string, st JobStatus) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.cache.Add(Key(jobID), raw)
	return nil
}

func (m *Memory) Get(_ context.Context, jobID string) (JobStatus, bool, error) {
	raw, ok := m.cache.Get(Key(jobID))
	if !ok {
		return JobStatus{}, false, nil
	}
	var st JobStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return JobStatus{}, false, err
	}
	return st, true, nil
}
