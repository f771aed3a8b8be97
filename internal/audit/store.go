package audit

import (
	"context"
	"sort"
	"sync"
)

// Store persists audit entries. There is deliberately no update or delete.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	// Query returns matching entries most-recent-first.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	failErr error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetFailure makes every Insert fail with err until cleared with nil.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

func (m *MemoryStore) Insert(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	e.Parameters = Sanitize(e.Parameters)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	var out []Entry
	for _, e := range m.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
