package scheduler

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is the default in-process queue store.
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) NextSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++

	return m.seq, nil
}

func (m *MemoryStore) Put(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[entry.RunID] = entry

	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[runID]

	return entry, ok, nil
}

func (m *MemoryStore) Remove(_ context.Context, runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.entries[runID]
	delete(m.entries, runID)

	return ok, nil
}

func (m *MemoryStore) List(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		list = append(list, e)
	}

	slices.SortFunc(list, less)

	return list, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
