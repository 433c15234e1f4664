package installs

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryRegistry struct {
	mu    sync.Mutex
	items map[string]Record
	Now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{items: map[string]Record{}, Now: time.Now}
}

func (m *MemoryRegistry) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

func (m *MemoryRegistry) Upsert(ctx context.Context, installID string, u Update) (Record, error) {
	installID, err := NormalizeID(installID)
	if err != nil {
		return Record{}, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.items[installID]
	if !ok {
		rec = Record{InstallID: installID, FirstSeen: now}
	}
	u.Merge(&rec)
	rec.LastSeen = now
	m.items[installID] = rec
	return rec, nil
}

func (m *MemoryRegistry) List(ctx context.Context, limit int) ([]Record, error) {
	limit = ClampLimit(limit)
	m.mu.Lock()
	out := make([]Record, 0, len(m.items))
	for _, rec := range m.items {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].InstallID < out[j].InstallID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
