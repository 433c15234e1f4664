package settings

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps settings in process memory. One lock serialises every
// read-modify-write so readers never see a half-applied update.
type MemoryStore struct {
	mu       sync.RWMutex
	settings Settings
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: Defaults()}
}

func (m *MemoryStore) GetAll(ctx context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, p Partial) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.settings.Clone()
	p.Apply(&next)
	m.settings = next
	return next.Clone(), nil
}

func (m *MemoryStore) IsKilled(ctx context.Context, version string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reason, ok := m.settings.KillList[strings.TrimSpace(version)]
	return reason, ok, nil
}

func (m *MemoryStore) Kill(ctx context.Context, version, reason string) (map[string]string, error) {
	version, err := NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := CloneKillList(m.settings.KillList)
	next[version] = reason
	m.settings.KillList = next
	return CloneKillList(next), nil
}

func (m *MemoryStore) Unkill(ctx context.Context, version string) (map[string]string, error) {
	version, err := NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings.KillList[version]; ok {
		next := CloneKillList(m.settings.KillList)
		delete(next, version)
		m.settings.KillList = next
	}
	return CloneKillList(m.settings.KillList), nil
}
