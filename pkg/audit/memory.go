package audit

import (
	"context"
	"sync"
)

type MemorySink struct {
	mu       sync.Mutex
	records  []Record
	HashSalt []byte
	Redact   bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, rec Record) error {
	if m.Redact {
		rec = RedactRecord(rec, m.HashSalt)
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) List(ctx context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		return []Record{}, nil
	}
	out := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.records[i])
	}
	return out, nil
}
