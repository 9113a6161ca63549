package calllog

import (
	"context"
	"sync"

	"github.com/ent0n29/voicerelay/internal/session"
)

// InMemory keeps the most recent calls in a ring for local/dev use.
type InMemory struct {
	mu      sync.RWMutex
	limit   int
	records []session.CallMetrics
}

func NewInMemory(limit int) *InMemory {
	if limit <= 0 {
		limit = 500
	}
	return &InMemory{limit: limit}
}

func (s *InMemory) LogCall(_ context.Context, m session.CallMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, m)
	if over := len(s.records) - s.limit; over > 0 {
		s.records = append(s.records[:0], s.records[over:]...)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *InMemory) Recent(_ context.Context, limit int) ([]session.CallMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]session.CallMetrics, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *InMemory) Close() error { return nil }
