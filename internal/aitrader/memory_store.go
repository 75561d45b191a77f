package aitrader

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]*Position)}
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return clonePosition(p), nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return ErrPositionNotFound
	}
	s.positions[p.ID] = clonePosition(p)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID int64, status string, limit int) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, clonePosition(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) OpenPositionCount(_ context.Context, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == PositionOpen {
			n++
		}
	}
	return n, nil
}

func clonePosition(p *Position) *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}
