package lottery

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	rounds  map[string]*Round
	tickets map[string][]*Ticket // roundID -> tickets in purchase order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[string]*Round),
		tickets: make(map[string][]*Ticket),
	}
}

func (s *MemoryStore) CreateRound(_ context.Context, r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return nil, ErrRoundNotFound
	}
	return cloneRound(r), nil
}

func (s *MemoryStore) OpenRound(_ context.Context) (*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rounds {
		if r.Status == RoundOpen {
			return cloneRound(r), nil
		}
	}
	return nil, ErrNoOpenRound
}

func (s *MemoryStore) UpdateRound(_ context.Context, r *Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[r.ID]; !ok {
		return ErrRoundNotFound
	}
	s.rounds[r.ID] = cloneRound(r)
	return nil
}

func (s *MemoryStore) ListRounds(_ context.Context, limit int) ([]*Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Round, 0, len(s.rounds))
	for _, r := range s.rounds {
		out = append(out, cloneRound(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpensAt.After(out[j].OpensAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AddTickets(_ context.Context, tickets []*Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tickets {
		c := *t
		s.tickets[t.RoundID] = append(s.tickets[t.RoundID], &c)
	}
	return nil
}

func (s *MemoryStore) TicketsByRound(_ context.Context, roundID string) ([]*Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.tickets[roundID]
	out := make([]*Ticket, len(list))
	for i, t := range list {
		c := *t
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) UserTicketCount(_ context.Context, roundID string, userID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tickets[roundID] {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func cloneRound(r *Round) *Round {
	c := *r
	if r.DrawnAt != nil {
		t := *r.DrawnAt
		c.DrawnAt = &t
	}
	if r.WinnerUserID != nil {
		u := *r.WinnerUserID
		c.WinnerUserID = &u
	}
	return &c
}
