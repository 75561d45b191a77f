package airdrop

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests, and the
// fallback when redis is not configured.
type MemoryStore struct {
	mu     sync.Mutex
	energy map[int64]energyState
	taps   map[string]int
}

type energyState struct {
	energy    int
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		energy: make(map[int64]energyState),
		taps:   make(map[string]int),
	}
}

func (s *MemoryStore) EnergyState(_ context.Context, userID int64) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.energy[userID]
	if !ok {
		return 0, time.Time{}, ErrNoState
	}
	return st.energy, st.updatedAt, nil
}

func (s *MemoryStore) SetEnergyState(_ context.Context, userID int64, energy int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.energy[userID] = energyState{energy: energy, updatedAt: at}
	return nil
}

func (s *MemoryStore) AddTaps(_ context.Context, userID int64, day string, n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tapKey(userID, day)
	s.taps[key] += n
	return s.taps[key], nil
}

func (s *MemoryStore) TapsToday(_ context.Context, userID int64, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taps[tapKey(userID, day)], nil
}
