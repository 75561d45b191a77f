package referral

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	codes     map[int64]string    // userID -> code
	owners    map[string]int64    // code -> userID
	referrers map[int64]*Referral // refereeID -> attribution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes:     make(map[int64]string),
		owners:    make(map[string]int64),
		referrers: make(map[int64]*Referral),
	}
}

func (s *MemoryStore) CodeFor(_ context.Context, userID int64) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.codes[userID]
	if !ok {
		return "", ErrCodeNotFound
	}
	return code, nil
}

func (s *MemoryStore) SetCode(_ context.Context, userID int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[userID] = code
	s.owners[code] = userID
	return nil
}

func (s *MemoryStore) OwnerOf(_ context.Context, code string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[code]
	if !ok {
		return 0, ErrCodeNotFound
	}
	return owner, nil
}

func (s *MemoryStore) CreateReferral(_ context.Context, r *Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrers[r.RefereeID]; ok {
		return ErrAlreadyReferred
	}
	c := *r
	s.referrers[r.RefereeID] = &c
	return nil
}

func (s *MemoryStore) ReferrerOf(_ context.Context, refereeID int64) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.referrers[refereeID]
	if !ok {
		return 0, false, nil
	}
	return r.ReferrerID, true, nil
}

func (s *MemoryStore) ReferralCount(_ context.Context, referrerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.referrers {
		if r.ReferrerID == referrerID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListReferrals(_ context.Context, referrerID int64, limit int) ([]*Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Referral
	for _, r := range s.referrers {
		if r.ReferrerID == referrerID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
