package verification

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. All reads
// and writes deep-copy so callers can never mutate stored state outside
// the compare-and-set path.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	audits   map[string][]*AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		audits:   make(map[string][]*AuditEntry),
	}
}

func (s *MemoryStore) Create(_ context.Context, req *Request, audit *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return ErrConflict
	}
	s.requests[req.ID] = req.Clone()
	if audit != nil {
		s.appendAudit(audit)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) UpdateCAS(_ context.Context, req *Request, audit ...*AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != req.Version {
		return ErrConflict
	}
	req.Version++
	s.requests[req.ID] = req.Clone()
	for _, a := range audit {
		if a != nil {
			s.appendAudit(a)
		}
	}
	return nil
}

func (s *MemoryStore) FindActive(_ context.Context, userID int64, purpose Purpose, walletAddress string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.UserID == userID && req.Purpose == purpose &&
			req.WalletAddress == walletAddress && req.Status.active() {
			return req.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.UserID == userID {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListExpiredBefore(_ context.Context, cutoff time.Time, limit int) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.Status.active() && req.ExpiresAt != nil && req.ExpiresAt.Before(cutoff) {
			out = append(out, req.Clone())
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AuditTrail(_ context.Context, requestID string, limit int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.audits[requestID]
	out := make([]*AuditEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ApprovedCount(_ context.Context, walletAddress string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, req := range s.requests {
		if req.WalletAddress == walletAddress && req.Status == StatusApproved {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) AttemptsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, req := range s.requests {
		if req.UserID == userID && req.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// appendAudit must be called with the write lock held.
func (s *MemoryStore) appendAudit(a *AuditEntry) {
	cp := *a
	s.audits[a.RequestID] = append(s.audits[a.RequestID], &cp)
}
