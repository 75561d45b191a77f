package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[int64]*memBalance
	entries  []*Entry
	released map[string]bool // idempotency keys already applied
}

type memBalance struct {
	available *big.Int
	pending   *big.Int
	totalIn   *big.Int
	totalOut  *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[int64]*memBalance),
		released: make(map[string]bool),
	}
}

func (m *MemoryStore) balance(userID int64) *memBalance {
	b, ok := m.balances[userID]
	if !ok {
		b = &memBalance{
			available: big.NewInt(0),
			pending:   big.NewInt(0),
			totalIn:   big.NewInt(0),
			totalOut:  big.NewInt(0),
			updatedAt: time.Now(),
		}
		m.balances[userID] = b
	}
	return b
}

func (m *MemoryStore) record(userID int64, entryType, amount, reference, description string) {
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("led_"),
		UserID:      userID,
		Type:        entryType,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(userID)
	return &Balance{
		UserID:    userID,
		Available: money.Format(b.available),
		Pending:   money.Format(b.pending),
		TotalIn:   money.Format(b.totalIn),
		TotalOut:  money.Format(b.totalOut),
		UpdatedAt: b.updatedAt,
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID int64, amount, reference, description string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(userID)
	b.available.Add(b.available, v)
	b.totalIn.Add(b.totalIn, v)
	b.updatedAt = time.Now()
	m.record(userID, EntryCredit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID int64, amount, reference, description string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(userID)
	if b.available.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	b.available.Sub(b.available, v)
	b.totalOut.Add(b.totalOut, v)
	b.updatedAt = time.Now()
	m.record(userID, EntryDebit, amount, reference, description)
	return nil
}

func (m *MemoryStore) Hold(ctx context.Context, userID int64, amount, reference string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(userID)
	if b.available.Cmp(v) < 0 {
		return ErrInsufficientBalance
	}
	b.available.Sub(b.available, v)
	b.pending.Add(b.pending, v)
	b.updatedAt = time.Now()
	m.record(userID, EntryHold, amount, reference, "withdrawal hold")
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, userID int64, amount, idempotencyKey string) (bool, error) {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return false, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released[idempotencyKey] {
		return false, nil
	}

	b := m.balance(userID)
	if b.pending.Cmp(v) < 0 {
		return false, ErrNoSuchHold
	}
	b.pending.Sub(b.pending, v)
	b.totalOut.Add(b.totalOut, v)
	b.updatedAt = time.Now()
	m.released[idempotencyKey] = true
	m.record(userID, EntryRelease, amount, idempotencyKey, "verified withdrawal")
	return true, nil
}

func (m *MemoryStore) RefundHold(ctx context.Context, userID int64, amount, reference string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balance(userID)
	if b.pending.Cmp(v) < 0 {
		return ErrNoSuchHold
	}
	b.pending.Sub(b.pending, v)
	b.available.Add(b.available, v)
	b.updatedAt = time.Now()
	m.record(userID, EntryRefund, amount, reference, "hold refunded")
	return nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}
