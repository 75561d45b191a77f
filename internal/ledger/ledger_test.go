package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestCreditAndBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	if err := l.Credit(ctx, 1, "10.50", "tap_batch", "mining reward"); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	bal, err := l.GetBalance(ctx, 1)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal.Available != "10.500000" {
		t.Errorf("available = %s, want 10.500000", bal.Available)
	}
	if bal.TotalIn != "10.500000" {
		t.Errorf("totalIn = %s, want 10.500000", bal.TotalIn)
	}
}

func TestCredit_RejectsBadAmounts(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	for _, bad := range []string{"0", "-5", "abc"} {
		if err := l.Credit(ctx, 1, bad, "", ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Credit(%q) = %v, want ErrInvalidAmount", bad, err)
		}
	}
}

func TestDebit_InsufficientBalance(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Credit(ctx, 1, "5", "", "")
	if err := l.Debit(ctx, 1, "10", "lot_1", "ticket"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("Debit = %v, want ErrInsufficientBalance", err)
	}
}

func TestHoldReleaseFlow(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Credit(ctx, 1, "200", "", "")
	if err := l.HoldPending(ctx, 1, "125.50", "vr_abc"); err != nil {
		t.Fatalf("HoldPending failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Available != "74.500000" || bal.Pending != "125.500000" {
		t.Fatalf("after hold: available=%s pending=%s", bal.Available, bal.Pending)
	}

	if err := l.ReleasePending(ctx, 1, "125.50", "vr_abc"); err != nil {
		t.Fatalf("ReleasePending failed: %v", err)
	}
	bal, _ = l.GetBalance(ctx, 1)
	if bal.Pending != "0.000000" {
		t.Errorf("after release: pending=%s, want 0", bal.Pending)
	}
	if bal.TotalOut != "125.500000" {
		t.Errorf("after release: totalOut=%s, want 125.500000", bal.TotalOut)
	}
}

func TestRelease_IdempotentPerKey(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)
	ctx := context.Background()

	_ = l.Credit(ctx, 1, "300", "", "")
	_ = l.HoldPending(ctx, 1, "100", "vr_a")
	_ = l.HoldPending(ctx, 1, "100", "vr_b")

	if err := l.ReleasePending(ctx, 1, "100", "vr_a"); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	// Second release with same key is a silent no-op.
	if err := l.ReleasePending(ctx, 1, "100", "vr_a"); err != nil {
		t.Fatalf("second release errored: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Pending != "100.000000" {
		t.Errorf("pending = %s, want 100.000000 (second release must not apply)", bal.Pending)
	}
	if bal.TotalOut != "100.000000" {
		t.Errorf("totalOut = %s, want 100.000000", bal.TotalOut)
	}
}

func TestRefundHold(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Credit(ctx, 1, "50", "", "")
	_ = l.HoldPending(ctx, 1, "50", "vr_x")
	if err := l.RefundPending(ctx, 1, "50", "vr_x"); err != nil {
		t.Fatalf("RefundPending failed: %v", err)
	}

	bal, _ := l.GetBalance(ctx, 1)
	if bal.Available != "50.000000" || bal.Pending != "0.000000" {
		t.Errorf("after refund: available=%s pending=%s", bal.Available, bal.Pending)
	}

	if err := l.RefundPending(ctx, 1, "50", "vr_x"); !errors.Is(err, ErrNoSuchHold) {
		t.Errorf("refund without hold = %v, want ErrNoSuchHold", err)
	}
}

func TestHistory(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()

	_ = l.Credit(ctx, 1, "10", "a", "")
	_ = l.Credit(ctx, 1, "20", "b", "")
	_ = l.Credit(ctx, 2, "30", "c", "")

	entries, err := l.History(ctx, 1, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for user 1, got %d", len(entries))
	}
	// Newest first
	if entries[0].Reference != "b" {
		t.Errorf("expected newest entry first, got %s", entries[0].Reference)
	}
}
