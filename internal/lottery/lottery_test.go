package lottery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ghidar/ghidar-backend/internal/money"
)

type fakeFunds struct {
	mu       sync.Mutex
	balances map[int64]int64 // micro-USDT for easy assertions
	debits   int
	credits  int
	debitErr error
}

func newFakeFunds() *fakeFunds {
	return &fakeFunds{balances: map[int64]int64{}}
}

func (f *fakeFunds) Debit(_ context.Context, userID int64, amount, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return f.debitErr
	}
	f.debits++
	f.balances[userID] -= microUSDT(amount)
	return nil
}

func (f *fakeFunds) Credit(_ context.Context, userID int64, amount, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credits++
	f.balances[userID] += microUSDT(amount)
	return nil
}

func microUSDT(s string) int64 {
	v, ok := money.Parse(s)
	if !ok {
		return 0
	}
	return v.Int64()
}

type captureNotifier struct {
	mu    sync.Mutex
	kinds []string
	users []int64
}

func (n *captureNotifier) Notify(_ context.Context, userID int64, kind, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, kind)
	n.users = append(n.users, userID)
}

func testService(t *testing.T) (*Service, *fakeFunds, func(d time.Duration)) {
	t.Helper()
	funds := newFakeFunds()
	svc := NewService(NewMemoryStore(), funds, Config{
		TicketPrice:       "0.500000",
		PrizeShareBps:     8000,
		RoundDuration:     time.Hour,
		MaxTicketsPerUser: 10,
	})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	advance := func(d time.Duration) { now = now.Add(d) }
	return svc, funds, advance
}

func TestCurrentRoundOpensLazily(t *testing.T) {
	svc, _, _ := testService(t)

	round, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if round.Status != RoundOpen {
		t.Fatalf("expected open round, got %s", round.Status)
	}
	if round.TicketPrice != "0.500000" {
		t.Fatalf("unexpected ticket price %s", round.TicketPrice)
	}

	again, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if again.ID != round.ID {
		t.Fatal("second call opened a duplicate round")
	}
}

func TestBuyTicketsDebitsAndFundsPool(t *testing.T) {
	svc, funds, _ := testService(t)

	round, tickets, err := svc.BuyTickets(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	if len(tickets) != 4 {
		t.Fatalf("expected 4 tickets, got %d", len(tickets))
	}
	// 4 x 0.50 = 2.00 debited; 80% of it funds the pool.
	if got := funds.balances[1]; got != -2_000_000 {
		t.Fatalf("expected -2.000000 balance delta, got %d", got)
	}
	if round.PrizePool != "1.600000" {
		t.Fatalf("expected 1.600000 pool, got %s", round.PrizePool)
	}
	if round.TicketCount != 4 {
		t.Fatalf("expected 4 tickets counted, got %d", round.TicketCount)
	}
}

func TestBuyTicketsValidation(t *testing.T) {
	svc, _, _ := testService(t)

	for _, count := range []int{0, -1, 101} {
		if _, _, err := svc.BuyTickets(context.Background(), 1, count); !errors.Is(err, ErrInvalidTicketCount) {
			t.Fatalf("count %d: expected ErrInvalidTicketCount, got %v", count, err)
		}
	}
}

func TestPerUserTicketLimit(t *testing.T) {
	svc, _, _ := testService(t)

	if _, _, err := svc.BuyTickets(context.Background(), 1, 10); err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	if _, _, err := svc.BuyTickets(context.Background(), 1, 1); !errors.Is(err, ErrTicketLimit) {
		t.Fatalf("expected ErrTicketLimit, got %v", err)
	}
	// Other users still have their own budget.
	if _, _, err := svc.BuyTickets(context.Background(), 2, 10); err != nil {
		t.Fatalf("BuyTickets user 2: %v", err)
	}
}

func TestDebitFailureBuysNothing(t *testing.T) {
	svc, funds, _ := testService(t)
	funds.debitErr = errors.New("insufficient balance")

	if _, _, err := svc.BuyTickets(context.Background(), 1, 2); err == nil {
		t.Fatal("expected debit error to propagate")
	}
	round, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if round.TicketCount != 0 {
		t.Fatalf("tickets recorded despite failed debit: %d", round.TicketCount)
	}
}

func TestDrawCreditsWinner(t *testing.T) {
	svc, funds, advance := testService(t)
	notifier := &captureNotifier{}
	svc.WithNotifier(notifier)

	round, _, err := svc.BuyTickets(context.Background(), 42, 3)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}

	// Still open: draw refused.
	if _, err := svc.Draw(context.Background(), round.ID); !errors.Is(err, ErrRoundStillOpen) {
		t.Fatalf("expected ErrRoundStillOpen, got %v", err)
	}

	advance(2 * time.Hour)
	drawn, err := svc.Draw(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if drawn.Status != RoundDrawn {
		t.Fatalf("expected drawn status, got %s", drawn.Status)
	}
	if drawn.WinnerUserID == nil || *drawn.WinnerUserID != 42 {
		t.Fatalf("expected user 42 to win, got %v", drawn.WinnerUserID)
	}
	// 3 x 0.50 = 1.50 debited, 1.20 pool credited back.
	if got := funds.balances[42]; got != -1_500_000+1_200_000 {
		t.Fatalf("unexpected winner balance delta %d", got)
	}
	if len(notifier.kinds) != 1 || notifier.kinds[0] != "lottery_win" {
		t.Fatalf("expected one lottery_win notification, got %v", notifier.kinds)
	}

	// Drawing again is refused.
	if _, err := svc.Draw(context.Background(), round.ID); !errors.Is(err, ErrAlreadyDrawn) {
		t.Fatalf("expected ErrAlreadyDrawn, got %v", err)
	}
}

func TestDrawEmptyRoundHasNoWinner(t *testing.T) {
	svc, funds, advance := testService(t)

	round, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	advance(2 * time.Hour)

	drawn, err := svc.Draw(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if drawn.WinnerUserID != nil {
		t.Fatalf("empty round produced a winner: %v", *drawn.WinnerUserID)
	}
	if funds.credits != 0 {
		t.Fatalf("empty round credited funds %d times", funds.credits)
	}
}

func TestWinnerIsAlwaysATicketHolder(t *testing.T) {
	svc, _, advance := testService(t)

	holders := map[int64]bool{}
	for uid := int64(1); uid <= 5; uid++ {
		if _, _, err := svc.BuyTickets(context.Background(), uid, 2); err != nil {
			t.Fatalf("BuyTickets %d: %v", uid, err)
		}
		holders[uid] = true
	}
	round, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	advance(2 * time.Hour)

	drawn, err := svc.Draw(context.Background(), round.ID)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if drawn.WinnerUserID == nil || !holders[*drawn.WinnerUserID] {
		t.Fatalf("winner %v is not a ticket holder", drawn.WinnerUserID)
	}
	if drawn.WinnerTicket == "" {
		t.Fatal("winning ticket not recorded")
	}
}

func TestRotateDrawsAndReopens(t *testing.T) {
	svc, _, advance := testService(t)

	first, _, err := svc.BuyTickets(context.Background(), 7, 1)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	advance(90 * time.Minute)

	if err := svc.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	drawn, err := svc.Rounds(context.Background(), 10)
	if err != nil {
		t.Fatalf("Rounds: %v", err)
	}
	if len(drawn) != 2 {
		t.Fatalf("expected 2 rounds after rotation, got %d", len(drawn))
	}

	open, err := svc.CurrentRound(context.Background())
	if err != nil {
		t.Fatalf("CurrentRound: %v", err)
	}
	if open.ID == first.ID {
		t.Fatal("rotation did not open a new round")
	}

	old, err := svc.store.GetRound(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("GetRound: %v", err)
	}
	if old.Status != RoundDrawn {
		t.Fatalf("old round not drawn, status %s", old.Status)
	}

	// Nothing due: rotate is a no-op.
	if err := svc.Rotate(context.Background()); err != nil {
		t.Fatalf("idle Rotate: %v", err)
	}
}

func TestUserTickets(t *testing.T) {
	svc, _, _ := testService(t)

	round, _, err := svc.BuyTickets(context.Background(), 1, 3)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	if _, _, err := svc.BuyTickets(context.Background(), 2, 2); err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}

	mine, err := svc.UserTickets(context.Background(), round.ID, 1)
	if err != nil {
		t.Fatalf("UserTickets: %v", err)
	}
	if len(mine) != 3 {
		t.Fatalf("expected 3 tickets for user 1, got %d", len(mine))
	}
}
