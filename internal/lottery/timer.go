package lottery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer rotates lottery rounds: draws ended rounds and opens the next.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the round rotation timer.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the rotation loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the rotation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRotate(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRotate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in lottery rotation", "panic", fmt.Sprint(r))
		}
	}()

	if err := t.service.Rotate(ctx); err != nil {
		t.logger.Warn("lottery rotation failed", "error", err)
	}
}
