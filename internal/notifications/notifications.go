// Package notifications keeps a per-user feed of platform events.
//
// Producers (verification, lottery, referral) push through Notify and
// never block on delivery problems; a failed write is counted and logged
// but does not fail the producing operation.
package notifications

import (
	"context"
	"errors"
	"time"

	"github.com/ghidar/ghidar-backend/internal/idgen"
	"github.com/ghidar/ghidar-backend/internal/logging"
	"github.com/ghidar/ghidar-backend/internal/metrics"
)

var ErrNotFound = errors.New("notification not found")

// Notification is one feed item.
type Notification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"userId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*Notification, error)
	// MarkRead flips one notification owned by userID. ErrNotFound if it
	// does not exist or belongs to someone else.
	MarkRead(ctx context.Context, userID int64, id string) error
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
}

// Service is the notification fan-in point.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService wires the notification service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Notify appends a feed item. Best-effort: errors are swallowed after
// logging so producers never fail on notification problems.
func (s *Service) Notify(ctx context.Context, userID int64, kind, title, body string) {
	n := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, n); err != nil {
		metrics.NotificationsSentTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("notification write failed",
			"user_id", userID, "kind", kind, "error", err)
		return
	}
	metrics.NotificationsSentTotal.WithLabelValues("ok").Inc()
}

// List returns the user's feed, newest first.
func (s *Service) List(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.List(ctx, userID, unreadOnly, limit)
}

// MarkRead marks one notification as read.
func (s *Service) MarkRead(ctx context.Context, userID int64, id string) error {
	return s.store.MarkRead(ctx, userID, id)
}

// MarkAllRead marks the whole feed read and reports how many flipped.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// UnreadCount returns the badge count.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}
