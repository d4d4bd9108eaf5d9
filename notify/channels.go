/*
channels.go - Notification channel implementations

PURPOSE:
  Concrete channels behind the Channel contract. The in-app channel is
  the one with real semantics: it persists a notification per recipient
  and is idempotent by (event id, recipient) so at-least-once delivery
  is safe. Email and push are represented by log-backed stand-ins; the
  actual vendors are out of scope and slot in behind the same contract.

SEE ALSO:
  - dispatcher.go: Fan-out and retry
  - store/sqlite (module root): Persistent NotificationStore
*/
package notify

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/civiclens/report-engine/engine"
)

// =============================================================================
// IN-APP NOTIFICATIONS
// =============================================================================

// Notification is an in-app ledger entry for one recipient.
type Notification struct {
	ID        string // equals the delivery key: event id + recipient
	EventID   string
	UserID    engine.UserID
	ReportID  engine.ReportID
	Kind      engine.EventKind
	Title     string
	Message   string
	Read      bool
	CreatedAt time.Time
}

// NotificationStore persists in-app notifications.
// Save must be idempotent on (EventID, UserID): storing the same
// delivery twice is a no-op, per at-least-once semantics.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n Notification) error
	NotificationsFor(ctx context.Context, user engine.UserID) ([]Notification, error)
	MarkRead(ctx context.Context, user engine.UserID, id string) error
	MarkAllRead(ctx context.Context, user engine.UserID) error
}

// InApp persists notifications to the store.
type InApp struct {
	Store NotificationStore
}

func NewInApp(store NotificationStore) *InApp { return &InApp{Store: store} }

func (c *InApp) Name() string { return "inapp" }

func (c *InApp) Send(ctx context.Context, recipient engine.UserID, ev engine.Event) error {
	return c.Store.SaveNotification(ctx, Notification{
		ID:        ev.ID + ":" + string(recipient),
		EventID:   ev.ID,
		UserID:    recipient,
		ReportID:  ev.ReportID,
		Kind:      ev.Kind,
		Title:     ev.Title,
		Message:   ev.Message,
		CreatedAt: ev.CreatedAt,
	})
}

// =============================================================================
// MEMORY NOTIFICATION STORE
// =============================================================================

type MemoryNotifications struct {
	mu   sync.RWMutex
	byID map[string]Notification
}

func NewMemoryNotifications() *MemoryNotifications {
	return &MemoryNotifications{byID: make(map[string]Notification)}
}

func (s *MemoryNotifications) SaveNotification(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotent: duplicate delivery of the same event is ignored.
	if _, exists := s.byID[n.ID]; exists {
		return nil
	}
	s.byID[n.ID] = n
	return nil
}

func (s *MemoryNotifications) NotificationsFor(_ context.Context, user engine.UserID) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Notification
	for _, n := range s.byID {
		if n.UserID == user {
			result = append(result, n)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryNotifications) MarkRead(_ context.Context, user engine.UserID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.byID[id]
	if !ok || n.UserID != user {
		return engine.ErrReportNotFound
	}
	n.Read = true
	s.byID[id] = n
	return nil
}

func (s *MemoryNotifications) MarkAllRead(_ context.Context, user engine.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, n := range s.byID {
		if n.UserID == user && !n.Read {
			n.Read = true
			s.byID[id] = n
		}
	}
	return nil
}

// =============================================================================
// LOG-BACKED CHANNELS - Vendor stand-ins
// =============================================================================

// LogChannel writes deliveries to the process log. Stands in for email
// and push vendors, which live behind the same Channel contract.
type LogChannel struct {
	Label string
}

func (c *LogChannel) Name() string { return c.Label }

func (c *LogChannel) Send(_ context.Context, recipient engine.UserID, ev engine.Event) error {
	log.Printf("[%s] to=%s event=%s report=%s: %s", c.Label, recipient, ev.Kind, ev.ReportID, ev.Title)
	return nil
}
