package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/motoride/internal/booking/domain"
)

// MemoryNotificationStore keeps notification records in memory.
type MemoryNotificationStore struct {
	mu            sync.RWMutex
	notifications map[uuid.UUID]domain.Notification
}

// NewMemoryNotificationStore constructs an empty store.
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{notifications: make(map[uuid.UUID]domain.Notification)}
}

// Create stores a notification record.
func (m *MemoryNotificationStore) Create(_ context.Context, n domain.Notification) (domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	m.notifications[n.ID] = n
	return n, nil
}

// MarkDelivered flips the delivery flag after a successful push attempt.
func (m *MemoryNotificationStore) MarkDelivered(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Delivered = true
	m.notifications[id] = n
	return nil
}

// MarkRead records the read timestamp; only the recipient may read.
func (m *MemoryNotificationStore) MarkRead(_ context.Context, id, recipientID uuid.UUID, at time.Time) (domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return domain.Notification{}, domain.ErrNotFound
	}
	if n.RecipientID != recipientID {
		return domain.Notification{}, domain.ErrUnauthorized
	}
	if n.ReadAt == nil {
		readAt := at
		n.ReadAt = &readAt
		m.notifications[id] = n
	}
	return n, nil
}

// MarkAllRead stamps every unread notification of the recipient.
func (m *MemoryNotificationStore) MarkAllRead(_ context.Context, recipientID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, n := range m.notifications {
		if n.RecipientID == recipientID && n.ReadAt == nil {
			readAt := at
			n.ReadAt = &readAt
			m.notifications[id] = n
		}
	}
	return nil
}

// ListByRecipient returns the recipient's notifications, newest first.
func (m *MemoryNotificationStore) ListByRecipient(_ context.Context, recipientID uuid.UUID) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Notification
	for _, n := range m.notifications {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out, nil
}

// UnreadCount counts unread notifications for the recipient.
func (m *MemoryNotificationStore) UnreadCount(_ context.Context, recipientID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.RecipientID == recipientID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}
