package store

import (
	"context"
	"sync"
	"time"

	"leadqual_backend/internal/qualification/domain"
)

// Memory keeps conversations in process. Callers always receive copies.
type Memory struct {
	mu    sync.RWMutex
	items map[string]*domain.Conversation
}

func NewMemory() *Memory {
	return &Memory{items: map[string]*domain.Conversation{}}
}

func (m *Memory) GetOrCreate(_ context.Context, contactID string, now time.Time) (*domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.items[contactID]; ok {
		return c.Clone(), false, nil
	}
	c := domain.NewConversation(contactID, now)
	m.items[contactID] = c
	return c.Clone(), true, nil
}

func (m *Memory) Save(_ context.Context, c *domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[c.ContactID] = c.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, contactID string) (*domain.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[contactID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (m *Memory) List(_ context.Context) ([]*domain.Conversation, error) {
	return m.filter(func(*domain.Conversation) bool { return true }), nil
}

func (m *Memory) ListActive(_ context.Context) ([]*domain.Conversation, error) {
	return m.filter(func(c *domain.Conversation) bool { return c.Status == domain.StatusInProgress }), nil
}

func (m *Memory) Remove(_ context.Context, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[contactID]; !ok {
		return ErrNotFound
	}
	delete(m.items, contactID)
	return nil
}

func (m *Memory) Prune(_ context.Context, endedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.items {
		if prunable(c, endedBefore) {
			delete(m.items, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) filter(keep func(*domain.Conversation) bool) []*domain.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Conversation, 0, len(m.items))
	for _, c := range m.items {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	sortByUpdated(out)
	return out
}
