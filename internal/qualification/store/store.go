// Package store persists qualification conversations. Implementations return
// plain errors; the engine wraps them as store failures.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"leadqual_backend/internal/qualification/domain"
)

// ErrNotFound is returned when no conversation exists for a contact id.
var ErrNotFound = errors.New("conversation not found")

// Store is the conversation repository used by the engine.
type Store interface {
	// GetOrCreate returns the existing record or creates a fresh in_progress
	// one. Concurrent calls for one contact never create two records.
	GetOrCreate(ctx context.Context, contactID string, now time.Time) (*domain.Conversation, bool, error)
	// Save overwrites the full record.
	Save(ctx context.Context, c *domain.Conversation) error
	Get(ctx context.Context, contactID string) (*domain.Conversation, error)
	List(ctx context.Context) ([]*domain.Conversation, error)
	// ListActive returns in_progress conversations.
	ListActive(ctx context.Context) ([]*domain.Conversation, error)
	Remove(ctx context.Context, contactID string) error
	// Prune deletes ended conversations whose ended_at is before cutoff.
	Prune(ctx context.Context, endedBefore time.Time) (int, error)
	Ping(ctx context.Context) error
}

func sortByUpdated(items []*domain.Conversation) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ContactID < items[j].ContactID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}

func prunable(c *domain.Conversation, cutoff time.Time) bool {
	if c.Status != domain.StatusEnded {
		return false
	}
	endedAt := c.UpdatedAt
	if c.EndedAt != nil {
		endedAt = *c.EndedAt
	}
	return endedAt.Before(cutoff)
}
