// Package domain holds the qualification conversation model and the criteria
// it is evaluated against. No I/O happens here.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusQualified    Status = "qualified"
	StatusDisqualified Status = "disqualified"
	StatusNeedsHuman   Status = "needs_human"
	StatusEnded        Status = "ended"
)

// ErrInvalidTransition is returned when a status change would move backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowed forward moves; a status never re-enters in_progress
var transitions = map[Status][]Status{
	StatusInProgress:   {StatusQualified, StatusDisqualified, StatusNeedsHuman, StatusEnded},
	StatusQualified:    {StatusNeedsHuman, StatusEnded},
	StatusDisqualified: {StatusNeedsHuman, StatusEnded},
	StatusNeedsHuman:   {StatusEnded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusQualified, StatusDisqualified, StatusNeedsHuman, StatusEnded:
		return true
	}
	return false
}

// HumanOwned reports whether automated turns must stop for this status.
func (s Status) HumanOwned() bool {
	return s != StatusInProgress
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleLead  Role = "lead"
	RoleAgent Role = "agent"
)

// Intent is the classified purpose of a lead message.
type Intent string

const (
	IntentInfoRequest    Intent = "info_request"
	IntentPurchase       Intent = "purchase_intent"
	IntentComplaint      Intent = "complaint"
	IntentHandoffRequest Intent = "handoff_request"
	IntentOther          Intent = "other"
)

// ParseIntent maps free text from a backend to an Intent, defaulting to other.
func ParseIntent(raw string) Intent {
	switch Intent(raw) {
	case IntentInfoRequest, IntentPurchase, IntentComplaint, IntentHandoffRequest:
		return Intent(raw)
	}
	return IntentOther
}

// Message is one entry in the transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Intent    Intent    `json:"intent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Note is an operator-visible annotation.
type Note struct {
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the per-contact qualification record.
type Conversation struct {
	ContactID        string            `json:"contactId"`
	Status           Status            `json:"status"`
	DisplayName      string            `json:"displayName,omitempty"`
	Messages         []Message         `json:"messages"`
	CollectedData    map[string]string `json:"collectedData"`
	Score            int               `json:"score"`
	Attempts         int               `json:"attempts"`
	EscalationReason string            `json:"escalationReason,omitempty"`
	EndReason        string            `json:"endReason,omitempty"`
	Notes            []Note            `json:"notes"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	QualifiedAt      *time.Time        `json:"qualifiedAt,omitempty"`
	EscalatedAt      *time.Time        `json:"escalatedAt,omitempty"`
	EndedAt          *time.Time        `json:"endedAt,omitempty"`
}

// NewConversation creates a fresh in_progress record.
func NewConversation(contactID string, now time.Time) *Conversation {
	return &Conversation{
		ContactID:     contactID,
		Status:        StatusInProgress,
		Messages:      []Message{},
		CollectedData: map[string]string{},
		Notes:         []Note{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Message(nil), c.Messages...)
	out.Notes = append([]Note(nil), c.Notes...)
	out.CollectedData = make(map[string]string, len(c.CollectedData))
	for k, v := range c.CollectedData {
		out.CollectedData[k] = v
	}
	out.QualifiedAt = cloneTime(c.QualifiedAt)
	out.EscalatedAt = cloneTime(c.EscalatedAt)
	out.EndedAt = cloneTime(c.EndedAt)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if out.Notes == nil {
		out.Notes = []Note{}
	}
	return &out
}

// AppendMessage adds a transcript entry and returns its index.
func (c *Conversation) AppendMessage(role Role, text string, now time.Time) int {
	c.Messages = append(c.Messages, Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Timestamp: now,
	})
	c.UpdatedAt = now
	return len(c.Messages) - 1
}

// AddNote appends an operator annotation.
func (c *Conversation) AddNote(text, author string, now time.Time) {
	c.Notes = append(c.Notes, Note{Text: text, Author: author, Timestamp: now})
	c.UpdatedAt = now
}

// LeadMessages returns the lead-authored messages in order.
func (c *Conversation) LeadMessages() []Message {
	out := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.Role == RoleLead {
			out = append(out, m)
		}
	}
	return out
}

// Transition moves the conversation to status to, stamping the matching
// milestone. Staying in the same status is a no-op.
func (c *Conversation) Transition(to Status, now time.Time) error {
	if c.Status == to {
		return nil
	}
	if !CanTransition(c.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = now
	stamp := now
	switch to {
	case StatusQualified:
		c.QualifiedAt = &stamp
	case StatusNeedsHuman:
		c.EscalatedAt = &stamp
	case StatusEnded:
		c.EndedAt = &stamp
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
