package store

import (
	"encoding/json"
	"fmt"
	"time"

	"leadqual_backend/internal/qualification/domain"
)

// record is the column layout shared by the SQL stores. Collections are
// stored as JSON documents.
type record struct {
	ContactID        string
	Status           string
	DisplayName      string
	Messages         []byte
	CollectedData    []byte
	Notes            []byte
	Score            int
	Attempts         int
	EscalationReason *string
	EndReason        *string
	QualifiedAt      *time.Time
	EscalatedAt      *time.Time
	EndedAt          *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func toRecord(c *domain.Conversation) (record, error) {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return record{}, fmt.Errorf("encode messages: %w", err)
	}
	data, err := json.Marshal(c.CollectedData)
	if err != nil {
		return record{}, fmt.Errorf("encode collected data: %w", err)
	}
	notes, err := json.Marshal(c.Notes)
	if err != nil {
		return record{}, fmt.Errorf("encode notes: %w", err)
	}
	return record{
		ContactID:        c.ContactID,
		Status:           string(c.Status),
		DisplayName:      c.DisplayName,
		Messages:         messages,
		CollectedData:    data,
		Notes:            notes,
		Score:            c.Score,
		Attempts:         c.Attempts,
		EscalationReason: nullString(c.EscalationReason),
		EndReason:        nullString(c.EndReason),
		QualifiedAt:      c.QualifiedAt,
		EscalatedAt:      c.EscalatedAt,
		EndedAt:          c.EndedAt,
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}, nil
}

func (r record) conversation() (*domain.Conversation, error) {
	c := &domain.Conversation{
		ContactID:   r.ContactID,
		Status:      domain.Status(r.Status),
		DisplayName: r.DisplayName,
		Score:       r.Score,
		Attempts:    r.Attempts,
		QualifiedAt: r.QualifiedAt,
		EscalatedAt: r.EscalatedAt,
		EndedAt:     r.EndedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.EscalationReason != nil {
		c.EscalationReason = *r.EscalationReason
	}
	if r.EndReason != nil {
		c.EndReason = *r.EndReason
	}
	if err := unmarshalOr(r.Messages, &c.Messages); err != nil {
		return nil, fmt.Errorf("decode messages for %s: %w", r.ContactID, err)
	}
	if err := unmarshalOr(r.CollectedData, &c.CollectedData); err != nil {
		return nil, fmt.Errorf("decode collected data for %s: %w", r.ContactID, err)
	}
	if err := unmarshalOr(r.Notes, &c.Notes); err != nil {
		return nil, fmt.Errorf("decode notes for %s: %w", r.ContactID, err)
	}
	if c.Messages == nil {
		c.Messages = []domain.Message{}
	}
	if c.CollectedData == nil {
		c.CollectedData = map[string]string{}
	}
	if c.Notes == nil {
		c.Notes = []domain.Note{}
	}
	return c, nil
}

func unmarshalOr(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
