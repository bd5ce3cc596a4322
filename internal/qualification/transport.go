package qualification

import (
	"time"

	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/engine"
	"leadqual_backend/internal/qualification/rules"
)

// InboundRequest is the webhook body for one lead message.
type InboundRequest struct {
	ContactID  string `json:"contactId" validate:"required,max=32"`
	Text       string `json:"text" validate:"required,notblank,max=4096"`
	SenderName string `json:"senderName" validate:"max=200"`
	MessageID  string `json:"messageId" validate:"max=200"`
}

// InboundResponse is returned to the messaging gateway.
type InboundResponse struct {
	Outcome   engine.Outcome `json:"outcome"`
	Status    domain.Status  `json:"status"`
	Reply     string         `json:"reply,omitempty"`
	Delivered bool           `json:"delivered"`
	Duplicate bool           `json:"duplicate"`
}

// TestTurnRequest drives a turn from the operator playground.
type TestTurnRequest struct {
	ContactID  string `json:"contactId" validate:"required,max=32"`
	Text       string `json:"text" validate:"required,notblank,max=4096"`
	SenderName string `json:"senderName" validate:"max=200"`
}

// TestTurnResponse exposes the full turn result including the score breakdown.
type TestTurnResponse struct {
	Outcome      engine.Outcome       `json:"outcome"`
	Reply        string               `json:"reply,omitempty"`
	Created      bool                 `json:"created"`
	Breakdown    *rules.Breakdown     `json:"breakdown,omitempty"`
	Priority     rules.Priority       `json:"priority"`
	Tags         []string             `json:"tags"`
	Conversation *domain.Conversation `json:"conversation"`
}

// ReasonRequest is the optional body of escalate and end.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// ConversationSummary is one row of the active list.
type ConversationSummary struct {
	ContactID     string            `json:"contactId"`
	DisplayName   string            `json:"displayName,omitempty"`
	Status        domain.Status     `json:"status"`
	Score         int               `json:"score"`
	Attempts      int               `json:"attempts"`
	Priority      rules.Priority    `json:"priority"`
	CollectedData map[string]string `json:"collectedData"`
	MessagesCount int               `json:"messagesCount"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ActiveConversationsResponse lists in_progress conversations.
type ActiveConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
}

// ConversationResponse is the full record plus derived handoff fields.
type ConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Priority     rules.Priority       `json:"priority"`
	Tags         []string             `json:"tags"`
	Summary      string               `json:"summary"`
}

// ConfigResponse describes the active criteria.
type ConfigResponse struct {
	BusinessType    string         `json:"businessType"`
	Provider        string         `json:"provider"`
	RequiredFields  []string       `json:"requiredFields"`
	KnownFields     []string       `json:"knownFields"`
	MinScore        int            `json:"minScore"`
	MaxAttempts     int            `json:"maxAttempts"`
	TimeoutMinutes  int            `json:"timeoutMinutes"`
	HighValueAmount float64        `json:"highValueAmount"`
	Weights         domain.Weights `json:"weights"`
}

func toSummary(c *domain.Conversation) ConversationSummary {
	return ConversationSummary{
		ContactID:     c.ContactID,
		DisplayName:   c.DisplayName,
		Status:        c.Status,
		Score:         c.Score,
		Attempts:      c.Attempts,
		Priority:      rules.PriorityOf(c),
		CollectedData: c.CollectedData,
		MessagesCount: len(c.Messages),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func toConversationResponse(c *domain.Conversation) ConversationResponse {
	return ConversationResponse{
		Conversation: c,
		Priority:     rules.PriorityOf(c),
		Tags:         rules.Tags(c),
		Summary:      rules.Summary(c),
	}
}
