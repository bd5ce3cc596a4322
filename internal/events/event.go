// Package events defines the qualification domain events. The bus itself
// lives in platform/events and is aliased here so modules import one package.
package events

import (
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/platform/events"
)

type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

var NewInMemoryBus = events.NewInMemoryBus

// Event names.
const (
	NameConversationQualified = "qualification.conversation.qualified"
	NameConversationEscalated = "qualification.conversation.escalated"
	NameConversationEnded     = "qualification.conversation.ended"
)

// Handoff is the context a human needs to pick up a lead.
type Handoff struct {
	Conversation *domain.Conversation `json:"conversation"`
	Summary      string               `json:"summary"`
	Priority     string               `json:"priority"`
	Tags         []string             `json:"tags"`
}

// ConversationQualified is published once a lead meets the criteria.
type ConversationQualified struct {
	BaseEvent
	Handoff
}

func (e ConversationQualified) EventName() string { return NameConversationQualified }

// ConversationEscalated is published when a conversation needs a human,
// automatically or through an operator.
type ConversationEscalated struct {
	BaseEvent
	Handoff
	Reason string `json:"reason"`
	Manual bool   `json:"manual"`
}

func (e ConversationEscalated) EventName() string { return NameConversationEscalated }

// ConversationEnded is published when a conversation is closed for good.
// Conversation.Status tells a lead opt-out (disqualified) from ended.
type ConversationEnded struct {
	BaseEvent
	Conversation *domain.Conversation `json:"conversation"`
	Reason       string               `json:"reason"`
}

func (e ConversationEnded) EventName() string { return NameConversationEnded }
