package rules

import (
	"fmt"

	"leadqual_backend/internal/qualification/domain"
)

// Escalation reasons recorded on the conversation.
const (
	ReasonHandoffRequested = "lead asked to talk to a person"
	ReasonHighValue        = "high-value lead: urgent with budget above threshold"
)

// Decision is the outcome of evaluating one processed turn.
type Decision struct {
	Status domain.Status
	Reason string
}

// Qualifies requires the minimum score AND every required field.
func Qualifies(c *domain.Conversation, criteria domain.Criteria) bool {
	return c.Score >= criteria.MinScore && criteria.RequiredPresent(c.CollectedData)
}

// Escalation reports whether the conversation must be handed to a human and why.
// intent and text belong to the lead message of the current turn.
func Escalation(c *domain.Conversation, criteria domain.Criteria, intent domain.Intent, text string) (bool, string) {
	if intent == domain.IntentHandoffRequest || WantsHuman(text) {
		return true, ReasonHandoffRequested
	}
	if c.Attempts >= criteria.MaxAttempts && !Qualifies(c, criteria) {
		missing := criteria.MissingFields(c.CollectedData)
		if len(missing) > 0 {
			return true, fmt.Sprintf("max attempts (%d) reached without qualifying; missing %v", criteria.MaxAttempts, missing)
		}
		return true, fmt.Sprintf("max attempts (%d) reached with score %d below %d", criteria.MaxAttempts, c.Score, criteria.MinScore)
	}
	if HighValue(c, criteria) {
		return true, ReasonHighValue
	}
	return false, ""
}

// HighValue is an urgent lead whose budget exceeds the configured bound.
func HighValue(c *domain.Conversation, criteria domain.Criteria) bool {
	if criteria.HighValueAmount <= 0 || Urgency(c.CollectedData) < 100 {
		return false
	}
	amount, ok := ParseAmount(c.CollectedData["budget"])
	return ok && amount > criteria.HighValueAmount
}

// Decide evaluates escalation, then disqualification, then qualification.
// c must already carry this turn's attempts and score.
func Decide(c *domain.Conversation, criteria domain.Criteria, intent domain.Intent, text string) Decision {
	if escalate, reason := Escalation(c, criteria, intent, text); escalate {
		return Decision{Status: domain.StatusNeedsHuman, Reason: reason}
	}
	if Disqualifies(text) {
		return Decision{Status: domain.StatusDisqualified, Reason: "lead opted out"}
	}
	if Qualifies(c, criteria) {
		return Decision{Status: domain.StatusQualified}
	}
	return Decision{Status: domain.StatusInProgress}
}

// Priority bands, display only.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Classify maps score and urgency sub-score to a band.
func Classify(score, urgency int) Priority {
	switch {
	case score >= 80 && urgency >= 70:
		return PriorityUrgent
	case score >= 70 || urgency >= 70:
		return PriorityHigh
	case score >= 50:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// PriorityOf classifies a conversation.
func PriorityOf(c *domain.Conversation) Priority {
	return Classify(c.Score, Urgency(c.CollectedData))
}
