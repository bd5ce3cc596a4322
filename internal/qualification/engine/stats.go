package engine

import (
	"context"
	"math"

	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/platform/apperr"
)

// Stats is the reporting snapshot. Qualified and escalated counts use the
// milestone timestamps, so a lead keeps counting after it is ended.
type Stats struct {
	TotalConversations int                   `json:"total_conversations"`
	QualifiedCount     int                   `json:"qualified_count"`
	EscalatedCount     int                   `json:"escalated_count"`
	ActiveCount        int                   `json:"active_count"`
	ConversionRate     float64               `json:"conversion_rate"`
	AverageScore       float64               `json:"average_score"`
	ByStatus           map[domain.Status]int `json:"by_status"`
}

// GetStats aggregates over every stored conversation.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	items, err := e.store.List(ctx)
	if err != nil {
		return Stats{}, apperr.Store("list conversations", err).WithOp("engine.GetStats")
	}
	return computeStats(items), nil
}

func computeStats(items []*domain.Conversation) Stats {
	s := Stats{
		TotalConversations: len(items),
		ByStatus: map[domain.Status]int{
			domain.StatusInProgress:   0,
			domain.StatusQualified:    0,
			domain.StatusDisqualified: 0,
			domain.StatusNeedsHuman:   0,
			domain.StatusEnded:        0,
		},
	}
	if len(items) == 0 {
		return s
	}

	scoreSum := 0
	for _, c := range items {
		s.ByStatus[c.Status]++
		scoreSum += c.Score
		if c.QualifiedAt != nil || c.Status == domain.StatusQualified {
			s.QualifiedCount++
		}
		if c.EscalatedAt != nil || c.Status == domain.StatusNeedsHuman {
			s.EscalatedCount++
		}
		if c.Status == domain.StatusInProgress {
			s.ActiveCount++
		}
	}
	s.ConversionRate = round2(float64(s.QualifiedCount) / float64(len(items)) * 100)
	s.AverageScore = round2(float64(scoreSum) / float64(len(items)))
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
