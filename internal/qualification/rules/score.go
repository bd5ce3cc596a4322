// Package rules holds the pure scoring and policy functions that decide a
// conversation's transitions. Nothing here performs I/O.
package rules

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"leadqual_backend/internal/qualification/domain"
)

const (
	engagementCap     = 10
	recentLeadWindow  = 5
	purchaseIntentPts = 60
	keywordPts        = 20
)

// Breakdown exposes the four sub-scores, each in [0,100].
type Breakdown struct {
	Completeness int `json:"completeness"`
	Engagement   int `json:"engagement"`
	Interest     int `json:"interest"`
	Urgency      int `json:"urgency"`
	Total        int `json:"total"`
}

// Score recomputes the 0-100 score from the record alone.
func Score(c *domain.Conversation, criteria domain.Criteria) int {
	return Explain(c, criteria).Total
}

// Explain returns the sub-scores behind Score.
func Explain(c *domain.Conversation, criteria domain.Criteria) Breakdown {
	b := Breakdown{
		Completeness: Completeness(c.CollectedData, criteria),
		Engagement:   Engagement(c),
		Interest:     Interest(c),
		Urgency:      Urgency(c.CollectedData),
	}
	w := criteria.Weights
	total := float64(b.Completeness)*w.Completeness +
		float64(b.Engagement)*w.Engagement +
		float64(b.Interest)*w.Interest +
		float64(b.Urgency)*w.Urgency
	b.Total = clamp(int(math.Round(total)))
	return b
}

// Completeness is the share of required fields present.
func Completeness(data map[string]string, criteria domain.Criteria) int {
	if len(criteria.RequiredFields) == 0 {
		return 100
	}
	present := len(criteria.RequiredFields) - len(criteria.MissingFields(data))
	return clamp(int(math.Round(float64(present) * 100 / float64(len(criteria.RequiredFields)))))
}

// Engagement saturates at engagementCap exchanges (lead messages + attempts).
func Engagement(c *domain.Conversation) int {
	exchanges := len(c.LeadMessages()) + c.Attempts
	if exchanges > engagementCap {
		exchanges = engagementCap
	}
	return exchanges * 100 / engagementCap
}

// Interest looks at the most recent lead messages for purchase intent and
// positive or urgency keywords.
func Interest(c *domain.Conversation) int {
	leads := c.LeadMessages()
	if len(leads) > recentLeadWindow {
		leads = leads[len(leads)-recentLeadWindow:]
	}

	points := 0
	hits := map[string]struct{}{}
	purchase := false
	for _, m := range leads {
		if m.Intent == domain.IntentPurchase {
			purchase = true
		}
		ix := indexText(m.Text)
		for _, k := range ix.matches(positiveKeywords) {
			hits[k] = struct{}{}
		}
		for _, k := range ix.matches(urgencyKeywords) {
			hits[k] = struct{}{}
		}
	}
	if purchase {
		points += purchaseIntentPts
	}
	points += len(hits) * keywordPts
	return clamp(points)
}

// Urgency is derived from the collected urgency field only.
func Urgency(data map[string]string) int {
	raw := strings.ToLower(strings.TrimSpace(data["urgency"]))
	if raw == "" {
		return 0
	}
	switch raw {
	case "high", "alta", "alto", "urgente", "urgent", "imediato", "immediate", "hoje", "today":
		return 100
	case "medium", "média", "media", "médio", "medio", "moderate", "moderada":
		return 60
	case "low", "baixa", "baixo", "sem pressa", "none":
		return 20
	}
	if n, err := strconv.ParseFloat(strings.TrimSuffix(raw, "/10"), 64); err == nil && n >= 0 && n <= 10 {
		return clamp(int(math.Round(n * 10)))
	}
	return 0
}

var amountPattern = regexp.MustCompile(`(\d[\d.,]*)\s*(milhões|milhão|million|mil|mi|k|m)?(?:[^\p{L}]|$)`)

// ParseAmount extracts a monetary amount from free text such as
// "R$ 50.000", "50k", "12,500.00" or "2 mil". Returns false when no number is found.
func ParseAmount(text string) (float64, bool) {
	match := amountPattern.FindStringSubmatch(strings.ToLower(text))
	if match == nil {
		return 0, false
	}

	value, ok := parseNumber(match[1])
	if !ok {
		return 0, false
	}

	switch match[2] {
	case "k", "mil":
		value *= 1_000
	case "m", "mi", "milhão", "milhões", "million":
		value *= 1_000_000
	}
	return value, true
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimRight(s, ".,")
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// the later separator is the decimal mark
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// a lone separator followed by groups of exactly three digits is a thousands
// separator, otherwise a decimal mark
func normalizeSingleSeparator(s, sep string) string {
	parts := strings.Split(s, sep)
	thousands := len(parts) > 1
	for _, p := range parts[1:] {
		if len(p) != 3 {
			thousands = false
			break
		}
	}
	if thousands {
		return strings.Join(parts, "")
	}
	if len(parts) == 2 {
		return parts[0] + "." + parts[1]
	}
	return strings.Join(parts, "")
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
