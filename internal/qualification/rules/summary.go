package rules

import (
	"fmt"
	"sort"
	"strings"

	"leadqual_backend/internal/qualification/domain"
)

// CRM tags suggested for a conversation.
const (
	TagAIQualified      = "ai_qualified"
	TagUrgent           = "urgent"
	TagBudgetRequest    = "budget_request"
	TagPricingInquiry   = "pricing_inquiry"
	TagReadyToBuy       = "ready_to_buy"
	TagHasQuestions     = "has_questions"
	TagComparingOptions = "comparing_options"
	TagHasIssue         = "has_issue"
)

// Tags suggests CRM tags from the lead's messages, sorted.
func Tags(c *domain.Conversation) []string {
	set := map[string]struct{}{TagAIQualified: {}}
	if Urgency(c.CollectedData) >= 70 {
		set[TagUrgent] = struct{}{}
	}

	var all strings.Builder
	for _, m := range c.LeadMessages() {
		all.WriteString(m.Text)
		all.WriteString(" ")
	}
	ix := indexText(all.String())
	for _, kt := range tagKeywords {
		if ix.has(kt.keyword) {
			set[kt.tag] = struct{}{}
		}
	}

	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

const firstMessagePreview = 100

// Summary renders a plain-text handoff summary for the CRM.
func Summary(c *domain.Conversation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Score: %d/100 | Priority: %s | Status: %s\n", c.Score, strings.ToUpper(string(PriorityOf(c))), c.Status)
	if c.EscalationReason != "" {
		fmt.Fprintf(&b, "Escalation: %s\n", c.EscalationReason)
	}

	if len(c.CollectedData) > 0 {
		keys := make([]string, 0, len(c.CollectedData))
		for k, v := range c.CollectedData {
			if strings.TrimSpace(v) != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			b.WriteString("\nCollected:\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %s\n", k, c.CollectedData[k])
			}
		}
	}

	if len(c.Notes) > 0 {
		b.WriteString("\nNotes:\n")
		notes := c.Notes
		if len(notes) > 3 {
			notes = notes[len(notes)-3:]
		}
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n.Text)
		}
	}

	leads := c.LeadMessages()
	if len(leads) > 0 {
		first := []rune(leads[0].Text)
		if len(first) > firstMessagePreview {
			first = append(first[:firstMessagePreview], []rune("...")...)
		}
		fmt.Fprintf(&b, "\nLead messages: %d\nFirst message: %q\n", len(leads), string(first))
	}

	return strings.TrimRight(b.String(), "\n")
}
