// Package provider abstracts the language-model backend the engine drives.
// Every backend failure surfaces as ErrUnavailable; an answer that carries no
// information is an empty map or IntentOther, never an error.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"leadqual_backend/internal/qualification/domain"
)

// ErrUnavailable marks network, timeout, rate-limit and malformed-response failures.
var ErrUnavailable = errors.New("provider unavailable")

// MaxReplyLength bounds a generated reply in characters.
const MaxReplyLength = 10000

// Provider is the language-model contract used by the engine.
type Provider interface {
	GenerateReply(ctx context.Context, history []domain.Message, collected map[string]string, criteria domain.Criteria) (string, error)
	ExtractFields(ctx context.Context, text string, knownFields []string) (map[string]string, error)
	ClassifyIntent(ctx context.Context, text string) (domain.Intent, error)
}

// Named is implemented by providers that report a backend name for metrics.
type Named interface {
	Name() string
}

type turn struct {
	role domain.Role
	text string
}

// completer is the one call a backend has to offer: a system prompt plus an
// ordered list of turns in, one text completion out.
type completer interface {
	complete(ctx context.Context, system string, turns []turn) (string, error)
}

// Model implements Provider on top of a completer.
type Model struct {
	name    string
	backend completer
}

// Name returns the backend name.
func (m *Model) Name() string {
	return m.name
}

// GenerateReply produces the next agent message.
func (m *Model) GenerateReply(ctx context.Context, history []domain.Message, collected map[string]string, criteria domain.Criteria) (string, error) {
	turns := make([]turn, 0, len(history))
	for _, msg := range history {
		if strings.TrimSpace(msg.Text) == "" {
			continue
		}
		turns = append(turns, turn{role: msg.Role, text: msg.Text})
	}
	if len(turns) == 0 {
		return "", fmt.Errorf("%w: empty history", ErrUnavailable)
	}

	out, err := m.backend.complete(ctx, replyPrompt(collected, criteria), turns)
	if err != nil {
		return "", unavailable(err)
	}
	return validateReply(out)
}

// ExtractFields pulls known fields out of one lead message.
func (m *Model) ExtractFields(ctx context.Context, text string, knownFields []string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" || len(knownFields) == 0 {
		return map[string]string{}, nil
	}
	out, err := m.backend.complete(ctx, extractPrompt(knownFields), []turn{{role: domain.RoleLead, text: text}})
	if err != nil {
		return nil, unavailable(err)
	}
	return parseFields(out, knownFields)
}

// ClassifyIntent labels one lead message.
func (m *Model) ClassifyIntent(ctx context.Context, text string) (domain.Intent, error) {
	if strings.TrimSpace(text) == "" {
		return domain.IntentOther, nil
	}
	out, err := m.backend.complete(ctx, classifyPrompt, []turn{{role: domain.RoleLead, text: text}})
	if err != nil {
		return "", unavailable(err)
	}
	return parseIntent(out), nil
}

func unavailable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

const classifyPrompt = `Classify the customer's message into exactly one label:
info_request, purchase_intent, complaint, handoff_request, other.
Use handoff_request only when the customer asks to talk to a person.
Answer with the label only.`

func extractPrompt(knownFields []string) string {
	return fmt.Sprintf(`Extract facts the customer states about themselves from the message.
Allowed keys: %s.
Answer with a single JSON object using only allowed keys and string values.
Leave out anything not stated. Answer {} when nothing applies.`, strings.Join(knownFields, ", "))
}

func replyPrompt(collected map[string]string, criteria domain.Criteria) string {
	var b strings.Builder
	b.WriteString("You are a friendly sales assistant qualifying a lead over chat. ")
	b.WriteString("Reply in the customer's language with one short message and at most one question.\n")
	fmt.Fprintf(&b, "Business type: %s.\n", criteria.BusinessType)

	if len(collected) > 0 {
		keys := make([]string, 0, len(collected))
		for k := range collected {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Already known:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, collected[k])
		}
	}
	if missing := criteria.MissingFields(collected); len(missing) > 0 {
		fmt.Fprintf(&b, "Still needed, ask for the first one naturally: %s.\n", strings.Join(missing, ", "))
	} else {
		b.WriteString("Everything needed is known; ask what else would help them decide.\n")
	}
	return b.String()
}

func validateReply(out string) (string, error) {
	reply := strings.TrimSpace(stripCodeFences(out))
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", ErrUnavailable)
	}
	if len([]rune(reply)) >= MaxReplyLength {
		return "", fmt.Errorf("%w: reply exceeds %d characters", ErrUnavailable, MaxReplyLength)
	}
	return reply, nil
}

func parseIntent(out string) domain.Intent {
	label := strings.ToLower(strings.TrimSpace(stripCodeFences(out)))
	label = strings.Trim(label, " \t\r\n.\"'`")
	if i := strings.IndexAny(label, " \n"); i > 0 {
		label = label[:i]
	}
	return domain.ParseIntent(label)
}

// parseFields keeps non-empty values for allowed keys. Numbers and booleans
// are rendered as strings; nested values are dropped.
func parseFields(out string, knownFields []string) (map[string]string, error) {
	body := strings.TrimSpace(stripCodeFences(out))
	if start, end := strings.Index(body, "{"), strings.LastIndex(body, "}"); start >= 0 && end > start {
		body = body[start : end+1]
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed extraction: %w", ErrUnavailable, err)
	}

	allowed := make(map[string]struct{}, len(knownFields))
	for _, f := range knownFields {
		allowed[f] = struct{}{}
	}

	fields := map[string]string{}
	for k, v := range raw {
		key := strings.ToLower(strings.TrimSpace(k))
		if _, ok := allowed[key]; !ok {
			continue
		}
		var value string
		switch tv := v.(type) {
		case string:
			value = strings.TrimSpace(tv)
		case float64:
			value = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			value = strconv.FormatBool(tv)
		}
		if value != "" {
			fields[key] = value
		}
	}
	return fields, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
