// Package notification reacts to qualification events: handoff emails for
// qualified and escalated leads, and transcript archiving for ended ones.
// Engine code never talks to mail or storage directly.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"leadqual_backend/internal/events"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/platform/logger"
)

const transcriptContentType = "application/json"

var handoffTemplate = template.Must(template.New("handoff").Funcs(template.FuncMap{"join": strings.Join}).Parse(`{{.Headline}}

Contact: {{.ContactID}}{{if .DisplayName}} ({{.DisplayName}}){{end}}
Priority: {{.Priority}}
{{- if .Reason}}
Reason: {{.Reason}}{{if .Manual}} (operator){{end}}
{{- end}}
{{- if .Tags}}
Tags: {{join .Tags ", "}}
{{- end}}

{{.Summary}}
`))

type handoffData struct {
	Headline    string
	ContactID   string
	DisplayName string
	Priority    string
	Reason      string
	Manual      bool
	Tags        []string
	Summary     string
}

// Module handles all notification-related event subscriptions.
type Module struct {
	mailer     Mailer
	recipients []string
	archive    ObjectStore
	log        *logger.Logger
}

// New creates a notification module. Without recipients no email is sent.
func New(mailer Mailer, recipients []string, log *logger.Logger) *Module {
	if mailer == nil {
		mailer = NoopMailer{}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Module{mailer: mailer, recipients: recipients, log: log}
}

// SetArchive enables transcript archiving for ended conversations.
func (m *Module) SetArchive(store ObjectStore) { m.archive = store }

// RegisterHandlers subscribes the module to qualification events.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.NameConversationQualified, m)
	bus.Subscribe(events.NameConversationEscalated, m)
	bus.Subscribe(events.NameConversationEnded, m)

	m.log.Info("notification module registered event handlers")
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.ConversationQualified:
		return m.handleQualified(ctx, e)
	case events.ConversationEscalated:
		return m.handleEscalated(ctx, e)
	case events.ConversationEnded:
		return m.handleEnded(ctx, e)
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleQualified(ctx context.Context, e events.ConversationQualified) error {
	return m.sendHandoff(ctx, "Lead qualified", e.Handoff, "", false)
}

func (m *Module) handleEscalated(ctx context.Context, e events.ConversationEscalated) error {
	return m.sendHandoff(ctx, "Lead needs a human", e.Handoff, e.Reason, e.Manual)
}

func (m *Module) sendHandoff(ctx context.Context, headline string, h events.Handoff, reason string, manual bool) error {
	if len(m.recipients) == 0 || h.Conversation == nil {
		return nil
	}
	c := h.Conversation

	var body bytes.Buffer
	err := handoffTemplate.Execute(&body, handoffData{
		Headline:    headline,
		ContactID:   c.ContactID,
		DisplayName: c.DisplayName,
		Priority:    strings.ToUpper(h.Priority),
		Reason:      reason,
		Manual:      manual,
		Tags:        h.Tags,
		Summary:     h.Summary,
	})
	if err != nil {
		return fmt.Errorf("render handoff email: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(h.Priority), headline, displayName(c))
	if err := m.mailer.Send(ctx, m.recipients, subject, body.String()); err != nil {
		m.log.WithContext(ctx).Error("handoff email failed", "contactId", c.ContactID, "error", err)
		return err
	}
	m.log.WithContext(ctx).Info("handoff email sent", "contactId", c.ContactID, "status", string(c.Status))
	return nil
}

func (m *Module) handleEnded(ctx context.Context, e events.ConversationEnded) error {
	if m.archive == nil || e.Conversation == nil {
		return nil
	}

	data, err := json.MarshalIndent(transcript{Reason: e.Reason, ArchivedAt: e.OccurredAt(), Conversation: e.Conversation}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	key := TranscriptKey(e.Conversation, e.OccurredAt())
	if err := m.archive.PutObject(ctx, key, transcriptContentType, data); err != nil {
		m.log.WithContext(ctx).Error("transcript archive failed", "key", key, "error", err)
		return err
	}
	m.log.WithContext(ctx).Info("transcript archived", "key", key)
	return nil
}

type transcript struct {
	Reason       string               `json:"reason"`
	ArchivedAt   time.Time            `json:"archivedAt"`
	Conversation *domain.Conversation `json:"conversation"`
}

// TranscriptKey is transcripts/YYYY/MM/DD/<digits>-<unix>.json in UTC.
func TranscriptKey(c *domain.Conversation, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("transcripts/%s/%s-%d.json", at.Format("2006/01/02"), strings.TrimPrefix(c.ContactID, "+"), at.Unix())
}

func displayName(c *domain.Conversation) string {
	if name := strings.TrimSpace(c.CollectedData["name"]); name != "" {
		return name
	}
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.ContactID
}

var _ events.Handler = (*Module)(nil)
