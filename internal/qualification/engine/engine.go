// Package engine runs the per-contact qualification state machine: it takes
// one inbound message at a time per contact, asks the provider for extraction,
// intent and replies, and lets the rules decide the transition.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"leadqual_backend/internal/events"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/locker"
	"leadqual_backend/internal/qualification/provider"
	"leadqual_backend/internal/qualification/rules"
	"leadqual_backend/internal/qualification/store"
	"leadqual_backend/platform/apperr"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/metrics"
	"leadqual_backend/platform/phone"
	"leadqual_backend/platform/sanitize"
)

// Outcome is what the caller should do after a turn.
type Outcome string

const (
	// OutcomeContinue carries the next agent message.
	OutcomeContinue Outcome = "continue"
	// OutcomeQualified hands the lead to the assignment flow.
	OutcomeQualified Outcome = "qualified"
	// OutcomeEscalate hands the lead to a human.
	OutcomeEscalate Outcome = "escalate"
	// OutcomeEnd closes the conversation after an opt-out.
	OutcomeEnd Outcome = "end"
	// OutcomeNoOp means the conversation is human-owned; the message was recorded only.
	OutcomeNoOp Outcome = "no_op"
	// OutcomeUnavailable means the provider failed; the message was kept and
	// the fallback reply should be sent.
	OutcomeUnavailable Outcome = "unavailable"
)

const phoneField = "phone"

// Inbound is one message received from a lead.
type Inbound struct {
	ContactID  string
	Text       string
	SenderName string
}

// Result describes a finished turn. Conversation is a snapshot after the turn.
type Result struct {
	Outcome      Outcome              `json:"outcome"`
	Reply        string               `json:"reply,omitempty"`
	Conversation *domain.Conversation `json:"conversation"`
	Created      bool                 `json:"created"`
	Breakdown    *rules.Breakdown     `json:"breakdown,omitempty"`
}

// Replies are the fixed texts sent when automation stops or fails.
type Replies struct {
	Fallback string
	Handoff  string
	Closing  string
}

// Options wires the engine's collaborators.
type Options struct {
	Store    store.Store
	Provider provider.Provider
	Locker   locker.Locker
	Criteria domain.Criteria
	Replies  Replies
	// Region is the default phone region for contact ids.
	Region string
	// Retention is how long ended conversations are kept by PruneEnded.
	Retention time.Duration
	Bus       events.Bus
	Metrics   *metrics.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// Engine is safe for concurrent use.
type Engine struct {
	store     store.Store
	provider  provider.Provider
	locker    locker.Locker
	criteria  domain.Criteria
	replies   Replies
	region    string
	retention time.Duration
	bus       events.Bus
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() time.Time
}

func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		provider:  opts.Provider,
		locker:    opts.Locker,
		criteria:  opts.Criteria,
		replies:   opts.Replies,
		region:    opts.Region,
		retention: opts.Retention,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		log:       opts.Log,
		now:       opts.Now,
	}
	if e.locker == nil {
		e.locker = locker.NewLocal()
	}
	if e.log == nil {
		e.log = logger.Discard()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.region == "" {
		e.region = phone.DefaultRegion
	}
	return e
}

// Criteria returns the immutable qualification criteria.
func (e *Engine) Criteria() domain.Criteria {
	return e.criteria
}

// NormalizeContactID validates a raw id and returns the store key.
func (e *Engine) NormalizeContactID(raw string) (string, error) {
	id, err := phone.Normalize(raw, e.region)
	if err != nil {
		return "", apperr.Validation("invalid contact id").WithDetails(map[string]string{"contactId": raw})
	}
	return id, nil
}

// HandleInbound processes one inbound message. Turns for the same contact run
// one at a time in arrival order; nothing is persisted for invalid input.
//
// On provider failure the returned Result has OutcomeUnavailable with the
// fallback reply, and the error is of kind Unavailable.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (*Result, error) {
	start := time.Now()

	text := sanitize.Message(in.Text)
	if text == "" {
		return nil, apperr.Validation("message text is required")
	}
	contactID, err := e.NormalizeContactID(in.ContactID)
	if err != nil {
		return nil, err
	}
	// a turn runs to completion even if the caller goes away; provider calls
	// carry their own timeouts
	ctx = context.WithValue(context.WithoutCancel(ctx), logger.ContactIDKey, contactID)

	res, evt, err := e.turn(ctx, contactID, text, sanitize.Name(in.SenderName))
	if res == nil {
		e.metrics.ObserveTurn("error", time.Since(start))
		e.log.WithContext(ctx).Error("turn failed", "error", err)
		return nil, err
	}

	e.publish(ctx, evt)
	e.metrics.ObserveTurn(string(res.Outcome), time.Since(start))
	c := res.Conversation
	e.log.WithContext(ctx).TurnProcessed(contactID, string(res.Outcome), string(c.Status), c.Score, c.Attempts, float64(time.Since(start).Microseconds())/1000)
	return res, err
}

func (e *Engine) turn(ctx context.Context, contactID, text, senderName string) (*Result, events.Event, error) {
	unlock, err := e.locker.Lock(ctx, contactID)
	if err != nil {
		return nil, nil, lockError(err, "engine.HandleInbound")
	}
	defer unlock()

	now := e.now()
	conv, created, err := e.store.GetOrCreate(ctx, contactID, now)
	if err != nil {
		e.log.StoreError("get_or_create", err)
		return nil, nil, apperr.Store("load conversation", err).WithOp("engine.HandleInbound")
	}
	if senderName != "" {
		conv.DisplayName = senderName
	}
	idx := conv.AppendMessage(domain.RoleLead, text, now)

	if conv.Status.HumanOwned() {
		if err := e.save(ctx, conv); err != nil {
			return nil, nil, err
		}
		return &Result{Outcome: OutcomeNoOp, Conversation: conv, Created: created}, nil, nil
	}

	// everything below mutates a copy so a provider failure leaves the
	// record exactly as loaded plus the inbound message
	work := conv.Clone()
	if created {
		// the contact id is the lead's phone number
		work.CollectedData[phoneField] = contactID
	}

	var (
		fields map[string]string
		intent domain.Intent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fields, err = e.provider.ExtractFields(gctx, text, e.criteria.KnownFields())
		return err
	})
	g.Go(func() error {
		var err error
		intent, err = e.provider.ClassifyIntent(gctx, text)
		return err
	})
	if err := g.Wait(); err != nil {
		return e.unavailable(ctx, conv, created, err)
	}

	e.merge(work, fields)
	work.Messages[idx].Intent = intent
	work.Attempts++
	breakdown := rules.Explain(work, e.criteria)
	work.Score = breakdown.Total

	decision := rules.Decide(work, e.criteria, intent, text)
	res := &Result{Conversation: work, Created: created, Breakdown: &breakdown}

	switch decision.Status {
	case domain.StatusNeedsHuman:
		work.EscalationReason = decision.Reason
		res.Outcome, res.Reply = OutcomeEscalate, e.replies.Handoff
	case domain.StatusQualified:
		res.Outcome, res.Reply = OutcomeQualified, e.replies.Handoff
	case domain.StatusDisqualified:
		res.Outcome, res.Reply = OutcomeEnd, e.replies.Closing
	default:
		reply, err := e.provider.GenerateReply(ctx, work.Messages, work.CollectedData, e.criteria)
		if err != nil {
			return e.unavailable(ctx, conv, created, err)
		}
		res.Outcome, res.Reply = OutcomeContinue, reply
	}
	if err := work.Transition(decision.Status, now); err != nil {
		return nil, nil, apperr.Internal(err.Error()).WithOp("engine.HandleInbound")
	}

	if res.Reply != "" {
		work.AppendMessage(domain.RoleAgent, res.Reply, e.now())
	}
	if err := e.save(ctx, work); err != nil {
		return nil, nil, err
	}
	if work.Status == domain.StatusInProgress {
		return res, nil, nil
	}

	e.metrics.ObserveTransition(string(work.Status))
	base := events.BaseEvent{Timestamp: now}
	switch work.Status {
	case domain.StatusNeedsHuman:
		return res, events.ConversationEscalated{BaseEvent: base, Handoff: handoff(work), Reason: decision.Reason}, nil
	case domain.StatusQualified:
		return res, events.ConversationQualified{BaseEvent: base, Handoff: handoff(work)}, nil
	default:
		return res, events.ConversationEnded{BaseEvent: base, Conversation: work.Clone(), Reason: decision.Reason}, nil
	}
}

// unavailable persists the inbound message without the turn's effects.
func (e *Engine) unavailable(ctx context.Context, conv *domain.Conversation, created bool, cause error) (*Result, events.Event, error) {
	if err := e.save(ctx, conv); err != nil {
		return nil, nil, err
	}
	err := apperr.Unavailable("language model unavailable", cause).WithOp("engine.HandleInbound")
	return &Result{Outcome: OutcomeUnavailable, Reply: e.replies.Fallback, Conversation: conv, Created: created}, nil, err
}

// merge applies extracted values: non-empty known fields overwrite, the rest
// is ignored.
func (e *Engine) merge(c *domain.Conversation, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	known := map[string]struct{}{}
	for _, f := range e.criteria.KnownFields() {
		known[f] = struct{}{}
	}
	for k, v := range fields {
		if _, ok := known[k]; !ok {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			c.CollectedData[k] = v
		}
	}
}

func (e *Engine) save(ctx context.Context, c *domain.Conversation) error {
	if err := e.store.Save(ctx, c); err != nil {
		e.log.WithContext(ctx).StoreError("save", err)
		return apperr.Store("save conversation", err).WithOp("engine.save")
	}
	return nil
}

// lockError maps a failed lock wait: a cancelled or expired wait is
// Unavailable, anything else is the lock backend failing.
func lockError(err error, op string) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unavailable("contact lock wait aborted", err).WithOp(op)
	}
	return apperr.Store("acquire contact lock", err).WithOp(op)
}

func (e *Engine) publish(ctx context.Context, evt events.Event) {
	if evt == nil || e.bus == nil {
		return
	}
	e.bus.Publish(ctx, evt)
}

func handoff(c *domain.Conversation) events.Handoff {
	return events.Handoff{
		Conversation: c.Clone(),
		Summary:      rules.Summary(c),
		Priority:     string(rules.PriorityOf(c)),
		Tags:         rules.Tags(c),
	}
}
