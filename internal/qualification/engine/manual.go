package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"leadqual_backend/internal/events"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/store"
	"leadqual_backend/platform/apperr"
	"leadqual_backend/platform/logger"
)

const (
	defaultEscalationReason = "escalated by operator"
	defaultEndReason        = "ended by operator"
	// EndReasonTimeout is recorded when an idle conversation expires.
	EndReasonTimeout = "timeout"

	systemActor     = "system"
	defaultOperator = "operator"
	expirySweepSize = 8
)

type actorKey struct{}

// WithActor records who performs manual actions issued with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return defaultOperator
}

// ForceEscalate hands a conversation to a human. Escalating an already
// escalated conversation only adds a note; an ended one is a conflict.
func (e *Engine) ForceEscalate(ctx context.Context, contactID, reason string) (*domain.Conversation, error) {
	if reason == "" {
		reason = defaultEscalationReason
	}
	return e.manual(ctx, "engine.ForceEscalate", contactID, func(c *domain.Conversation, now time.Time) (events.Event, error) {
		actor := actorFrom(ctx)
		switch c.Status {
		case domain.StatusEnded:
			return nil, apperr.Conflict("conversation already ended")
		case domain.StatusNeedsHuman:
			c.AddNote("escalation requested again: "+reason, actor, now)
			return nil, nil
		}
		if err := c.Transition(domain.StatusNeedsHuman, now); err != nil {
			return nil, apperr.Conflict(err.Error())
		}
		c.EscalationReason = reason
		c.AddNote("manual escalation: "+reason, actor, now)
		return events.ConversationEscalated{
			BaseEvent: events.BaseEvent{Timestamp: now},
			Handoff:   handoff(c),
			Reason:    reason,
			Manual:    true,
		}, nil
	})
}

// ForceEnd closes a conversation. Ending an ended conversation is a no-op.
func (e *Engine) ForceEnd(ctx context.Context, contactID, reason string) (*domain.Conversation, error) {
	if reason == "" {
		reason = defaultEndReason
	}
	return e.manual(ctx, "engine.ForceEnd", contactID, func(c *domain.Conversation, now time.Time) (events.Event, error) {
		if c.Status == domain.StatusEnded {
			return nil, errUnchanged
		}
		if err := e.end(c, reason, actorFrom(ctx), now); err != nil {
			return nil, err
		}
		return events.ConversationEnded{BaseEvent: events.BaseEvent{Timestamp: now}, Conversation: c.Clone(), Reason: reason}, nil
	})
}

var errUnchanged = errors.New("unchanged")

// manual runs fn under the contact lock and persists the result.
func (e *Engine) manual(ctx context.Context, op, rawID string, fn func(*domain.Conversation, time.Time) (events.Event, error)) (*domain.Conversation, error) {
	contactID, err := e.NormalizeContactID(rawID)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, logger.ContactIDKey, contactID)

	unlock, err := e.locker.Lock(ctx, contactID)
	if err != nil {
		return nil, lockError(err, op)
	}
	c, evt, err := e.applyLocked(ctx, op, contactID, fn)
	unlock()
	if err != nil {
		return nil, err
	}

	if evt != nil {
		e.metrics.ObserveTransition(string(c.Status))
		e.publish(ctx, evt)
		e.log.WithContext(ctx).Info("manual action", "op", op, "status", string(c.Status), "actor", actorFrom(ctx))
	}
	return c, nil
}

func (e *Engine) applyLocked(ctx context.Context, op, contactID string, fn func(*domain.Conversation, time.Time) (events.Event, error)) (*domain.Conversation, events.Event, error) {
	c, err := e.load(ctx, op, contactID)
	if err != nil {
		return nil, nil, err
	}
	evt, err := fn(c, e.now())
	if errors.Is(err, errUnchanged) {
		return c, nil, nil
	}
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return nil, nil, appErr.WithOp(op)
		}
		return nil, nil, err
	}
	if err := e.save(ctx, c); err != nil {
		return nil, nil, err
	}
	return c, evt, nil
}

func (e *Engine) end(c *domain.Conversation, reason, actor string, now time.Time) error {
	if err := c.Transition(domain.StatusEnded, now); err != nil {
		return apperr.Conflict(err.Error())
	}
	c.EndReason = reason
	c.AddNote("ended: "+reason, actor, now)
	return nil
}

func (e *Engine) load(ctx context.Context, op, contactID string) (*domain.Conversation, error) {
	c, err := e.store.Get(ctx, contactID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("conversation not found").WithOp(op)
	}
	if err != nil {
		e.log.WithContext(ctx).StoreError("get", err)
		return nil, apperr.Store("load conversation", err).WithOp(op)
	}
	return c, nil
}

// GetConversation returns the record for a contact.
func (e *Engine) GetConversation(ctx context.Context, contactID string) (*domain.Conversation, error) {
	id, err := e.NormalizeContactID(contactID)
	if err != nil {
		return nil, err
	}
	return e.load(ctx, "engine.GetConversation", id)
}

// ListActive returns in_progress conversations, most recently updated first.
func (e *Engine) ListActive(ctx context.Context) ([]*domain.Conversation, error) {
	items, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, apperr.Store("list active conversations", err).WithOp("engine.ListActive")
	}
	return items, nil
}

// RemoveConversation deletes a record under the contact lock.
func (e *Engine) RemoveConversation(ctx context.Context, contactID string) error {
	id, err := e.NormalizeContactID(contactID)
	if err != nil {
		return err
	}
	unlock, err := e.locker.Lock(ctx, id)
	if err != nil {
		return lockError(err, "engine.RemoveConversation")
	}
	defer unlock()

	err = e.store.Remove(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("conversation not found").WithOp("engine.RemoveConversation")
	}
	if err != nil {
		return apperr.Store("remove conversation", err).WithOp("engine.RemoveConversation")
	}
	return nil
}

// ExpireIdle ends in_progress conversations without a turn for longer than
// the criteria timeout. Returns how many were ended.
func (e *Engine) ExpireIdle(ctx context.Context, now time.Time) (int, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, apperr.Store("list active conversations", err).WithOp("engine.ExpireIdle")
	}
	cutoff := now.Add(-e.criteria.IdleTimeout())

	var expired atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expirySweepSize)
	for _, c := range active {
		if !c.UpdatedAt.Before(cutoff) {
			continue
		}
		contactID := c.ContactID
		g.Go(func() error {
			ok, err := e.expire(gctx, contactID, cutoff, now)
			if err != nil {
				return fmt.Errorf("expire %s: %w", contactID, err)
			}
			if ok {
				expired.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(expired.Load()), err
}

func (e *Engine) expire(ctx context.Context, contactID string, cutoff, now time.Time) (bool, error) {
	unlock, err := e.locker.Lock(ctx, contactID)
	if err != nil {
		return false, err
	}
	defer unlock()

	// re-read: a turn may have run since the listing
	c, err := e.store.Get(ctx, contactID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.Status != domain.StatusInProgress || !c.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	if err := e.end(c, EndReasonTimeout, systemActor, now); err != nil {
		return false, err
	}
	if err := e.save(ctx, c); err != nil {
		return false, err
	}
	e.metrics.ObserveTransition(string(c.Status))
	e.publish(ctx, events.ConversationEnded{BaseEvent: events.BaseEvent{Timestamp: now}, Conversation: c.Clone(), Reason: EndReasonTimeout})
	return true, nil
}

// PruneEnded deletes ended conversations older than the retention window.
func (e *Engine) PruneEnded(ctx context.Context, now time.Time) (int, error) {
	if e.retention <= 0 {
		return 0, nil
	}
	n, err := e.store.Prune(ctx, now.Add(-e.retention))
	if err != nil {
		return 0, apperr.Store("prune conversations", err).WithOp("engine.PruneEnded")
	}
	return n, nil
}
