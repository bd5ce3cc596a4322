package qualification

import (
	"context"
	"net/http"

	"leadqual_backend/internal/qualification/dedupe"
	"leadqual_backend/internal/qualification/domain"
	"leadqual_backend/internal/qualification/engine"
	"leadqual_backend/internal/qualification/provider"
	"leadqual_backend/internal/qualification/rules"
	"leadqual_backend/platform/apperr"
	"leadqual_backend/platform/httpkit"
	"leadqual_backend/platform/logger"
	"leadqual_backend/platform/metrics"
	"leadqual_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

const (
	errInvalidRequest = "invalid request body"
	errValidation     = "validation error"
)

// ReplySender delivers an agent reply to the lead.
type ReplySender interface {
	SendMessage(ctx context.Context, contactID, message string) error
}

// ProviderMonitor exposes provider health and usage.
type ProviderMonitor interface {
	Name() string
	HealthCheck(ctx context.Context) provider.Health
	Stats() provider.Stats
}

// Handler serves the webhook and operator endpoints.
type Handler struct {
	engine   *engine.Engine
	dedupe   dedupe.Deduper
	sender   ReplySender
	provider ProviderMonitor
	metrics  *metrics.Metrics
	val      *validator.Validator
	log      *logger.Logger
}

// HandlerDeps groups the handler collaborators. Dedupe, Sender and Provider
// are optional.
type HandlerDeps struct {
	Engine    *engine.Engine
	Dedupe    dedupe.Deduper
	Sender    ReplySender
	Provider  ProviderMonitor
	Metrics   *metrics.Metrics
	Validator *validator.Validator
	Log       *logger.Logger
}

func NewHandler(deps HandlerDeps) *Handler {
	h := &Handler{
		engine:   deps.Engine,
		dedupe:   deps.Dedupe,
		sender:   deps.Sender,
		provider: deps.Provider,
		metrics:  deps.Metrics,
		val:      deps.Validator,
		log:      deps.Log,
	}
	if h.val == nil {
		h.val = validator.New()
	}
	if h.log == nil {
		h.log = logger.Discard()
	}
	return h
}

// HandleInbound processes one lead message from the messaging gateway.
// POST /api/v1/webhook/inbound
func (h *Handler) HandleInbound(c *gin.Context) {
	var req InboundRequest
	if !h.bindAndValidate(c, &req) {
		return
	}
	ctx := c.Request.Context()

	if req.MessageID != "" && h.dedupe != nil {
		first, err := h.dedupe.FirstSeen(ctx, req.MessageID)
		if err != nil {
			// delivery ids are best effort; process rather than drop
			h.log.WithContext(ctx).Warn("dedupe lookup failed", "error", err)
		} else if !first {
			h.metrics.ObserveDuplicate()
			httpkit.OK(c, InboundResponse{Duplicate: true})
			return
		}
	}

	res, err := h.engine.HandleInbound(ctx, engine.Inbound{ContactID: req.ContactID, Text: req.Text, SenderName: req.SenderName})
	if res == nil {
		// nothing was persisted; the gateway's retry must be processed
		h.forget(ctx, req.MessageID)
		httpkit.HandleError(c, err)
		return
	}

	resp := InboundResponse{Outcome: res.Outcome, Status: res.Conversation.Status, Reply: res.Reply}
	if res.Reply != "" && h.sender != nil {
		if sendErr := h.sender.SendMessage(ctx, res.Conversation.ContactID, res.Reply); sendErr != nil {
			h.log.WithContext(ctx).Error("reply delivery failed", "error", sendErr)
		} else {
			resp.Delivered = true
		}
	}

	// the fallback reply still goes out, but the gateway learns the turn failed
	if apperr.Is(err, apperr.KindUnavailable) {
		httpkit.JSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	httpkit.OK(c, resp)
}

func (h *Handler) forget(ctx context.Context, messageID string) {
	if messageID == "" || h.dedupe == nil {
		return
	}
	if err := h.dedupe.Forget(context.WithoutCancel(ctx), messageID); err != nil {
		h.log.WithContext(ctx).Warn("dedupe release failed", "error", err)
	}
}

// HandleTestTurn runs a turn without delivering the reply.
// POST /api/v1/qualification/test
func (h *Handler) HandleTestTurn(c *gin.Context) {
	var req TestTurnRequest
	if !h.bindAndValidate(c, &req) {
		return
	}

	res, err := h.engine.HandleInbound(h.operatorContext(c), engine.Inbound{ContactID: req.ContactID, Text: req.Text, SenderName: req.SenderName})
	if httpkit.HandleError(c, err) {
		return
	}

	httpkit.OK(c, TestTurnResponse{
		Outcome:      res.Outcome,
		Reply:        res.Reply,
		Created:      res.Created,
		Breakdown:    res.Breakdown,
		Priority:     rules.PriorityOf(res.Conversation),
		Tags:         rules.Tags(res.Conversation),
		Conversation: res.Conversation,
	})
}

// HandleGetStats returns the reporting snapshot.
// GET /api/v1/qualification/stats
func (h *Handler) HandleGetStats(c *gin.Context) {
	stats, err := h.engine.GetStats(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, stats)
}

// HandleListActive lists in_progress conversations.
// GET /api/v1/qualification/conversations/active
func (h *Handler) HandleListActive(c *gin.Context) {
	items, err := h.engine.ListActive(c.Request.Context())
	if httpkit.HandleError(c, err) {
		return
	}

	out := make([]ConversationSummary, 0, len(items))
	for _, item := range items {
		out = append(out, toSummary(item))
	}
	httpkit.OK(c, ActiveConversationsResponse{Conversations: out, Total: len(out)})
}

// HandleGetConversation returns one conversation.
// GET /api/v1/qualification/conversations/:contactId
func (h *Handler) HandleGetConversation(c *gin.Context) {
	conv, err := h.engine.GetConversation(c.Request.Context(), c.Param("contactId"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toConversationResponse(conv))
}

// HandleEscalate hands a conversation to a human.
// POST /api/v1/qualification/conversations/:contactId/escalate
func (h *Handler) HandleEscalate(c *gin.Context) {
	h.manual(c, h.engine.ForceEscalate)
}

// HandleEnd closes a conversation.
// POST /api/v1/qualification/conversations/:contactId/end
func (h *Handler) HandleEnd(c *gin.Context) {
	h.manual(c, h.engine.ForceEnd)
}

func (h *Handler) manual(c *gin.Context, action func(context.Context, string, string) (*domain.Conversation, error)) {
	var req ReasonRequest
	if c.Request.ContentLength != 0 && !h.bindAndValidate(c, &req) {
		return
	}

	conv, err := action(h.operatorContext(c), c.Param("contactId"), req.Reason)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, toConversationResponse(conv))
}

// HandleDelete removes a conversation record.
// DELETE /api/v1/qualification/conversations/:contactId
func (h *Handler) HandleDelete(c *gin.Context) {
	if err := h.engine.RemoveConversation(h.operatorContext(c), c.Param("contactId")); httpkit.HandleError(c, err) {
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleGetConfig describes the criteria in effect.
// GET /api/v1/qualification/config
func (h *Handler) HandleGetConfig(c *gin.Context) {
	criteria := h.engine.Criteria()
	resp := ConfigResponse{
		BusinessType:    criteria.BusinessType,
		RequiredFields:  criteria.RequiredFields,
		KnownFields:     criteria.KnownFields(),
		MinScore:        criteria.MinScore,
		MaxAttempts:     criteria.MaxAttempts,
		TimeoutMinutes:  criteria.TimeoutMinutes,
		HighValueAmount: criteria.HighValueAmount,
		Weights:         criteria.Weights,
	}
	if h.provider != nil {
		resp.Provider = h.provider.Name()
	}
	httpkit.OK(c, resp)
}

// HandleProviderHealth probes the provider and reports usage counters.
// GET /api/v1/qualification/provider/health
func (h *Handler) HandleProviderHealth(c *gin.Context) {
	if h.provider == nil {
		httpkit.Error(c, http.StatusNotFound, "provider monitoring not configured", nil)
		return
	}

	health := h.provider.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	httpkit.JSON(c, status, gin.H{"health": health, "stats": h.provider.Stats()})
}

func (h *Handler) operatorContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if op, ok := httpkit.GetOperator(c); ok {
		ctx = engine.WithActor(ctx, op.Subject)
	}
	return ctx
}

func (h *Handler) bindAndValidate(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errInvalidRequest, err.Error())
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, errValidation, validator.Details(err))
		return false
	}
	return true
}
