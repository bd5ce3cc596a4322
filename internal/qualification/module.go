// Package qualification exposes the lead qualification engine over HTTP: the
// inbound webhook used by the messaging gateway and the operator API.
package qualification

import (
	apphttp "leadqual_backend/internal/http"
	"leadqual_backend/platform/httpkit"
)

// OperatorRole is required on every operator route.
const OperatorRole = "operator"

// Module wires the qualification HTTP routes.
type Module struct {
	handler *Handler
}

func NewModule(deps HandlerDeps) *Module {
	return &Module{handler: NewHandler(deps)}
}

// Handler exposes the handler for tests and alternate mounts.
func (m *Module) Handler() *Handler {
	return m.handler
}

func (m *Module) Name() string {
	return "qualification"
}

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	webhook := ctx.V1.Group("/webhook")
	if ctx.WebhookAuth != nil {
		webhook.Use(ctx.WebhookAuth)
	}
	if ctx.WebhookRateLimiter != nil {
		webhook.Use(ctx.WebhookRateLimiter.RateLimit())
	}
	webhook.POST("/inbound", m.handler.HandleInbound)

	operator := ctx.Protected.Group("/qualification", httpkit.RequireRole(OperatorRole))
	operator.POST("/test", m.handler.HandleTestTurn)
	operator.GET("/stats", m.handler.HandleGetStats)
	operator.GET("/config", m.handler.HandleGetConfig)
	operator.GET("/provider/health", m.handler.HandleProviderHealth)

	conversations := operator.Group("/conversations")
	conversations.GET("/active", m.handler.HandleListActive)
	conversations.GET("/:contactId", m.handler.HandleGetConversation)
	conversations.POST("/:contactId/escalate", m.handler.HandleEscalate)
	conversations.POST("/:contactId/end", m.handler.HandleEnd)
	conversations.DELETE("/:contactId", m.handler.HandleDelete)
}

var _ apphttp.Module = (*Module)(nil)
