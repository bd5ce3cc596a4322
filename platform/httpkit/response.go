// Package httpkit holds the gin plumbing shared by every module: response
// helpers, error mapping and middleware. No business logic lives here.
package httpkit

import (
	"errors"
	"net/http"
	"strconv"

	"leadqual_backend/platform/apperr"

	"github.com/gin-gonic/gin"
)

// unavailableRetryAfter is the Retry-After hint, in seconds, on 503 answers.
const unavailableRetryAfter = 5

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

func JSON(c *gin.Context, status int, payload any) { c.JSON(status, payload) }

func OK(c *gin.Context, payload any) { c.JSON(http.StatusOK, payload) }

func Error(c *gin.Context, status int, message string, details any) {
	c.JSON(status, ErrorResponse{Error: message, Details: details})
}

// HandleError writes err and reports whether there was one. An *apperr.Error
// anywhere in the chain decides the status; anything else is a 500 whose
// message is not exposed.
func HandleError(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return true
	}

	status := appErr.HTTPStatus()
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(unavailableRetryAfter))
	}
	c.JSON(status, ErrorResponse{
		Error:   appErr.Message,
		Kind:    appErr.Kind.String(),
		Details: appErr.Details,
	})
	return true
}
