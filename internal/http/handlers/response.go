// Package handlers implements the history API endpoints.
//
// Every error is answered with an ErrorResponse carrying a stable code from
// errors.go; fail logs 5xx answers through the request-scoped logger.
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "message not found"
//	}
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// ErrorResponse is the error envelope of all endpoints.
type ErrorResponse struct {
	// echoed X-Request-ID
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	// safe to show to users
	Message string `json:"message"`
}

// fail aborts with an ErrorResponse. 5xx answers are logged.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	})
}

// Fail is fail for callers outside the package, such as router fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
