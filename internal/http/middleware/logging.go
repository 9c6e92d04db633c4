// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides request correlation, the sender identity, structured
// access logging and panic recovery. Recommended order:
//
//  1. RequestID()
//  2. Sender()
//  3. Logger(opts)
//  4. Recovery()
//
// Handlers retrieve the request-scoped logger with LoggerFrom, which already
// carries the request id, the sender and the conversation the route targets.
package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	// SenderKey is the Gin context key holding the caller's sender id.
	SenderKey = "senderID"
	// SenderHeader carries the caller's sender id.
	SenderHeader = "X-User-ID"

	loggerKey         = "logger"
	maxQueryLogLength = 2048
)

// RequestID reuses an incoming X-Request-ID or generates a UUIDv4, stores it
// in the context and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Sender stores the trimmed X-User-ID header under SenderKey when present.
// There is no authentication; the header is trusted as-is.
func Sender() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s := strings.TrimSpace(c.GetHeader(SenderHeader)); s != "" {
			c.Set(SenderKey, s)
		}
		c.Next()
	}
}

// SenderFrom returns the sender id stored by Sender, or "".
func SenderFrom(c *gin.Context) string {
	v, _ := c.Get(SenderKey)
	return asString(v)
}

// LoggerOptions configures Logger.
type LoggerOptions struct {
	// SkipPaths are routes (or raw paths) that produce no access log line,
	// typically /health and /metrics.
	SkipPaths []string
	// MaskHeaders are extra request headers whose values are masked when
	// headers are logged at debug level.
	MaskHeaders []string
}

// Logger attaches a request-scoped zerolog.Logger and writes one access log
// line per request: error for 5xx or collected gin errors, warn for 4xx, info
// otherwise. Request headers are included, scrubbed, when debug is enabled.
func Logger(opts LoggerOptions) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}
	red := newRedactor(opts.MaskHeaders)

	return func(c *gin.Context) {
		start := time.Now()
		path := routePath(c)

		rid, _ := c.Get(requestIDKey)
		lc := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path)
		if s := SenderFrom(c); s != "" {
			lc = lc.Str("sender_id", s)
		}
		if conv := conversationOf(c); conv != "" {
			lc = lc.Str("conversation", conv)
		}
		l := lc.Logger()
		c.Set(loggerKey, &l)

		c.Next()

		if _, ok := skip[path]; ok {
			return
		}

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case len(c.Errors) > 0:
			ev = l.Error().Str("errors", c.Errors.String())
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev = ev.
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(red.scrub(c.Request.URL.RawQuery), maxQueryLogLength)).
			Int64("bytes_in", c.Request.ContentLength).
			Int("status", status).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start))
		if l.GetLevel() <= zerolog.DebugLevel {
			ev = ev.Interface("headers", red.headers(c.Request.Header))
		}
		ev.Msg("request")
	}
}

// Recovery turns a panic into a JSON 500 carrying the request id, unless the
// response was already started.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid, _ := c.Get(requestIDKey)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			c.Header(requestIDHeader, asString(rid))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"request_id": asString(rid),
				"code":       "internal_error",
				"message":    "internal server error",
			})
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global one when Logger
// did not run.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// routePath prefers the registered route to keep log and label cardinality
// bounded; unmatched requests fall back to the raw path.
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

// conversationOf renders the conversation a message route targets as
// "conversation:<id>" or "group:<id>".
func conversationOf(c *gin.Context) string {
	id := c.Param("id")
	if id == "" {
		return ""
	}
	switch {
	case strings.Contains(c.FullPath(), "/groups/"):
		return "group:" + id
	case strings.Contains(c.FullPath(), "/conversations/"):
		return "conversation:" + id
	}
	return ""
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes plus an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
