package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/push"
)

// Stream upgrades GET /stream to a websocket push feed. The optional
// conversation or group query parameter (not both) restricts the feed to one
// conversation; without either the client receives every event.
func (h *Handlers) Stream(c *gin.Context) {
	conv := strings.TrimSpace(c.Query("conversation"))
	group := strings.TrimSpace(c.Query("group"))

	var filter func(domain.ConversationKey) bool
	switch {
	case conv != "" && group != "":
		fail(c, http.StatusBadRequest, ErrCodeInvalidKey, "conversation and group are mutually exclusive")
		return
	case conv != "":
		filter = push.Only(domain.Conversation(conv))
	case group != "":
		filter = push.Only(domain.Group(group))
	}

	lg := middleware.LoggerFrom(c)
	lg.Info().Str("conversation", conv).Str("group", group).Msg("push stream opened")

	err := push.Serve(c.Request.Context(), c.Writer, c.Request, h.hub, filter, &websocket.AcceptOptions{
		OriginPatterns: h.StreamOrigins,
	})
	switch {
	case err == nil:
		lg.Info().Msg("push stream closed")
	case websocket.CloseStatus(err) != -1, errors.Is(err, context.Canceled), c.Request.Context().Err() != nil:
		lg.Debug().Err(err).Msg("push stream ended by peer")
	default:
		// Accept already answered the request when the upgrade failed
		if !c.Writer.Written() {
			fail(c, http.StatusBadRequest, ErrCodeStreamFailed, err.Error())
			return
		}
		lg.Warn().Err(err).Msg("push stream failed")
	}
}
