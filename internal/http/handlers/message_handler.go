// Message endpoints, mounted twice: under /conversations/:id and /groups/:id.
//
//   - GET    .../messages            one history page, newest first
//   - POST   .../messages            create a message and push message.new
//   - PATCH  .../messages/:mid       mark read or delete (tombstone)
//   - DELETE .../messages/:mid       tombstone, or remove with ?hard=true
//
// GET answers carry a weak ETag derived from the conversation's message count
// and latest update, plus the page parameters; a matching If-None-Match gets
// 304 without touching the page query.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/push"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/sysutil"
	"github.com/tbourn/go-chat-sync/internal/utils"
)

// MessageService is what the handlers need from services.MessageService.
type MessageService interface {
	Post(ctx context.Context, key domain.ConversationKey, in services.NewMessage) (*domain.Message, error)
	ListPage(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error)
	Patch(ctx context.Context, key domain.ConversationKey, id string, patch domain.MessagePatch) (*domain.Message, error)
	Delete(ctx context.Context, key domain.ConversationKey, id string, hard bool) error
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	msgSvc MessageService
	hub    *push.Hub
	// Origins allowed to open the push stream; empty accepts same-origin
	// requests only.
	StreamOrigins []string
}

// New returns handlers bound to the message service and the push hub.
func New(msgSvc MessageService, hub *push.Hub) *Handlers {
	return &Handlers{msgSvc: msgSvc, hub: hub}
}

// PostMessageRequest is the body of POST .../messages. SenderID falls back to
// the X-User-ID header.
type PostMessageRequest struct {
	SenderID  string             `json:"sender_id"`
	Content   string             `json:"content" binding:"required"`
	Type      domain.MessageType `json:"type"`
	ReplyToID *string            `json:"reply_to_id"`
}

// MessageResponse wraps a single message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// keyFrom resolves the conversation a route targets.
func keyFrom(c *gin.Context) (domain.ConversationKey, bool) {
	id := strings.TrimSpace(c.Param("id"))
	var key domain.ConversationKey
	if strings.Contains(c.FullPath(), "/groups/") {
		key = domain.Group(id)
	} else {
		key = domain.Conversation(id)
	}
	if key.Validate() != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidKey, "conversation id required")
		return domain.ConversationKey{}, false
	}
	return key, true
}

// fetchOptions parses page_size, cursor and direction. The page size is
// clamped to [1, repo.MaxPageSize].
func fetchOptions(c *gin.Context) (domain.FetchOptions, bool) {
	opts := domain.FetchOptions{
		PageSize:  utils.PageSize(c.Query("page_size"), repo.DefaultPageSize, repo.MaxPageSize),
		Cursor:    strings.TrimSpace(c.Query("cursor")),
		Direction: domain.Older,
	}
	if d := strings.ToLower(strings.TrimSpace(c.Query("direction"))); d != "" {
		opts.Direction = domain.Direction(d)
		if !opts.Direction.Valid() {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "direction must be older or newer")
			return domain.FetchOptions{}, false
		}
	}
	return opts, true
}

// statsDB returns the database behind the concrete service, when there is
// one, for ETag computation.
func (h *Handlers) statsDB() *gorm.DB {
	if svc, ok := h.msgSvc.(*services.MessageService); ok {
		return svc.DB
	}
	return nil
}

func maxContentRunes(msgSvc MessageService) int {
	if svc, ok := msgSvc.(*services.MessageService); ok && svc.MaxContentRunes > 0 {
		return svc.MaxContentRunes
	}
	return services.DefaultMaxContentRunes
}

// ListMessages serves one page of history.
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	key, okKey := keyFrom(c)
	if !okKey {
		return
	}
	opts, okOpts := fetchOptions(c)
	if !okOpts {
		return
	}

	// best effort: a stats failure just skips the conditional path
	if db := h.statsDB(); db != nil {
		if count, maxTS, err := repo.MessagesStats(ctx, db, key); err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%s:%s"`, key, count, ts, opts.PageSize, opts.Direction, opts.Cursor)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, err := h.msgSvc.ListPage(ctx, key, opts)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrInvalidCursor):
			fail(c, http.StatusBadRequest, ErrCodeInvalidCursor, "invalid cursor")
		case errors.Is(err, domain.ErrInvalidRequest):
			fail(c, http.StatusBadRequest, ErrCodeInvalidKey, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, page)
}

// PostMessage creates a message.
func (h *Handlers) PostMessage(c *gin.Context) {
	key, okKey := keyFrom(c)
	if !okKey {
		return
	}
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	m, err := h.msgSvc.Post(c.Request.Context(), key, services.NewMessage{
		SenderID:  sysutil.FirstNonEmpty(req.SenderID, middleware.SenderFrom(c)),
		Content:   req.Content,
		Type:      req.Type,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTooLong):
			fail(c, http.StatusBadRequest, ErrCodeValidation, fmt.Sprintf("content too long: max %d runes", maxContentRunes(h.msgSvc)))
		case isValidation(err):
			fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// PatchMessage applies a read or delete patch.
func (h *Handlers) PatchMessage(c *gin.Context) {
	key, okKey := keyFrom(c)
	if !okKey {
		return
	}
	var patch domain.MessagePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid patch")
		return
	}
	m, err := h.msgSvc.Patch(c.Request.Context(), key, c.Param("mid"), patch)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case isValidation(err):
			fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeUpdateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}

// DeleteMessage tombstones a message, or removes it with ?hard=true.
func (h *Handlers) DeleteMessage(c *gin.Context) {
	key, okKey := keyFrom(c)
	if !okKey {
		return
	}
	hard := sysutil.IsTruthy(c.Query("hard"))
	if err := h.msgSvc.Delete(c.Request.Context(), key, c.Param("mid"), hard); err != nil {
		if errors.Is(err, services.ErrMessageNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeDeleteFailed, err.Error())
		return
	}
	noContent(c)
}

func isValidation(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidRequest,
		services.ErrEmptyContent,
		services.ErrMissingSender,
		services.ErrInvalidType,
		services.ErrEmptyPatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
