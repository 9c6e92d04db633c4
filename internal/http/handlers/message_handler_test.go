package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/push"
	"github.com/tbourn/go-chat-sync/internal/repo"
	"github.com/tbourn/go-chat-sync/internal/services"
)

// ---------- test plumbing ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// newRouter mounts the message endpoints the way the server does.
func newRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Sender())
	for _, prefix := range []string{"/conversations/:id", "/groups/:id"} {
		g := r.Group(prefix)
		g.GET("/messages", h.ListMessages)
		g.POST("/messages", h.PostMessage)
		g.PATCH("/messages/:mid", h.PatchMessage)
		g.DELETE("/messages/:mid", h.DeleteMessage)
	}
	r.GET("/stream", h.Stream)
	return r
}

func newRealHandlers(t *testing.T) (*Handlers, *services.MessageService, *push.Hub) {
	t.Helper()
	hub := push.NewHub(16)
	svc := &services.MessageService{DB: newTestDB(t), Publisher: hub}
	return New(svc, hub), svc, hub
}

func do(r http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er
}

func seed(t *testing.T, svc *services.MessageService, key domain.ConversationKey, contents ...string) []*domain.Message {
	t.Helper()
	out := make([]*domain.Message, 0, len(contents))
	for _, c := range contents {
		m, err := svc.Post(context.Background(), key, services.NewMessage{SenderID: "u1", Content: c})
		if err != nil {
			t.Fatalf("seed %q: %v", c, err)
		}
		out = append(out, m)
	}
	return out
}

// stubSvc drives the error branches the real service cannot reach easily.
type stubSvc struct {
	err error
}

func (s stubSvc) Post(context.Context, domain.ConversationKey, services.NewMessage) (*domain.Message, error) {
	return nil, s.err
}

func (s stubSvc) ListPage(context.Context, domain.ConversationKey, domain.FetchOptions) (domain.Page, error) {
	return domain.Page{}, s.err
}

func (s stubSvc) Patch(context.Context, domain.ConversationKey, string, domain.MessagePatch) (*domain.Message, error) {
	return nil, s.err
}

func (s stubSvc) Delete(context.Context, domain.ConversationKey, string, bool) error { return s.err }

// ---------- ListMessages ----------

func TestListMessages_PaginationWalk(t *testing.T) {
	h, svc, _ := newRealHandlers(t)
	r := newRouter(h)
	key := domain.Conversation("c1")
	seed(t, svc, key, "m1", "m2", "m3", "m4", "m5")

	var seen []string
	cursor := ""
	for i := 0; i < 5; i++ {
		path := "/conversations/c1/messages?page_size=2"
		if cursor != "" {
			path += "&direction=older&cursor=" + cursor
		}
		w := do(r, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d: %s", path, w.Code, w.Body.String())
		}
		var page domain.Page
		if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode page: %v", err)
		}
		if page.TotalCount != 5 {
			t.Fatalf("total_count = %d", page.TotalCount)
		}
		for _, m := range page.Messages {
			seen = append(seen, m.Content)
		}
		if !page.HasNextPage {
			break
		}
		cursor = page.NextCursor
	}
	if got := strings.Join(seen, ","); got != "m5,m4,m3,m2,m1" {
		t.Fatalf("walk order = %s", got)
	}
}

func TestListMessages_EmptyConversation(t *testing.T) {
	h, _, _ := newRealHandlers(t)
	w := do(newRouter(h), http.MethodGet, "/groups/none/messages", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"messages":[]`) {
		t.Fatalf("empty page must carry an empty array: %s", w.Body.String())
	}
}

func TestListMessages_ETagAndNotModified(t *testing.T) {
	h, svc, _ := newRealHandlers(t)
	r := newRouter(h)
	key := domain.Conversation("c1")
	seed(t, svc, key, "a")

	w := do(r, http.MethodGet, "/conversations/c1/messages", "", nil)
	etag := w.Header().Get("ETag")
	if w.Code != http.StatusOK || !strings.HasPrefix(etag, `W/"messages:`) {
		t.Fatalf("first GET: code=%d etag=%q", w.Code, etag)
	}

	w = do(r, http.MethodGet, "/conversations/c1/messages", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified || w.Body.Len() != 0 {
		t.Fatalf("expected 304 with empty body, got %d %q", w.Code, w.Body.String())
	}

	// different page parameters never match
	w = do(r, http.MethodGet, "/conversations/c1/messages?page_size=3", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK {
		t.Fatalf("page_size change should miss the ETag, got %d", w.Code)
	}

	time.Sleep(2 * time.Millisecond)
	seed(t, svc, key, "b")
	w = do(r, http.MethodGet, "/conversations/c1/messages", "", map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK || w.Header().Get("ETag") == etag {
		t.Fatalf("new message should change the ETag: code=%d etag=%q", w.Code, w.Header().Get("ETag"))
	}
}

func TestListMessages_BadParameters(t *testing.T) {
	h, _, _ := newRealHandlers(t)
	r := newRouter(h)

	cases := []struct {
		path string
		code string
	}{
		{"/conversations/c1/messages?cursor=%21%21not-base64", ErrCodeInvalidCursor},
		{"/conversations/c1/messages?direction=sideways", ErrCodeBadRequest},
		{"/conversations/%20/messages", ErrCodeInvalidKey},
	}
	for _, tc := range cases {
		w := do(r, http.MethodGet, tc.path, "", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d", tc.path, w.Code)
		}
		if er := decodeError(t, w); er.Code != tc.code || er.RequestID == "" {
			t.Fatalf("%s: unexpected body %+v", tc.path, er)
		}
	}
}

func TestListMessages_ServiceFailure(t *testing.T) {
	r := newRouter(New(stubSvc{err: errors.New("db down")}, push.NewHub(1)))
	w := do(r, http.MethodGet, "/conversations/c1/messages", "", nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeListFailed {
		t.Fatalf("expected 500 list_failed, got %d %s", w.Code, w.Body.String())
	}
}

// ---------- PostMessage ----------

func TestPostMessage_CreatesAndPublishes(t *testing.T) {
	h, _, hub := newRealHandlers(t)
	r := newRouter(h)
	events, cancel := hub.Subscribe(push.Only(domain.Group("g1")))
	defer cancel()

	w := do(r, http.MethodPost, "/groups/g1/messages", `{"content":"  hi there  ","reply_to_id":"m0"}`,
		map[string]string{middleware.SenderHeader: "u7"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp MessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	m := resp.Message
	if m == nil || m.ID == "" || m.GroupID != "g1" || m.SenderID != "u7" || m.Content != "hi there" || m.Type != domain.TypeText {
		t.Fatalf("unexpected message: %+v", m)
	}
	if m.ReplyToID == nil || *m.ReplyToID != "m0" {
		t.Fatalf("reply_to_id lost: %+v", m.ReplyToID)
	}

	select {
	case ev := <-events:
		if ev.Type != domain.EventMessageNew || ev.Message == nil || ev.Message.ID != m.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event published")
	}
}

func TestPostMessage_Validation(t *testing.T) {
	hub := push.NewHub(1)
	svc := &services.MessageService{DB: newTestDB(t), Publisher: hub, MaxContentRunes: 5}
	r := newRouter(New(svc, hub))
	sender := map[string]string{middleware.SenderHeader: "u1"}

	cases := []struct {
		name string
		body string
		hdr  map[string]string
		code string
	}{
		{"missing content", `{}`, sender, ErrCodeBadRequest},
		{"blank content", `{"content":" \r\n "}`, sender, ErrCodeValidation},
		{"no sender", `{"content":"x"}`, nil, ErrCodeValidation},
		{"bad type", `{"content":"x","type":"video"}`, sender, ErrCodeValidation},
		{"deleted type", `{"content":"x","type":"deleted"}`, sender, ErrCodeValidation},
		{"too long", `{"content":"123456"}`, sender, ErrCodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/conversations/c1/messages", tc.body, tc.hdr)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			er := decodeError(t, w)
			if er.Code != tc.code {
				t.Fatalf("code=%q want %q", er.Code, tc.code)
			}
			if tc.name == "too long" && !regexp.MustCompile(`max 5 runes`).MatchString(er.Message) {
				t.Fatalf("expected max count in message, got %q", er.Message)
			}
		})
	}
}

func TestPostMessage_BodySenderWinsOverHeader(t *testing.T) {
	h, _, _ := newRealHandlers(t)
	w := do(newRouter(h), http.MethodPost, "/conversations/c1/messages", `{"content":"x","sender_id":"body"}`,
		map[string]string{middleware.SenderHeader: "header"})
	var resp MessageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != http.StatusCreated || resp.Message.SenderID != "body" {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestPostMessage_ServiceFailure(t *testing.T) {
	r := newRouter(New(stubSvc{err: errors.New("disk full")}, push.NewHub(1)))
	w := do(r, http.MethodPost, "/conversations/c1/messages", `{"content":"x","sender_id":"u"}`, nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeCreateFailed {
		t.Fatalf("expected 500 create_failed, got %d %s", w.Code, w.Body.String())
	}
}

// ---------- PatchMessage / DeleteMessage ----------

func TestPatchMessage(t *testing.T) {
	h, svc, hub := newRealHandlers(t)
	r := newRouter(h)
	key := domain.Conversation("c1")
	m := seed(t, svc, key, "hello")[0]
	events, cancel := hub.Subscribe(nil)
	defer cancel()

	w := do(r, http.MethodPatch, "/conversations/c1/messages/"+m.ID, `{"is_read":true}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var resp MessageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Message.IsRead {
		t.Fatalf("read flag not applied: %+v", resp.Message)
	}
	select {
	case ev := <-events:
		if ev.Type != domain.EventMessageRead || ev.MessageID != m.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}

	for body, code := range map[string]string{
		`{}`:               ErrCodeValidation,
		`{"type":"image"}`: ErrCodeValidation,
		`not json`:         ErrCodeBadRequest,
	} {
		w := do(r, http.MethodPatch, "/conversations/c1/messages/"+m.ID, body, nil)
		if w.Code != http.StatusBadRequest || decodeError(t, w).Code != code {
			t.Fatalf("%s: got %d %s", body, w.Code, w.Body.String())
		}
	}

	// wrong conversation is a miss
	w = do(r, http.MethodPatch, "/conversations/other/messages/"+m.ID, `{"is_read":true}`, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestDeleteMessage_SoftAndHard(t *testing.T) {
	h, svc, _ := newRealHandlers(t)
	r := newRouter(h)
	key := domain.Conversation("c1")
	ms := seed(t, svc, key, "keep-as-tombstone", "remove")

	if w := do(r, http.MethodDelete, "/conversations/c1/messages/"+ms[0].ID, "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("soft delete status=%d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/conversations/c1/messages/"+ms[1].ID+"?hard=true", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("hard delete status=%d", w.Code)
	}
	if w := do(r, http.MethodDelete, "/conversations/c1/messages/"+ms[1].ID, "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second delete should 404, got %d", w.Code)
	}

	page, err := svc.ListPage(context.Background(), key, domain.FetchOptions{PageSize: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Type != domain.TypeDeleted {
		t.Fatalf("unexpected remaining window: %+v", page.Messages)
	}
}

func TestDeleteMessage_ServiceFailure(t *testing.T) {
	r := newRouter(New(stubSvc{err: errors.New("locked")}, push.NewHub(1)))
	w := do(r, http.MethodDelete, "/groups/g/messages/m", "", nil)
	if w.Code != http.StatusInternalServerError || decodeError(t, w).Code != ErrCodeDeleteFailed {
		t.Fatalf("expected 500 delete_failed, got %d %s", w.Code, w.Body.String())
	}
}

func TestMaxContentRunes_Fallback(t *testing.T) {
	if got := maxContentRunes(stubSvc{}); got != services.DefaultMaxContentRunes {
		t.Fatalf("got %d", got)
	}
	if got := maxContentRunes(&services.MessageService{MaxContentRunes: 9}); got != 9 {
		t.Fatalf("got %d", got)
	}
}
