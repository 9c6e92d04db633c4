package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func TestKeyBySenderOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = net.JoinHostPort("203.0.113.9", "12345")
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = req

	if key := KeyBySenderOrIP()(c); !strings.HasPrefix(key, "ip:") || !strings.Contains(key, "203.0.113.9") {
		t.Fatalf("expected ip key, got %q", key)
	}
	c.Set(SenderKey, "u123")
	if key := KeyBySenderOrIP()(c); key != "sender:u123" {
		t.Fatalf("expected sender key, got %q", key)
	}
}

func TestRateLimiter_ReuseAndGC(t *testing.T) {
	rl := NewRateLimiter(2, 0, KeyBySenderOrIP())
	if rl.burst != 1 {
		t.Fatalf("burst coercion failed: %d", rl.burst)
	}
	lim := rl.getVisitor("k1")
	if rl.getVisitor("k1") != lim {
		t.Fatalf("expected limiter reuse")
	}

	rl.mu.Lock()
	rl.ttl = time.Nanosecond
	rl.visitors["old"] = &visitor{limiter: rate.NewLimiter(1, 1), lastSeen: time.Now().Add(-time.Hour)}
	rl.lookups = rl.gcEvery - 1
	rl.mu.Unlock()

	_ = rl.getVisitor("new")

	rl.mu.Lock()
	_, old := rl.visitors["old"]
	_, fresh := rl.visitors["new"]
	rl.mu.Unlock()
	if old || !fresh {
		t.Fatalf("gc: old=%v new=%v", old, fresh)
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0.5, 1, KeyBySenderOrIP())

	r := gin.New()
	r.Use(RequestID(), Sender(), rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func(sender string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ok", nil)
		req.Header.Set(SenderHeader, sender)
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("a"); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do("a")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}

	// separate bucket per sender
	if w := do("b"); w.Code != http.StatusOK {
		t.Fatalf("other sender limited: %d", w.Code)
	}
}

func TestRateLimiter_ZeroRateDenies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(0, 1, KeyBySenderOrIP())
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
		codes = append(codes, w.Code)
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Fatalf("expected second request denied, got %v", codes)
	}
}
