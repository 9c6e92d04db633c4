package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountersAndPathFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Metrics())
	r.GET("/conversations/:id/messages", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.GET("/stream", func(c *gin.Context) {
		if got := testutil.ToFloat64(streamConns); got < 1 {
			t.Errorf("stream gauge = %v during upgrade", got)
		}
		c.Status(http.StatusSwitchingProtocols)
	})

	baseOK := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id/messages", "200"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))
	baseStream := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/stream", "101"))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/conversations/c1/messages", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/conversations/:id/messages", "200")); got != baseOK+1 {
		t.Fatalf("route counter = %v, want %v", got, baseOK+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != base404+1 {
		t.Fatalf("fallback counter = %v, want %v", got, base404+1)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/stream", "101")); got != baseStream+1 {
		t.Fatalf("stream counter = %v, want %v", got, baseStream+1)
	}
	if got := testutil.ToFloat64(httpInflight); got != 0 {
		t.Fatalf("inflight = %v", got)
	}
	if got := testutil.ToFloat64(streamConns); got != 0 {
		t.Fatalf("stream gauge = %v after close", got)
	}
}
