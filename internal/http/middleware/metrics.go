package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Labels are method, route path (raw path when unmatched) and status. The
// latency and size histograms omit status.
var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "HTTP requests served by the history API.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "Duration of history API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_http_requests_inflight",
			Help: "History API requests currently being served.",
		},
	)

	// pages of up to 100 messages stay well under 1MiB
	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_response_size_bytes",
			Help:    "Size of history API responses in bytes.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 13), // 256B..1MiB
		},
		[]string{"method", "path"},
	)

	streamConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_http_stream_connections",
			Help: "Open push stream connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, streamConns)
}

// Metrics instruments requests with Prometheus. Upgraded push streams are
// tracked by a separate gauge instead of the in-flight and latency metrics,
// since they live as long as the client stays connected.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUpgrade(c.Request) {
			streamConns.Inc()
			defer streamConns.Dec()
			c.Next()
			httpReqs.WithLabelValues(c.Request.Method, routePath(c), strconv.Itoa(c.Writer.Status())).Inc()
			return
		}

		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := routePath(c)
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		// -1 when nothing was written
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}

func isUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") && headerHasToken(r.Header, "Upgrade", "websocket")
}
