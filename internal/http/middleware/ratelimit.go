package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyFunc selects the bucket a request is charged to.
type keyFunc func(*gin.Context) string

// KeyBySenderOrIP charges requests to the sender set by Sender, falling back
// to the client IP. Keys are namespaced ("sender:u1", "ip:203.0.113.7").
func KeyBySenderOrIP() keyFunc {
	return func(c *gin.Context) string {
		if s := SenderFrom(c); s != "" {
			return "sender:" + s
		}
		return "ip:" + c.ClientIP()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a process-local token bucket per key. Idle buckets are
// evicted opportunistically every gcEvery lookups.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	keyFn keyFunc

	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	lookups  uint64
	gcEvery  uint64
}

// NewRateLimiter returns a limiter allowing rps requests per second per key
// with the given burst (coerced to at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		keyFn:    keyFn,
		visitors: make(map[string]*visitor),
		ttl:      10 * time.Minute,
		gcEvery:  5000,
	}
}

// getVisitor returns the bucket for key. GC runs before the lookup so an idle
// bucket is dropped even when it is the one requested.
func (rl *RateLimiter) getVisitor(key string) *rate.Limiter {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= rl.gcEvery {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= rl.ttl {
				delete(rl.visitors, k)
			}
		}
		rl.lookups = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler rejects requests over the limit with 429, a Retry-After hint and
// the standard error envelope.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lim := rl.getVisitor(rl.keyFn(c))
		res := lim.Reserve()
		if res.OK() && res.Delay() == 0 {
			c.Next()
			return
		}
		retry := 1
		if res.OK() {
			retry = int(math.Ceil(res.Delay().Seconds()))
			res.Cancel()
		}
		c.Header("Retry-After", strconv.Itoa(max(retry, 1)))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
