// Package httpapi wires the dev history server: Gin middleware, the message
// endpoints and the push stream.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID and Sender (correlation)
//  3. Logger, then Recovery so panics are logged with the request id
//  4. Body size limit and gzip (the push stream is excluded)
//  5. Metrics
//  6. Rate limiter, per sender or IP
//  7. CORS and security headers
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/http/handlers"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/push"
	"github.com/tbourn/go-chat-sync/internal/services"
)

const maxBodyBytes = 1 << 20

var (
	corsMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match", middleware.SenderHeader}
	corsExpose  = []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After"}
)

// RegisterRoutes attaches middleware, operational endpoints and the versioned
// message API to r. Mutations are published to hub.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, hub *push.Hub, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	apiBase := cfg.APIBasePath
	streamPath := joinPath(apiBase, "/stream")

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	r.Use(middleware.RequestID())
	r.Use(middleware.Sender())

	r.Use(middleware.Logger(middleware.LoggerOptions{
		SkipPaths:   []string{"/health", "/metrics"},
		MaskHeaders: []string{"X-API-Key"},
	}))
	r.Use(middleware.Recovery())

	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{streamPath, "/metrics"})))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyBySenderOrIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		// ACAO "*" even without an Origin header, for health checks and curl.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: false, // must stay false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     corsMethods,
			AllowHeaders:     corsHeaders,
			ExposeHeaders:    corsExpose,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": hub.Len()})
	})

	msgSvc := &services.MessageService{DB: db, Publisher: hub}
	h := handlers.New(msgSvc, hub)
	h.StreamOrigins = cfg.CORS.AllowedOrigins

	api := groupWithPrefix(r, apiBase)
	for _, prefix := range []string{"/conversations/:id", "/groups/:id"} {
		g := api.Group(prefix)
		g.GET("/messages", h.ListMessages)
		g.POST("/messages", h.PostMessage)
		g.PATCH("/messages/:mid", h.PatchMessage)
		g.DELETE("/messages/:mid", h.DeleteMessage)
	}
	api.GET("/stream", h.Stream)
}

// limitBody caps request bodies at maxBytes; reads past the cap fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return base + p
}
