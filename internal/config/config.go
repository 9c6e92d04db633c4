// Package config loads settings for the history server and the sync client
// from environment variables, with defaults and validation.
//
// LoadFile layers an optional TOML profile under the environment: a key
// `page_size` in a `[sync]` table is read as SYNC_PAGE_SIZE, a top-level
// `port` as PORT. Variables set in the environment always win.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// CORSConfig defines Cross-Origin Resource Sharing settings. The same origins
// are allowed to open the push stream.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines HSTS settings.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SyncConfig tunes the client-side synchronization engine.
type SyncConfig struct {
	PageSize       int           // SYNC_PAGE_SIZE
	StaleAfter     time.Duration // SYNC_STALE_AFTER
	DedupWindow    time.Duration // SYNC_DEDUP_WINDOW
	RefreshTimeout time.Duration // SYNC_REFRESH_TIMEOUT
}

// ClientConfig points the sync client at a history server.
type ClientConfig struct {
	HistoryURL   string        // HISTORY_URL, base of the REST API
	HistoryRPS   float64       // HISTORY_RPS, 0 disables throttling
	HistoryBurst int           // HISTORY_BURST
	Timeout      time.Duration // HISTORY_TIMEOUT
	PushURL      string        // PUSH_URL, defaults to HISTORY_URL
	SenderID     string        // SENDER_ID used by `send`
}

// Config holds all settings.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool
	APIBasePath string

	// Storage
	DBPath string

	// Rate limiting (server side)
	RateRPS   float64
	RateBurst int

	// Push
	PushBuffer int // per-subscriber queue

	CORS     CORSConfig
	Security SecurityConfig
	Sync     SyncConfig
	Client   ClientConfig
	OTEL     OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	return load(envSource{})
}

// LoadFile reads the TOML profile at path and then the environment, which
// overrides it. An empty path is the same as Load.
func LoadFile(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return Load()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var tree map[string]any
	if err := toml.Unmarshal(raw, &tree); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	file := make(map[string]string)
	flatten("", tree, file)
	return load(layered{file: file})
}

func load(src source) (Config, error) {
	g := getter{src}
	cfg := Config{
		Port:              g.str("PORT", "8080"),
		ReadTimeout:       g.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: g.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		// zero: the push stream is long-lived; page handlers are bounded by
		// the request context instead
		WriteTimeout:   g.dur("WRITE_TIMEOUT", 0),
		IdleTimeout:    g.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes: g.int("MAX_HEADER_BYTES", 1<<20),
		GinMode:        strings.ToLower(g.str("GIN_MODE", "release")),

		LogLevel:    strings.ToLower(g.str("LOG_LEVEL", "info")),
		LogPretty:   g.bool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(g.str("API_BASE_PATH", "/api/v1")),

		DBPath: g.str("DB_PATH", "chatsync.db"),

		RateRPS:   g.float("RATE_RPS", 20),
		RateBurst: g.int("RATE_BURST", 40),

		PushBuffer: g.int("PUSH_BUFFER", 64),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(g.str("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: g.bool("ENABLE_HSTS", false),
			HSTSMaxAge: g.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},
		Sync: SyncConfig{
			PageSize:       g.int("SYNC_PAGE_SIZE", 12),
			StaleAfter:     g.dur("SYNC_STALE_AFTER", 30*time.Second),
			DedupWindow:    g.dur("SYNC_DEDUP_WINDOW", 5*time.Second),
			RefreshTimeout: g.dur("SYNC_REFRESH_TIMEOUT", 15*time.Second),
		},
		Client: ClientConfig{
			HistoryURL:   strings.TrimRight(g.str("HISTORY_URL", "http://localhost:8080/api/v1"), "/"),
			HistoryRPS:   g.float("HISTORY_RPS", 10),
			HistoryBurst: g.int("HISTORY_BURST", 5),
			Timeout:      g.dur("HISTORY_TIMEOUT", 15*time.Second),
			PushURL:      strings.TrimRight(g.str("PUSH_URL", ""), "/"),
			SenderID:     g.str("SENDER_ID", ""),
		},
		OTEL: OTELConfig{
			Enabled:     g.bool("OTEL_ENABLED", false),
			Endpoint:    g.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    g.bool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: g.str("OTEL_SERVICE_NAME", "chatsync"),
			SampleRatio: g.float("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.Client.PushURL == "" {
		cfg.Client.PushURL = cfg.Client.HistoryURL
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.WriteTimeout < 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.PushBuffer < 1 {
		return cfg, errors.New("PUSH_BUFFER must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.Sync.PageSize < 1 || cfg.Sync.PageSize > 100 {
		return cfg, errors.New("SYNC_PAGE_SIZE must be between 1 and 100")
	}
	if cfg.Sync.StaleAfter <= 0 || cfg.Sync.DedupWindow <= 0 || cfg.Sync.RefreshTimeout <= 0 {
		return cfg, errors.New("SYNC_* durations must be positive")
	}
	if cfg.Client.HistoryRPS < 0 {
		return cfg, errors.New("HISTORY_RPS must be >= 0")
	}
	if cfg.Client.Timeout <= 0 {
		return cfg, errors.New("HISTORY_TIMEOUT must be > 0")
	}
	for _, kv := range [][2]string{{"HISTORY_URL", cfg.Client.HistoryURL}, {"PUSH_URL", cfg.Client.PushURL}} {
		if u, err := url.Parse(kv[1]); err != nil || u.Host == "" {
			return cfg, fmt.Errorf("%s must be an absolute URL", kv[0])
		}
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- sources ----

type source interface {
	lookup(key string) (string, bool)
}

type envSource struct{}

func (envSource) lookup(k string) (string, bool) { return os.LookupEnv(k) }

// layered consults the environment first, then the flattened file.
type layered struct{ file map[string]string }

func (l layered) lookup(k string) (string, bool) {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v, true
	}
	v, ok := l.file[k]
	return v, ok
}

// flatten maps nested TOML tables to upper-case, underscore-joined keys.
// Arrays become comma-separated lists.
func flatten(prefix string, tree map[string]any, out map[string]string) {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := tree[k].(type) {
		case map[string]any:
			flatten(name, v, out)
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			out[name] = strings.Join(parts, ",")
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

// ---- helpers ----

type getter struct{ src source }

func (g getter) raw(k string) (string, bool) {
	v, ok := g.src.lookup(k)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (g getter) str(k, def string) string {
	if v, ok := g.raw(k); ok {
		return v
	}
	return def
}

func (g getter) float(k string, def float64) float64 {
	if v, ok := g.raw(k); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (g getter) int(k string, def int) int {
	if v, ok := g.raw(k); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (g getter) bool(k string, def bool) bool {
	if v, ok := g.raw(k); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func (g getter) dur(k string, def time.Duration) time.Duration {
	if v, ok := g.raw(k); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures a leading '/' and strips a trailing one (except
// for root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
