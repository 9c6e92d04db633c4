// Package history is the REST client of the message history API. Client
// implements pagination.HistorySource and also exposes the write endpoints
// used by the CLI.
//
// Endpoints (relative to the base URL):
//
//	GET    /conversations/{id}/messages?page_size=&cursor=&direction=
//	GET    /groups/{id}/messages?page_size=&cursor=&direction=
//	POST   /{conversations|groups}/{id}/messages
//	PATCH  /{conversations|groups}/{id}/messages/{mid}
//	DELETE /{conversations|groups}/{id}/messages/{mid}[?hard=true]
//
// Transport failures, timeouts, 429 and 5xx responses are reported as
// *domain.NetworkError; any other non-2xx response as *APIError.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

const (
	DefaultTimeout = 15 * time.Second
	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 << 10
)

// APIError is a non-retryable error answer of the history API.
type APIError struct {
	Status    int    `json:"-"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("history api: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("history api: %s: %s", e.Code, e.Message)
}

// Retryable is false: the request itself was rejected.
func (e *APIError) Retryable() bool { return false }

// IsNotFound reports whether err is a 404 answer.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client talks to the history API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.httpClient.Timeout = d } }

// WithRateLimit throttles outgoing requests to rps with the given burst.
// rps <= 0 disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.log = l } }

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        log.Logger,
		tracer:     otel.Tracer("history/Client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Fetch reads one page of key's history, newest first.
func (c *Client) Fetch(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error) {
	if err := key.Validate(); err != nil {
		return domain.Page{}, err
	}
	ctx, span := c.tracer.Start(ctx, "Fetch", trace.WithAttributes(
		attribute.String("conversation", key.String()),
		attribute.String("direction", string(opts.Direction)),
		attribute.Int("page_size", opts.PageSize),
	))
	defer span.End()

	q := url.Values{}
	if opts.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
		if opts.Direction != "" {
			q.Set("direction", string(opts.Direction))
		}
	}

	var page domain.Page
	if err := c.do(ctx, "fetch history", http.MethodGet, messagesPath(key), q, nil, &page); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Page{}, err
	}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	span.SetAttributes(attribute.Int("messages", len(page.Messages)))
	return page, nil
}

// PostRequest is the body of a send.
type PostRequest struct {
	SenderID  string             `json:"sender_id"`
	Content   string             `json:"content"`
	Type      domain.MessageType `json:"type,omitempty"`
	ReplyToID *string            `json:"reply_to_id,omitempty"`
}

type messageEnvelope struct {
	Message *domain.Message `json:"message"`
}

// Send posts a new message to key and returns it as stored.
func (c *Client) Send(ctx context.Context, key domain.ConversationKey, req PostRequest) (*domain.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var out messageEnvelope
	if err := c.do(ctx, "send message", http.MethodPost, messagesPath(key), nil, req, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// Patch applies patch to message id of key.
func (c *Client) Patch(ctx context.Context, key domain.ConversationKey, id string, patch domain.MessagePatch) (*domain.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var out messageEnvelope
	if err := c.do(ctx, "patch message", http.MethodPatch, messagesPath(key)+"/"+url.PathEscape(id), nil, patch, &out); err != nil {
		return nil, err
	}
	return out.Message, nil
}

// Delete tombstones message id of key, or removes it when hard is set.
func (c *Client) Delete(ctx context.Context, key domain.ConversationKey, id string, hard bool) error {
	if err := key.Validate(); err != nil {
		return err
	}
	var q url.Values
	if hard {
		q = url.Values{"hard": {"true"}}
	}
	return c.do(ctx, "delete message", http.MethodDelete, messagesPath(key)+"/"+url.PathEscape(id), q, nil, nil)
}

func messagesPath(key domain.ConversationKey) string {
	if key.IsGroup() {
		return "/groups/" + url.PathEscape(key.GroupID) + "/messages"
	}
	return "/conversations/" + url.PathEscape(key.ConversationID) + "/messages"
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &domain.NetworkError{Op: op, Err: err}
		}
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("history request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	if jerr := json.Unmarshal(raw, apiErr); jerr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &domain.NetworkError{Op: op, Status: resp.StatusCode, Err: apiErr}
	}
	return apiErr
}
