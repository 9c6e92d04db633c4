package push

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the base URL of the server, http(s) or ws(s); "/stream" is
	// appended.
	URL string
	// Key restricts the feed to one conversation when set.
	Key domain.ConversationKey

	ReconnectBaseDelay time.Duration // default 500ms
	ReconnectMaxDelay  time.Duration // default 30s
	// MaxReconnectAttempts stops Run after that many consecutive failures;
	// zero retries forever.
	MaxReconnectAttempts int
}

// Client consumes the push stream and hands decoded events to a handler.
type Client struct {
	cfg     ClientConfig
	handler func(domain.Event)
	log     zerolog.Logger

	// OnConnected runs after every successful (re)connect. Events published
	// while disconnected are lost, so callers typically refresh here.
	OnConnected func(reconnect bool)

	recon *reconnector
}

// NewClient returns a client delivering events to handler.
func NewClient(cfg ClientConfig, handler func(domain.Event)) *Client {
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		log:     log.Logger,
		recon:   &reconnector{baseDelay: cfg.ReconnectBaseDelay, maxDelay: cfg.ReconnectMaxDelay, maxAttempts: cfg.MaxReconnectAttempts},
	}
}

// Run connects and consumes the stream until ctx is done, reconnecting with
// exponential backoff. It returns ctx.Err() on cancellation, or the last error
// once MaxReconnectAttempts is exhausted.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := StreamURL(c.cfg.URL, c.cfg.Key)
	if err != nil {
		return err
	}
	connected := false
	for {
		err := c.session(ctx, endpoint, connected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errSessionEnded) {
			connected = true
		}
		if !c.recon.shouldReconnect() {
			return err
		}
		delay := c.recon.nextDelay()
		c.log.Warn().Err(err).Dur("retry_in", delay).Int("attempt", c.recon.attempt).Msg("push stream disconnected")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var errSessionEnded = errors.New("push: session ended")

func (c *Client) session(ctx context.Context, endpoint string, reconnect bool) error {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var hello Envelope
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read ready frame: %w", err)
	}
	if hello.Type != TypeReady {
		return fmt.Errorf("expected %q, got %q", TypeReady, hello.Type)
	}
	c.recon.markConnected()
	c.log.Info().Str("url", endpoint).Bool("reconnect", reconnect).Msg("push stream connected")
	if c.OnConnected != nil {
		c.OnConnected(reconnect)
	}

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errSessionEnded
			}
			return fmt.Errorf("%w: %v", errSessionEnded, err)
		}
		ev, err := Decode(env)
		if err != nil {
			c.log.Debug().Err(err).Msg("push frame skipped")
			continue
		}
		c.handler(ev)
	}
}

// StreamURL derives the websocket endpoint from a server base URL.
func StreamURL(base string, key domain.ConversationKey) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("push: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/stream"
	if key.Validate() == nil {
		q := u.Query()
		if key.IsGroup() {
			q.Set("group", key.GroupID)
		} else {
			q.Set("conversation", key.ConversationID)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() { r.attempt = 0 }

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
