package push

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

const writeTimeout = 5 * time.Second

// Serve upgrades the request and streams hub events matching filter until the
// peer goes away or ctx ends. A "ready" frame is written once the
// subscription is in place, so a client that sees it will not miss later
// events.
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, hub *Hub, filter func(domain.ConversationKey) bool, opts *websocket.AcceptOptions) error {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "")

	events, cancel := hub.Subscribe(filter)
	defer cancel()

	// the feed is one-way; CloseRead handles control frames and reports the
	// peer closing
	ctx = conn.CloseRead(ctx)

	if err := write(ctx, conn, Envelope{Type: TypeReady}); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "hub closed")
				return nil
			}
			env, err := Encode(ev)
			if err != nil {
				continue
			}
			if err := write(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}
