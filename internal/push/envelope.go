// Package push carries message events from the history server to clients.
//
// On the wire every frame is a JSON envelope {"type": ..., "payload": ...}.
// The payload of the message.* types is a domain.Event; "ready" is sent once
// after the server accepted a subscription.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// TypeReady acknowledges a new subscription.
const TypeReady = "ready"

// Envelope is one websocket frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps ev in an envelope.
func Encode(ev domain.Event) (Envelope, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: string(ev.Type), Payload: raw}, nil
}

// Decode extracts the event of a message.* envelope. The envelope type wins
// over a type field inside the payload.
func Decode(env Envelope) (domain.Event, error) {
	switch domain.EventType(env.Type) {
	case domain.EventMessageNew, domain.EventMessageUpdated, domain.EventMessageRead,
		domain.EventMessageDeleted, domain.EventMessageRemoved:
	default:
		return domain.Event{}, fmt.Errorf("push: unsupported envelope type %q", env.Type)
	}
	var ev domain.Event
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("push: decode %s: %w", env.Type, err)
	}
	ev.Type = domain.EventType(env.Type)
	if ev.Type == domain.EventMessageNew && ev.Message == nil {
		return domain.Event{}, fmt.Errorf("push: %s without message", env.Type)
	}
	if err := ev.Key().Validate(); err != nil {
		return domain.Event{}, fmt.Errorf("push: %s: %w", env.Type, err)
	}
	return ev, nil
}
