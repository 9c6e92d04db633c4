// Package live folds push-delivered messages and mutation events into the
// conversation cache. All writes go through the cache's atomic operations, so
// they interleave safely with pagination on the same conversation.
package live

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
)

// Merger applies live events to a cache.
type Merger struct {
	cache *cache.Cache
	log   zerolog.Logger
}

// New returns a merger writing into c. A nil logger pointer falls back to the
// global logger.
func New(c *cache.Cache, l *zerolog.Logger) *Merger {
	m := &Merger{cache: c, log: log.Logger}
	if l != nil {
		m.log = *l
	}
	return m
}

// IngestPush inserts msg at the newest end of key's window unless it
// duplicates a held message. It reports whether the window changed.
func (m *Merger) IngestPush(key domain.ConversationKey, msg domain.Message) bool {
	if key.Validate() != nil {
		return false
	}
	added := m.cache.AppendLive(key, msg)
	if !added {
		m.log.Debug().Str("conversation", key.String()).Str("message_id", msg.ID).Msg("push not merged")
	}
	return added
}

// ApplyUpdate merges patch into the message with id, in place.
func (m *Merger) ApplyUpdate(key domain.ConversationKey, id string, patch domain.MessagePatch) bool {
	if key.Validate() != nil || patch.Empty() {
		return false
	}
	return m.cache.UpdateOne(key, id, patch)
}

// ApplyRemoval removes the message with id.
func (m *Merger) ApplyRemoval(key domain.ConversationKey, id string) bool {
	if key.Validate() != nil {
		return false
	}
	return m.cache.RemoveOne(key, id)
}

// Apply dispatches a push event. It returns the event's conversation and
// whether the cached window changed.
func (m *Merger) Apply(ev domain.Event) (domain.ConversationKey, bool) {
	key := ev.Key()
	switch ev.Type {
	case domain.EventMessageNew:
		if ev.Message == nil {
			return key, false
		}
		return key, m.IngestPush(key, *ev.Message)
	case domain.EventMessageUpdated:
		return key, m.ApplyUpdate(key, ev.MessageID, ev.Patch)
	case domain.EventMessageRead:
		return key, m.ApplyUpdate(key, ev.MessageID, domain.MarkRead())
	case domain.EventMessageDeleted:
		return key, m.ApplyUpdate(key, ev.MessageID, domain.MarkDeleted())
	case domain.EventMessageRemoved:
		return key, m.ApplyRemoval(key, ev.MessageID)
	default:
		m.log.Warn().Str("type", string(ev.Type)).Msg("unknown push event")
		return key, false
	}
}
