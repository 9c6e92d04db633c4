package push

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

var (
	published = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_push_published_total",
		Help: "Events published to the push hub.",
	})
	dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_push_dropped_total",
		Help: "Events dropped because a subscriber queue was full.",
	})
	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_push_subscribers",
		Help: "Currently connected push subscribers.",
	})
)

func init() {
	prometheus.MustRegister(published, dropped, subscribers)
}

type subscriber struct {
	ch     chan domain.Event
	filter func(domain.ConversationKey) bool
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose queue is full misses the event and is expected to resync by fetching.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	buffer int
	log    zerolog.Logger
}

// NewHub returns a hub with per-subscriber queues of size buffer
// (DefaultBuffer when <= 0).
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[int]*subscriber), buffer: buffer, log: log.Logger}
}

// Subscribe registers a subscriber. A nil filter receives every event. The
// returned cancel func unregisters it and closes the channel.
func (h *Hub) Subscribe(filter func(domain.ConversationKey) bool) (<-chan domain.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	s := &subscriber{ch: make(chan domain.Event, h.buffer), filter: filter}
	h.subs[id] = s
	subscribers.Set(float64(len(h.subs)))

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			subscribers.Set(float64(len(h.subs)))
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish delivers ev to every matching subscriber.
func (h *Hub) Publish(ev domain.Event) {
	key := ev.Key()
	published.Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		if s.filter != nil && !s.filter(key) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			dropped.Inc()
			h.log.Warn().Int("subscriber", id).Str("type", string(ev.Type)).Msg("push queue full; event dropped")
		}
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Only returns a filter accepting a single conversation.
func Only(key domain.ConversationKey) func(domain.ConversationKey) bool {
	return func(k domain.ConversationKey) bool { return k == key }
}
