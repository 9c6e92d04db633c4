// Package cache implements the per-conversation message cache shared by the
// pagination and live-merge paths.
//
// The cache is an explicit component: construct one per session with New and
// hand it to the components that need it. Every operation takes the cache
// mutex for its whole duration, so no caller ever observes a half-updated
// window, and every read hands out a deep copy.
//
// Windows are kept ascending by SentAt (oldest first). Insertions go through a
// stable sort, which keeps equal timestamps in insertion order.
//
// Generations: every Evict of a key and every Clear moves the key to a new
// generation. A loader reads Generation before fetching and passes it to Put,
// which then discards the page if the key was evicted in the meantime.
//
// Staleness: an entry whose LastUpdated is older than StaleAfter is stale.
// Stale entries are still served; callers refresh them in the background.
package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/dedup"
	"github.com/tbourn/go-chat-sync/internal/domain"
)

// DefaultStaleAfter is the age after which an entry is eligible for a
// background refresh.
const DefaultStaleAfter = 30 * time.Second

// End selects which side of the window a batch is merged into.
type End int

const (
	// Head is the oldest end of the window.
	Head End = iota
	// Tail is the newest end of the window.
	Tail
)

// Meta holds the pagination state stored next to a window.
type Meta struct {
	Cursors      domain.Cursors
	HasMoreOlder bool
	HasMoreNewer bool
}

// Entry is a snapshot of one conversation's cached state.
type Entry struct {
	Messages     []domain.Message
	Cursors      domain.Cursors
	HasMoreOlder bool
	HasMoreNewer bool
	LastUpdated  time.Time
}

// Generation identifies one lifetime of a key between evictions.
type Generation uint64

// PutOptions controls Put.
type PutOptions struct {
	// Replace overwrites the window and metadata wholesale. When false, only
	// cursors and flags are merged into an existing entry.
	Replace bool
	// Since, when set, discards the put if the key has been evicted (or the
	// cache cleared) after this generation was read.
	Since *Generation
}

// Cache is a process-wide, goroutine-safe store of conversation windows.
type Cache struct {
	mu         sync.Mutex
	entries    map[domain.ConversationKey]*Entry
	evictions  map[domain.ConversationKey]uint64
	clears     uint64
	policy     dedup.Policy
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithStaleAfter sets the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithPolicy sets the duplicate detection policy.
func WithPolicy(p dedup.Policy) Option { return func(c *Cache) { c.policy = p } }

// WithLogger sets the logger used for diagnostics.
func WithLogger(l zerolog.Logger) Option { return func(c *Cache) { c.log = l } }

// New constructs an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[domain.ConversationKey]*Entry),
		evictions:  make(map[domain.ConversationKey]uint64),
		policy:     dedup.Default(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		log:        log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the dedup policy the cache merges with.
func (c *Cache) Policy() dedup.Policy { return c.policy }

// Get returns a copy of the entry for key.
func (c *Cache) Get(key domain.ConversationKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		cacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	if c.isStaleLocked(e) {
		cacheLookups.WithLabelValues("stale").Inc()
	} else {
		cacheLookups.WithLabelValues("hit").Inc()
	}
	return e.clone(), true
}

// IsStale reports whether e is old enough to be refreshed.
func (c *Cache) IsStale(e Entry) bool {
	return c.now().Sub(e.LastUpdated) > c.staleAfter
}

func (c *Cache) isStaleLocked(e *Entry) bool {
	return c.now().Sub(e.LastUpdated) > c.staleAfter
}

// Generation returns the current generation of key.
func (c *Cache) Generation(key domain.ConversationKey) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(key)
}

func (c *Cache) generationLocked(key domain.ConversationKey) Generation {
	return Generation(c.clears + c.evictions[key])
}

// Put stores a window. See PutOptions for the merge semantics. When the entry
// does not exist, it is created from msgs regardless of Replace. Put reports
// false when the window was discarded because of opts.Since.
func (c *Cache) Put(key domain.ConversationKey, msgs []domain.Message, meta Meta, opts PutOptions) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if opts.Since != nil && *opts.Since != c.generationLocked(key) {
		return false
	}
	e, ok := c.entries[key]
	if !ok || opts.Replace {
		window := domain.CloneMessages(msgs)
		sortWindow(window)
		c.entries[key] = &Entry{
			Messages:     window,
			Cursors:      meta.Cursors,
			HasMoreOlder: meta.HasMoreOlder,
			HasMoreNewer: meta.HasMoreNewer,
			LastUpdated:  c.now(),
		}
		cacheEntries.Set(float64(len(c.entries)))
		return true
	}
	e.Cursors = meta.Cursors
	e.HasMoreOlder = meta.HasMoreOlder
	e.HasMoreNewer = meta.HasMoreNewer
	return true
}

// Extend merges a pagination batch into an existing window. Entries that
// duplicate the window (or each other) are dropped. Head updates the older
// cursor and flag; Tail updates the newer cursor and flag and LastUpdated. The
// cursor is consumed even when nothing new was added. ok is false when there
// is no entry for key, in which case nothing changes.
func (c *Cache) Extend(key domain.ConversationKey, batch []domain.Message, end End, cursor string, hasMore bool) (added int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	kept, dropped := c.policy.Filter(e.Messages, batch)
	if dropped > 0 {
		duplicatesDropped.WithLabelValues(endLabel(end)).Add(float64(dropped))
		c.log.Debug().Str("conversation", key.String()).Int("dropped", dropped).Msg("duplicates ignored")
	}
	kept = domain.CloneMessages(kept)

	switch end {
	case Head:
		e.Messages = append(kept, e.Messages...)
		e.Cursors.Next = cursor
		e.HasMoreOlder = hasMore
	default:
		e.Messages = append(e.Messages, kept...)
		e.Cursors.Previous = cursor
		e.HasMoreNewer = hasMore
		e.LastUpdated = c.now()
	}
	sortWindow(e.Messages)
	return len(kept), true
}

// AppendLive inserts a pushed message at the newest end unless it duplicates
// an entry of the window. It reports whether the message was added. Messages
// for conversations without an entry are ignored; the next fetch will include
// them.
func (c *Cache) AppendLive(key domain.ConversationKey, m domain.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if c.policy.Contains(e.Messages, nil, m) {
		duplicatesDropped.WithLabelValues("live").Inc()
		c.log.Debug().Str("conversation", key.String()).Str("message_id", m.ID).Msg("duplicate push ignored")
		return false
	}
	e.Messages = append(e.Messages, m.Clone())
	sortWindow(e.Messages)
	e.LastUpdated = c.now()
	return true
}

// UpdateOne applies patch to the message with id in place.
func (c *Cache) UpdateOne(key domain.ConversationKey, id string, patch domain.MessagePatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	for i := range e.Messages {
		if e.Messages[i].ID == id {
			patch.Apply(&e.Messages[i])
			return true
		}
	}
	return false
}

// RemoveOne deletes the message with id from the window.
func (c *Cache) RemoveOne(key domain.ConversationKey, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	i := slices.IndexFunc(e.Messages, func(m domain.Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	e.Messages = slices.Delete(e.Messages, i, i+1)
	return true
}

// Evict drops the entry for key.
func (c *Cache) Evict(key domain.ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.evictions[key]++
	cacheEntries.Set(float64(len(c.entries)))
}

// Clear drops every entry (logout).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.ConversationKey]*Entry)
	c.clears++
	cacheEntries.Set(0)
}

// Len returns the number of cached conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (e *Entry) clone() Entry {
	out := *e
	out.Messages = domain.CloneMessages(e.Messages)
	return out
}

func sortWindow(w []domain.Message) {
	slices.SortStableFunc(w, func(a, b domain.Message) int { return a.SentAt.Compare(b.SentAt) })
}

func endLabel(end End) string {
	if end == Head {
		return "older"
	}
	return "newer"
}
