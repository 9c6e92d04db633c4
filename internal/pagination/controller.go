// Package pagination drives cursor-based history fetches for a conversation
// and folds the results into the conversation cache.
//
// The history source returns pages newest first. The controller reverses
// them into the window's ascending order, dedups within the page, and merges:
//
//   - LoadFreshPage replaces the window with the newest page.
//   - LoadOlder inserts the page at the head of the window.
//   - LoadNewer inserts the page at the tail.
//
// Only one load per conversation runs at a time. A call made while another is
// pending for the same conversation returns immediately with Skipped set; it
// is not queued. The one exception is LoadFreshPage after the conversation
// was evicted: the pending load can no longer produce the window, so the fresh
// load waits for it to finish and then runs.
package pagination

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
)

// DefaultPageSize keeps the first paint small.
const DefaultPageSize = 12

// HistorySource fetches one page of a conversation's history. Implementations
// return messages newest first.
type HistorySource interface {
	Fetch(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error)
}

// Op tags the load currently in flight for a conversation.
type Op string

const (
	OpFresh Op = "fresh"
	OpOlder Op = "older"
	OpNewer Op = "newer"
)

// Result describes the outcome of a load.
type Result struct {
	// Op is the load that ran (LoadOlder on an uncached key runs OpFresh).
	Op Op
	// Skipped is set when the call was a no-op: another load was pending or
	// the requested direction is exhausted.
	Skipped bool
	// Added is the number of new messages merged into the window.
	Added int
	// Dropped is the number of duplicates filtered out of the page.
	Dropped int
	// HasMore reports whether the loaded direction has further pages.
	HasMore bool
}

// Controller runs history loads against a HistorySource.
type Controller struct {
	source HistorySource
	cache  *cache.Cache
	log    zerolog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	inflight map[domain.ConversationKey]*flight
}

// flight is the load in progress for one conversation.
type flight struct {
	op   Op
	gen  cache.Generation
	done chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option { return func(c *Controller) { c.log = l } }

// New returns a controller writing into c.
func New(src HistorySource, c *cache.Cache, opts ...Option) *Controller {
	ctl := &Controller{
		source:   src,
		cache:    c,
		log:      log.Logger,
		tracer:   otel.Tracer("pagination/Controller"),
		inflight: make(map[domain.ConversationKey]*flight),
	}
	for _, opt := range opts {
		opt(ctl)
	}
	return ctl
}

// Pending returns the load in flight for key, if any.
func (c *Controller) Pending(key domain.ConversationKey) (Op, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.inflight[key]
	if !ok {
		return "", false
	}
	return f.op, true
}

// acquire claims the guard for key. When the guard is taken it returns the
// pending flight instead.
func (c *Controller) acquire(key domain.ConversationKey, op Op) (*flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, busy := c.inflight[key]; busy {
		return f, false
	}
	c.inflight[key] = &flight{op: op, gen: c.cache.Generation(key), done: make(chan struct{})}
	return nil, true
}

func (c *Controller) release(key domain.ConversationKey) {
	c.mu.Lock()
	if f, ok := c.inflight[key]; ok {
		close(f.done)
		delete(c.inflight, key)
	}
	c.mu.Unlock()
}

// LoadFreshPage fetches the newest pageSize messages and replaces the cached
// window with them. Like the other loads it is skipped while another load is
// pending, unless the conversation was evicted after that load started: its
// page will be discarded, so LoadFreshPage waits for it and then runs.
func (c *Controller) LoadFreshPage(ctx context.Context, key domain.ConversationKey, pageSize int) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	for {
		f, ok := c.acquire(key, OpFresh)
		if ok {
			break
		}
		if f.gen == c.cache.Generation(key) {
			return Result{Op: OpFresh, Skipped: true}, nil
		}
		c.log.Debug().Str("conversation", key.String()).Str("pending", string(f.op)).Msg("fresh load waiting")
		select {
		case <-f.done:
		case <-ctx.Done():
			return Result{Op: OpFresh}, ctx.Err()
		}
	}
	defer c.release(key)
	return c.loadFresh(ctx, key, pageSize)
}

func (c *Controller) loadFresh(ctx context.Context, key domain.ConversationKey, pageSize int) (Result, error) {
	ctx, span := c.start(ctx, OpFresh, key, pageSize)
	defer span.End()

	gen := c.cache.Generation(key)
	page, err := c.fetch(ctx, key, domain.FetchOptions{PageSize: normalize(pageSize), Direction: domain.Older})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Op: OpFresh}, err
	}

	msgs, dropped := c.cache.Policy().FilterPage(ascending(page.Messages))
	c.logDropped(key, OpFresh, dropped)
	hasMore := page.HasNextPage && len(page.Messages) > 0
	stored := c.cache.Put(key, msgs, cache.Meta{
		Cursors:      domain.Cursors{Next: cursorIf(hasMore, page.NextCursor), Previous: page.PreviousCursor},
		HasMoreOlder: hasMore,
		HasMoreNewer: false,
	}, cache.PutOptions{Replace: true, Since: &gen})
	if !stored {
		c.log.Debug().Str("conversation", key.String()).Str("op", string(OpFresh)).Msg("late page dropped")
		return Result{Op: OpFresh, Skipped: true}, nil
	}

	span.SetAttributes(attribute.Int("added", len(msgs)), attribute.Bool("has_more", hasMore))
	return Result{Op: OpFresh, Added: len(msgs), Dropped: dropped, HasMore: hasMore}, nil
}

// LoadOlder fetches the page before the oldest held message and inserts it at
// the head of the window. On a key with no cached window it loads the newest
// page instead.
func (c *Controller) LoadOlder(ctx context.Context, key domain.ConversationKey, pageSize int) (Result, error) {
	return c.loadDirection(ctx, key, pageSize, OpOlder)
}

// LoadNewer fetches the page after the newest held message and inserts it at
// the tail of the window.
func (c *Controller) LoadNewer(ctx context.Context, key domain.ConversationKey, pageSize int) (Result, error) {
	return c.loadDirection(ctx, key, pageSize, OpNewer)
}

func (c *Controller) loadDirection(ctx context.Context, key domain.ConversationKey, pageSize int, op Op) (Result, error) {
	if err := key.Validate(); err != nil {
		return Result{}, err
	}
	if _, ok := c.acquire(key, op); !ok {
		return Result{Op: op, Skipped: true}, nil
	}
	defer c.release(key)

	entry, ok := c.cache.Get(key)
	if !ok {
		if op == OpOlder {
			return c.loadFresh(ctx, key, pageSize)
		}
		return Result{Op: op, Skipped: true}, nil
	}

	var (
		cursor string
		dir    domain.Direction
		end    cache.End
	)
	if op == OpOlder {
		if !entry.HasMoreOlder || entry.Cursors.Next == "" {
			return Result{Op: op, Skipped: true}, nil
		}
		cursor, dir, end = entry.Cursors.Next, domain.Older, cache.Head
	} else {
		if !entry.HasMoreNewer || entry.Cursors.Previous == "" {
			return Result{Op: op, Skipped: true}, nil
		}
		cursor, dir, end = entry.Cursors.Previous, domain.Newer, cache.Tail
	}

	ctx, span := c.start(ctx, op, key, pageSize)
	defer span.End()

	page, err := c.fetch(ctx, key, domain.FetchOptions{PageSize: normalize(pageSize), Cursor: cursor, Direction: dir})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Op: op}, err
	}

	var (
		hasMore bool
		next    string
	)
	if op == OpOlder {
		hasMore, next = page.HasNextPage, page.NextCursor
	} else {
		hasMore, next = page.HasPreviousPage, page.PreviousCursor
	}
	// an empty page exhausts the direction
	hasMore = hasMore && len(page.Messages) > 0
	next = cursorIf(hasMore, next)

	msgs, dropped := c.cache.Policy().FilterPage(ascending(page.Messages))
	added, ok := c.cache.Extend(key, msgs, end, next, hasMore)
	if !ok {
		// evicted while the fetch was in flight
		c.log.Debug().Str("conversation", key.String()).Str("op", string(op)).Msg("late page dropped")
		return Result{Op: op, Skipped: true}, nil
	}
	dropped += len(msgs) - added
	c.logDropped(key, op, dropped)

	span.SetAttributes(attribute.Int("added", added), attribute.Bool("has_more", hasMore))
	return Result{Op: op, Added: added, Dropped: dropped, HasMore: hasMore}, nil
}

func (c *Controller) fetch(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error) {
	page, err := c.source.Fetch(ctx, key, opts)
	if err == nil {
		return page, nil
	}
	// request errors are not the network's fault and retrying will not help
	if domain.IsNetwork(err) || domain.IsPermanent(err) || errors.Is(err, domain.ErrInvalidRequest) {
		return domain.Page{}, err
	}
	return domain.Page{}, &domain.NetworkError{Op: "fetch " + string(opts.Direction) + " page", Err: err}
}

func (c *Controller) start(ctx context.Context, op Op, key domain.ConversationKey, pageSize int) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "Load",
		trace.WithAttributes(
			attribute.String("op", string(op)),
			attribute.String("conversation", key.String()),
			attribute.Int("page_size", normalize(pageSize)),
		),
	)
}

func (c *Controller) logDropped(key domain.ConversationKey, op Op, dropped int) {
	if dropped == 0 {
		return
	}
	c.log.Debug().
		Str("conversation", key.String()).
		Str("op", string(op)).
		Int("dropped", dropped).
		Msg("duplicates ignored")
}

// ascending returns a reversed copy of a newest-first page.
func ascending(page []domain.Message) []domain.Message {
	out := domain.CloneMessages(page)
	slices.Reverse(out)
	return out
}

func normalize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	return pageSize
}

func cursorIf(ok bool, cursor string) string {
	if !ok {
		return ""
	}
	return cursor
}
