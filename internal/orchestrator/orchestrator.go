// Package orchestrator is the entry point the UI talks to. It tracks the
// active conversation, serves it from the cache when possible, drives the
// pagination controller and the live merger, and projects the cached window
// into a View.
//
// Lifecycle of the active window:
//
//	empty -> loading -> ready
//	ready -> refreshing -> ready   (stale cache hit, background refresh)
//	any   -> empty                 (clear or conversation switch)
//
// Operations never return transport errors. A failed load leaves whatever
// window was already shown and records a user-visible message in View.Err.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-chat-sync/internal/cache"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/live"
	"github.com/tbourn/go-chat-sync/internal/pagination"
)

// DefaultRefreshTimeout bounds a background refresh.
const DefaultRefreshTimeout = 15 * time.Second

// Orchestrator coordinates one UI session.
type Orchestrator struct {
	cache  *cache.Cache
	pager  *pagination.Controller
	merger *live.Merger
	log    zerolog.Logger

	pageSize       int
	refreshTimeout time.Duration

	refresh singleflight.Group
	bg      sync.WaitGroup

	mu     sync.Mutex
	view   View
	subs   map[int]func(View)
	nextID int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger for the orchestrator and the components it
// builds.
func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithPageSize sets the page size of every load.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithRefreshTimeout bounds background refreshes.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.refreshTimeout = d
		}
	}
}

// New wires an orchestrator over src and c.
func New(src pagination.HistorySource, c *cache.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:          c,
		log:            log.Logger,
		pageSize:       pagination.DefaultPageSize,
		refreshTimeout: DefaultRefreshTimeout,
		subs:           make(map[int]func(View)),
		view:           View{State: StateEmpty, Messages: []domain.Message{}},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pager = pagination.New(src, c, pagination.WithLogger(o.log))
	o.merger = live.New(c, &o.log)
	return o
}

// Select makes key the active conversation and loads it.
func (o *Orchestrator) Select(ctx context.Context, key domain.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.view = View{Key: key, State: StateEmpty, Messages: []domain.Message{}}
	v := o.view.clone()
	subs := o.subscribersLocked()
	o.mu.Unlock()
	notify(subs, v)

	o.log.Debug().Str("conversation", key.String()).Msg("conversation selected")
	return o.LoadInitialMessages(ctx)
}

// LoadInitialMessages shows the active conversation. A cached window is
// published at once; if it is stale it is refreshed in the background.
// Otherwise the newest page is fetched before returning.
func (o *Orchestrator) LoadInitialMessages(ctx context.Context) error {
	key, ok := o.active()
	if !ok {
		return domain.ErrNoActiveConversation
	}

	if e, hit := o.cache.Get(key); hit {
		stale := o.cache.IsStale(e)
		o.sync(key, func(v *View) {
			v.State = StateReady
			if stale {
				v.State = StateRefreshing
			}
		})
		if stale {
			o.refreshInBackground(ctx, key)
		}
		return nil
	}

	o.sync(key, func(v *View) {
		v.State = StateLoading
		v.Loading = true
	})
	res, err := o.pager.LoadFreshPage(ctx, key, o.pageSize)
	o.settle(key, res, err)
	return nil
}

// LoadOlderMessages extends the window towards older history.
func (o *Orchestrator) LoadOlderMessages(ctx context.Context) error {
	return o.page(ctx, pagination.OpOlder)
}

// LoadNewerMessages extends the window towards newer history.
func (o *Orchestrator) LoadNewerMessages(ctx context.Context) error {
	return o.page(ctx, pagination.OpNewer)
}

func (o *Orchestrator) page(ctx context.Context, op pagination.Op) error {
	key, ok := o.active()
	if !ok {
		return domain.ErrNoActiveConversation
	}
	if _, busy := o.pager.Pending(key); busy {
		return nil
	}

	o.sync(key, func(v *View) {
		if op == pagination.OpOlder {
			v.LoadingOlder = true
		} else {
			v.LoadingNewer = true
		}
	})

	var (
		res pagination.Result
		err error
	)
	if op == pagination.OpOlder {
		res, err = o.pager.LoadOlder(ctx, key, o.pageSize)
	} else {
		res, err = o.pager.LoadNewer(ctx, key, o.pageSize)
	}
	if res.Op == "" {
		res.Op = op
	}
	o.settle(key, res, err)
	return nil
}

// AddRealtimeMessage merges a pushed message. It is routed by the message's
// own conversation reference, falling back to the active conversation when
// the message carries none.
func (o *Orchestrator) AddRealtimeMessage(msg domain.Message) bool {
	key := msg.Key()
	if key.Validate() != nil {
		active, ok := o.active()
		if !ok {
			return false
		}
		key = active
		msg.ConversationID, msg.GroupID = key.ConversationID, key.GroupID
	}
	if !o.merger.IngestPush(key, msg) {
		return false
	}
	o.sync(key, nil)
	return true
}

// UpdateMessage applies patch to a message of the active window.
func (o *Orchestrator) UpdateMessage(id string, patch domain.MessagePatch) bool {
	key, ok := o.active()
	if !ok || !o.merger.ApplyUpdate(key, id, patch) {
		return false
	}
	o.sync(key, nil)
	return true
}

// RemoveMessage drops a message from the active window.
func (o *Orchestrator) RemoveMessage(id string) bool {
	key, ok := o.active()
	if !ok || !o.merger.ApplyRemoval(key, id) {
		return false
	}
	o.sync(key, nil)
	return true
}

// HandleEvent is the push feed entry point. Events for other conversations
// update only their cache entries.
func (o *Orchestrator) HandleEvent(ev domain.Event) {
	key, changed := o.merger.Apply(ev)
	if changed {
		o.sync(key, nil)
	}
}

// Refresh discards the active window and reloads the newest page. A load
// already in flight for the conversation is waited for, not joined.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	key, ok := o.active()
	if !ok {
		return domain.ErrNoActiveConversation
	}
	// loading first, so nothing projects the evicted window as ready
	o.sync(key, func(v *View) {
		v.State = StateLoading
		v.Loading = true
	})
	o.cache.Evict(key)
	return o.LoadInitialMessages(ctx)
}

// ClearMessages evicts the active window. The conversation stays selected.
func (o *Orchestrator) ClearMessages() {
	key, ok := o.active()
	if !ok {
		return
	}
	o.cache.Evict(key)
	o.sync(key, func(v *View) {
		v.State = StateEmpty
		v.Err = ""
	})
}

// Logout drops every cached conversation and deselects the active one.
func (o *Orchestrator) Logout() {
	o.cache.Clear()
	o.mu.Lock()
	o.view = View{State: StateEmpty, Messages: []domain.Message{}}
	v := o.view.clone()
	subs := o.subscribersLocked()
	o.mu.Unlock()
	notify(subs, v)
}

// Snapshot returns a copy of the current view.
func (o *Orchestrator) Snapshot() View {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.clone()
}

// Subscribe registers fn to receive every published view. The returned
// function unregisters it. fn runs on the goroutine that changed the view and
// must not block.
func (o *Orchestrator) Subscribe(fn func(View)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Wait blocks until background refreshes finish.
func (o *Orchestrator) Wait() { o.bg.Wait() }

func (o *Orchestrator) refreshInBackground(ctx context.Context, key domain.ConversationKey) {
	// the refresh outlives the caller but keeps its values (trace, request id)
	ctx = context.WithoutCancel(ctx)
	// DoChan registers the call before returning, so a second stale hit
	// joins the pending refresh instead of starting another.
	ch := o.refresh.DoChan(key.String(), func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, o.refreshTimeout)
		defer cancel()
		res, err := o.pager.LoadFreshPage(rctx, key, o.pageSize)
		if err != nil {
			refreshes.WithLabelValues("error").Inc()
			o.log.Warn().Err(err).Str("conversation", key.String()).Msg("background refresh failed")
		} else {
			refreshes.WithLabelValues("ok").Inc()
		}
		return res, err
	})
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		out := <-ch
		res, _ := out.Val.(pagination.Result)
		res.Op = pagination.OpFresh
		o.settle(key, res, out.Err)
	}()
}

// settle publishes the outcome of a load if key is still active. A skipped
// load leaves a loading state alone: the load that skipped it, or the clear
// that discarded its page, owns it. A skipped refresh still ends refreshing,
// the cached window stays what it was.
func (o *Orchestrator) settle(key domain.ConversationKey, res pagination.Result, err error) {
	if err != nil {
		loadFailures.WithLabelValues(string(res.Op)).Inc()
	}
	if err == nil && res.Skipped {
		o.sync(key, func(v *View) {
			if v.State == StateRefreshing && res.Op == pagination.OpFresh {
				v.State = StateReady
			}
		})
		return
	}
	o.sync(key, func(v *View) {
		if err != nil {
			v.Err = domain.UserMessage(err)
		} else {
			v.Err = ""
		}
		switch {
		case v.State == StateLoading:
			v.State = StateReady
		case v.State == StateRefreshing && res.Op == pagination.OpFresh:
			v.State = StateReady
		}
	})
}

// sync re-projects the cached window of key into the view, applies mutate and
// notifies subscribers. It does nothing when key is no longer active, so late
// results for an abandoned conversation never reach the view.
func (o *Orchestrator) sync(key domain.ConversationKey, mutate func(*View)) {
	o.mu.Lock()
	if o.view.Key != key {
		o.mu.Unlock()
		return
	}

	v := &o.view
	if e, ok := o.cache.Get(key); ok {
		v.Messages = e.Messages
		v.HasMoreOlder = e.HasMoreOlder
		v.HasMoreNewer = e.HasMoreNewer
		v.LastUpdated = e.LastUpdated
		if v.State == StateEmpty {
			v.State = StateReady
		}
	} else {
		v.Messages = []domain.Message{}
		v.HasMoreOlder, v.HasMoreNewer = false, false
		v.LastUpdated = time.Time{}
	}
	op, pending := o.pager.Pending(key)
	v.Loading = pending && op == pagination.OpFresh
	v.LoadingOlder = pending && op == pagination.OpOlder
	v.LoadingNewer = pending && op == pagination.OpNewer
	if mutate != nil {
		mutate(v)
	}

	out := v.clone()
	subs := o.subscribersLocked()
	o.mu.Unlock()
	notify(subs, out)
}

func (o *Orchestrator) active() (domain.ConversationKey, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.Key, o.view.Key.Validate() == nil
}

func (o *Orchestrator) subscribersLocked() []func(View) {
	out := make([]func(View), 0, len(o.subs))
	for _, fn := range o.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(View), v View) {
	for _, fn := range subs {
		fn(v.clone())
	}
}
