// Package testutil provides fixtures shared by the engine tests: an
// in-memory history source with index cursors, call counting, injectable
// failures and an optional gate that blocks fetches until released.
package testutil

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// Base is the send time of the first generated message.
var Base = time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)

// Messages generates n text messages for key, one second apart, with ids
// "<prefix>-1" .. "<prefix>-n" in ascending order.
func Messages(key domain.ConversationKey, prefix string, n int) []domain.Message {
	out := make([]domain.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, domain.Message{
			ID:             fmt.Sprintf("%s-%d", prefix, i),
			ConversationID: key.ConversationID,
			GroupID:        key.GroupID,
			SenderID:       "u" + strconv.Itoa(i%3),
			Content:        fmt.Sprintf("message %d", i),
			Type:           domain.TypeText,
			SentAt:         Base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

// Source is an in-memory history source. Cursors are indexes into the
// ascending message slice of a key.
type Source struct {
	mu    sync.Mutex
	msgs  map[domain.ConversationKey][]domain.Message
	calls []domain.FetchOptions
	err   error
	gate  chan struct{}
}

// NewSource returns an empty source.
func NewSource() *Source {
	return &Source{msgs: make(map[domain.ConversationKey][]domain.Message)}
}

// Seed appends ascending messages to key's history.
func (s *Source) Seed(key domain.ConversationKey, msgs ...domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs[key] = append(s.msgs[key], msgs...)
}

// FailWith makes subsequent fetches return err (nil restores success).
func (s *Source) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Block makes subsequent fetches wait until Release is called.
func (s *Source) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release unblocks waiting fetches.
func (s *Source) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Calls returns the number of fetches made so far.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// LastCall returns the options of the latest fetch.
func (s *Source) LastCall() domain.FetchOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return domain.FetchOptions{}
	}
	return s.calls[len(s.calls)-1]
}

// Fetch implements pagination.HistorySource.
func (s *Source) Fetch(ctx context.Context, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Page{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Page{}, s.err
	}
	all := s.msgs[key]
	n := opts.PageSize

	var start, end int
	switch {
	case opts.Cursor == "":
		end = len(all)
		start = max(0, end-n)
	case opts.Direction == domain.Newer:
		c, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return domain.Page{}, err
		}
		start = c + 1
		end = min(len(all), start+n)
	default:
		c, err := strconv.Atoi(opts.Cursor)
		if err != nil {
			return domain.Page{}, err
		}
		end = c
		start = max(0, end-n)
	}
	if start > end {
		start = end
	}

	page := domain.Page{
		Messages:        domain.CloneMessages(all[start:end]),
		TotalCount:      int64(len(all)),
		HasNextPage:     start > 0,
		HasPreviousPage: end < len(all),
	}
	slices.Reverse(page.Messages)
	if start < end {
		page.NextCursor = strconv.Itoa(start)
		page.PreviousCursor = strconv.Itoa(end - 1)
	}
	return page, nil
}
