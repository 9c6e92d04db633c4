// Package dedup decides whether two message records are the same logical
// message. It is the single place where the duplicate tolerance lives, so the
// merge paths (fresh pages, pagination, push) all agree on it.
//
// Two records are duplicates when:
//   - their ids are equal (authoritative), or
//   - content and sender are equal and their send times are less than
//     Policy.Window apart (heuristic; reconciles an optimistic local echo with
//     the server-confirmed copy that carries a different id).
package dedup

import (
	"time"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// DefaultWindow is the heuristic tolerance between an optimistic send and its
// push echo. The bound is exclusive.
const DefaultWindow = 5 * time.Second

// Policy is a pure duplicate-detection policy. The zero value disables the
// heuristic and matches on id only.
type Policy struct {
	Window time.Duration
}

// Default returns the policy with DefaultWindow.
func Default() Policy { return Policy{Window: DefaultWindow} }

// IsDuplicate reports whether candidate represents the same message as existing.
func (p Policy) IsDuplicate(existing, candidate domain.Message) bool {
	if existing.ID != "" && existing.ID == candidate.ID {
		return true
	}
	return p.similar(existing, candidate)
}

func (p Policy) similar(a, b domain.Message) bool {
	if p.Window <= 0 {
		return false
	}
	if a.Content != b.Content || a.SenderID != b.SenderID {
		return false
	}
	d := a.SentAt.Sub(b.SentAt)
	if d < 0 {
		d = -d
	}
	return d < p.Window
}

// Index is an id set over a window for O(1) authoritative lookups.
type Index map[string]struct{}

// NewIndex indexes the ids of msgs.
func NewIndex(msgs []domain.Message) Index {
	idx := make(Index, len(msgs))
	for i := range msgs {
		idx.Add(msgs[i])
	}
	return idx
}

// Add records m's id.
func (idx Index) Add(m domain.Message) {
	if m.ID != "" {
		idx[m.ID] = struct{}{}
	}
}

// Has reports whether id is present.
func (idx Index) Has(id string) bool {
	_, ok := idx[id]
	return ok
}

// Contains reports whether candidate duplicates any entry of window. idx must
// index window; pass nil to have it built on the fly.
func (p Policy) Contains(window []domain.Message, idx Index, candidate domain.Message) bool {
	if idx == nil {
		idx = NewIndex(window)
	}
	if candidate.ID != "" && idx.Has(candidate.ID) {
		return true
	}
	return p.similarAny(window, candidate)
}

func (p Policy) similarAny(window []domain.Message, candidate domain.Message) bool {
	if p.Window <= 0 {
		return false
	}
	for i := range window {
		if p.similar(window[i], candidate) {
			return true
		}
	}
	return false
}

// Filter returns the entries of batch that duplicate neither an entry of
// window nor an earlier kept entry of batch, in batch order, plus the number
// of dropped entries. Neither input is modified.
func (p Policy) Filter(window, batch []domain.Message) (kept []domain.Message, dropped int) {
	idx := NewIndex(window)
	kept = make([]domain.Message, 0, len(batch))
	for _, m := range batch {
		// idx covers window and kept ids
		if (m.ID != "" && idx.Has(m.ID)) || p.similarAny(window, m) || p.similarAny(kept, m) {
			dropped++
			continue
		}
		kept = append(kept, m)
		idx.Add(m)
	}
	return kept, dropped
}

// FilterPage dedups a freshly fetched page against itself.
func (p Policy) FilterPage(page []domain.Message) ([]domain.Message, int) {
	return p.Filter(nil, page)
}
