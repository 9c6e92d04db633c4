package domain

import (
	"fmt"
	"strings"
)

// ConversationKey identifies either a one-to-one conversation or a group.
// Exactly one of the two fields must be set. The zero value is invalid.
// ConversationKey is comparable and is used as a map key by the cache.
type ConversationKey struct {
	ConversationID string
	GroupID        string
}

// Conversation returns the key of a one-to-one conversation.
func Conversation(id string) ConversationKey { return ConversationKey{ConversationID: id} }

// Group returns the key of a group.
func Group(id string) ConversationKey { return ConversationKey{GroupID: id} }

// Validate returns ErrInvalidRequest unless exactly one id is set.
func (k ConversationKey) Validate() error {
	c := strings.TrimSpace(k.ConversationID) != ""
	g := strings.TrimSpace(k.GroupID) != ""
	if c == g {
		return ErrInvalidRequest
	}
	return nil
}

// IsGroup reports whether the key refers to a group.
func (k ConversationKey) IsGroup() bool { return k.GroupID != "" }

// ID returns whichever id is set.
func (k ConversationKey) ID() string {
	if k.GroupID != "" {
		return k.GroupID
	}
	return k.ConversationID
}

// String renders the key as "conversation:<id>" or "group:<id>".
func (k ConversationKey) String() string {
	if k.GroupID != "" {
		return "group:" + k.GroupID
	}
	return "conversation:" + k.ConversationID
}

// ParseKey accepts "group:<id>", "conversation:<id>" or a bare conversation id.
func ParseKey(s string) (ConversationKey, error) {
	s = strings.TrimSpace(s)
	var k ConversationKey
	switch {
	case strings.HasPrefix(s, "group:"):
		k = Group(strings.TrimPrefix(s, "group:"))
	case strings.HasPrefix(s, "conversation:"):
		k = Conversation(strings.TrimPrefix(s, "conversation:"))
	default:
		k = Conversation(s)
	}
	if err := k.Validate(); err != nil {
		return ConversationKey{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	return k, nil
}
