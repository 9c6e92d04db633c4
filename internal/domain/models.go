// Package domain defines the message model shared by the synchronization
// engine, the history transport, and the dev persistence layer. Message is
// mapped with GORM so the dev history server can store it directly, and
// carries JSON tags matching the history and push wire formats.
package domain

import (
	"time"
)

// MessageType tags the payload kind of a message.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeFile    MessageType = "file"
	TypeDeleted MessageType = "deleted"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeDeleted:
		return true
	}
	return false
}

// Message is a single chat message in a one-to-one conversation or a group.
//
// Fields:
//   - ID: opaque, globally unique, stable once assigned by the server.
//   - ConversationID / GroupID: exactly one is set (see Key).
//   - SenderID, Content, Type: immutable after creation, except that Type may
//     transition to TypeDeleted.
//   - IsRead: read flag, mutable.
//   - SentAt: send timestamp; windows are ordered by it.
//   - ReplyToID: optional id of the message this one replies to.
type Message struct {
	ID             string      `json:"id"                        gorm:"type:char(36);primaryKey"`
	ConversationID string      `json:"conversation_id,omitempty" gorm:"type:varchar(64);index:idx_conv_msgs,priority:1"`
	GroupID        string      `json:"group_id,omitempty"        gorm:"type:varchar(64);index:idx_group_msgs,priority:1"`
	SenderID       string      `json:"sender_id"                 gorm:"type:varchar(64);not null"`
	Content        string      `json:"content"                   gorm:"type:text;not null"`
	Type           MessageType `json:"type"                      gorm:"type:varchar(16);not null;default:'text'"`
	IsRead         bool        `json:"is_read"                   gorm:"not null;default:false"`
	SentAt         time.Time   `json:"sent_at"                   gorm:"index:idx_conv_msgs,priority:2;index:idx_group_msgs,priority:2"`
	ReplyToID      *string     `json:"reply_to_id,omitempty"     gorm:"type:char(36)"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Key returns the conversation reference of the message.
func (m Message) Key() ConversationKey {
	return ConversationKey{ConversationID: m.ConversationID, GroupID: m.GroupID}
}

// Clone returns a copy of m that shares no pointers with it.
func (m Message) Clone() Message {
	if m.ReplyToID != nil {
		r := *m.ReplyToID
		m.ReplyToID = &r
	}
	return m
}

// CloneMessages deep-copies a window. A nil input yields an empty, non-nil slice.
func CloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// MessagePatch is a partial update to the mutable fields of a message.
// Nil fields are left untouched.
type MessagePatch struct {
	IsRead *bool        `json:"is_read,omitempty"`
	Type   *MessageType `json:"type,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p MessagePatch) Empty() bool { return p.IsRead == nil && p.Type == nil }

// Apply merges the patch into m. Only a transition to TypeDeleted is accepted
// for Type; any other type change is ignored since the type is otherwise
// immutable.
func (p MessagePatch) Apply(m *Message) {
	if p.IsRead != nil {
		m.IsRead = *p.IsRead
	}
	if p.Type != nil && *p.Type == TypeDeleted {
		m.Type = TypeDeleted
	}
}

// MarkRead returns a patch that sets the read flag.
func MarkRead() MessagePatch {
	v := true
	return MessagePatch{IsRead: &v}
}

// MarkDeleted returns a patch that turns a message into a tombstone.
func MarkDeleted() MessagePatch {
	t := TypeDeleted
	return MessagePatch{Type: &t}
}
