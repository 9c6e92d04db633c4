package domain

// EventType names a push-delivered event.
type EventType string

const (
	EventMessageNew     EventType = "message.new"
	EventMessageUpdated EventType = "message.updated"
	EventMessageRead    EventType = "message.read"
	EventMessageDeleted EventType = "message.deleted" // soft delete: type becomes TypeDeleted
	EventMessageRemoved EventType = "message.removed" // hard removal from the window
)

// Event is one item of the push feed. For EventMessageNew, Message is set and
// the key is derived from it; the other kinds carry MessageID plus the key.
type Event struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversation_id,omitempty"`
	GroupID        string       `json:"group_id,omitempty"`
	Message        *Message     `json:"message,omitempty"`
	MessageID      string       `json:"message_id,omitempty"`
	Patch          MessagePatch `json:"patch,omitempty"`
}

// Key returns the conversation the event belongs to.
func (e Event) Key() ConversationKey {
	if e.Message != nil && e.ConversationID == "" && e.GroupID == "" {
		return e.Message.Key()
	}
	return ConversationKey{ConversationID: e.ConversationID, GroupID: e.GroupID}
}

// NewMessageEvent wraps a freshly created message.
func NewMessageEvent(m Message) Event {
	c := m.Clone()
	return Event{Type: EventMessageNew, ConversationID: m.ConversationID, GroupID: m.GroupID, Message: &c, MessageID: m.ID}
}

// PatchEvent builds a mutation event for an existing message.
func PatchEvent(t EventType, key ConversationKey, id string, p MessagePatch) Event {
	return Event{Type: t, ConversationID: key.ConversationID, GroupID: key.GroupID, MessageID: id, Patch: p}
}
