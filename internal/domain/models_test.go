package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableName(t *testing.T) {
	if (Message{}).TableName() != "messages" {
		t.Fatalf("Message.TableName() = %q; want %q", (Message{}).TableName(), "messages")
	}
}

func TestMigrations_Indexes(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	if !m.HasTable(&Message{}) {
		t.Fatalf("expected messages table")
	}
	for _, idx := range []string{"idx_conv_msgs", "idx_group_msgs"} {
		if !m.HasIndex(&Message{}, idx) {
			t.Fatalf("expected index %s on messages", idx)
		}
	}

	reply := "m0"
	in := Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hi", Type: TypeText, SentAt: time.Now().UTC(), ReplyToID: &reply}
	if err := db.Create(&in).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var got Message
	if err := db.First(&got, "id = ?", "m1").Error; err != nil {
		t.Fatalf("first: %v", err)
	}
	if got.ReplyToID == nil || *got.ReplyToID != "m0" || got.Type != TypeText {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}
}

func TestConversationKey_Validate(t *testing.T) {
	cases := []struct {
		name string
		key  ConversationKey
		ok   bool
	}{
		{"conversation", Conversation("c1"), true},
		{"group", Group("g1"), true},
		{"neither", ConversationKey{}, false},
		{"blank", Conversation("  "), false},
		{"both", ConversationKey{ConversationID: "c1", GroupID: "g1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.key.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("group:g7")
	if err != nil || k != Group("g7") {
		t.Fatalf("ParseKey(group) = %+v, %v", k, err)
	}
	k, err = ParseKey("c9")
	if err != nil || k != Conversation("c9") || k.String() != "conversation:c9" {
		t.Fatalf("ParseKey(bare) = %+v, %v", k, err)
	}
	if _, err := ParseKey("group:"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestMessagePatch_Apply(t *testing.T) {
	m := Message{ID: "m1", Type: TypeText}
	MarkRead().Apply(&m)
	if !m.IsRead {
		t.Fatalf("expected read flag set")
	}

	// only a transition to deleted is accepted
	img := TypeImage
	MessagePatch{Type: &img}.Apply(&m)
	if m.Type != TypeText {
		t.Fatalf("type changed to %q; want text", m.Type)
	}
	MarkDeleted().Apply(&m)
	if m.Type != TypeDeleted {
		t.Fatalf("type = %q; want deleted", m.Type)
	}
	if !(MessagePatch{}).Empty() || MarkRead().Empty() {
		t.Fatalf("Empty() mismatch")
	}
}

func TestCloneMessages_NoAliasing(t *testing.T) {
	r := "x"
	in := []Message{{ID: "a", ReplyToID: &r}}
	out := CloneMessages(in)
	*out[0].ReplyToID = "y"
	out[0].Content = "changed"
	if *in[0].ReplyToID != "x" || in[0].Content != "" {
		t.Fatalf("clone aliases input: %+v", in[0])
	}
	if got := CloneMessages(nil); got == nil || len(got) != 0 {
		t.Fatalf("CloneMessages(nil) = %#v", got)
	}
}

func TestNetworkError(t *testing.T) {
	cause := errors.New("connection refused")
	var err error = &NetworkError{Op: "fetch history", Err: cause}
	if !IsNetwork(err) || !errors.Is(err, cause) {
		t.Fatalf("expected network error wrapping cause")
	}
	if got := UserMessage(err); got == "" || got == cause.Error() {
		t.Fatalf("unexpected user message %q", got)
	}
	if UserMessage(nil) != "" {
		t.Fatalf("UserMessage(nil) should be empty")
	}
	if (&NetworkError{Op: "x", Status: 503, Err: cause}).Error() != "x: server returned 503: connection refused" {
		t.Fatalf("unexpected format")
	}
}

type rejected struct{}

func (rejected) Error() string    { return "bad cursor" }
func (rejected) Retryable() bool { return false }

func TestIsPermanent(t *testing.T) {
	if !IsPermanent(fmt.Errorf("fetch: %w", rejected{})) {
		t.Fatalf("wrapped non-retryable error not detected")
	}
	if IsPermanent(&NetworkError{Op: "x", Err: errors.New("timeout")}) {
		t.Fatalf("network errors are retryable")
	}
	if IsPermanent(errors.New("plain")) || IsPermanent(nil) {
		t.Fatalf("errors without Retryable are not permanent")
	}
}

func TestEvent_Key(t *testing.T) {
	ev := NewMessageEvent(Message{ID: "m1", GroupID: "g1"})
	if ev.Key() != Group("g1") || ev.Message == nil {
		t.Fatalf("unexpected key %+v", ev.Key())
	}
	ev = PatchEvent(EventMessageRead, Conversation("c1"), "m1", MarkRead())
	if ev.Key() != Conversation("c1") || ev.MessageID != "m1" {
		t.Fatalf("unexpected patch event %+v", ev)
	}
}
