package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestMessagesStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	_, _, err := MessagesStats(context.Background(), db, domain.Conversation("c1"))
	if err == nil {
		t.Fatalf("expected error due to missing messages table")
	}
}

func TestMessagesStats_Empty(t *testing.T) {
	db := newTestDB(t, &domain.Message{})
	count, maxTS, err := MessagesStats(context.Background(), db, domain.Group("g1"))
	if err != nil {
		t.Fatalf("MessagesStats: %v", err)
	}
	if count != 0 || maxTS != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxTS)
	}
}

func TestMessagesStats_TracksLatestUpdate(t *testing.T) {
	db := newTestDB(t, &domain.Message{})
	ctx := context.Background()
	key := domain.Conversation("c1")

	seed(t, db, key, "a", 3)
	seed(t, db, domain.Conversation("other"), "b", 5)

	count, first, err := MessagesStats(ctx, db, key)
	if err != nil || count != 3 || first == nil {
		t.Fatalf("MessagesStats: count=%d max=%v err=%v", count, first, err)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := UpdateMessage(ctx, db, key, "a-02", domain.MarkRead()); err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	_, second, err := MessagesStats(ctx, db, key)
	if err != nil || second == nil || !second.After(*first) {
		t.Fatalf("max updated_at did not advance: %v -> %v (err %v)", first, second, err)
	}
}

func TestMessagesStats_InvalidKey(t *testing.T) {
	db := newTestDB(t, &domain.Message{})
	if _, _, err := MessagesStats(context.Background(), db, domain.ConversationKey{ConversationID: "a", GroupID: "b"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
