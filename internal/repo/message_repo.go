// Package repo implements the persistence layer of the dev history server,
// backed by GORM. This file provides repository functions for the Message
// model.
//
// History is paged with keyset cursors over (sent_at, id). A page is returned
// newest first; NextCursor points at its oldest message ("fetch older than
// this") and PreviousCursor at its newest ("fetch newer than this").
//
// Error semantics:
//   - When a message is not found, functions return ErrNotFound.
//   - Cursors that fail to decode yield ErrInvalidCursor.
//   - Keys that name neither (or both) a conversation and a group yield
//     domain.ErrInvalidRequest.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the handlers.
var ErrNotFound = gorm.ErrRecordNotFound

const (
	DefaultPageSize = 12
	MaxPageSize     = 100
)

// forKey scopes a query to one conversation or group.
func forKey(key domain.ConversationKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if key.IsGroup() {
			return db.Where("group_id = ?", key.GroupID)
		}
		return db.Where("conversation_id = ?", key.ConversationID)
	}
}

// CreateMessage inserts m. A missing ID is filled with a UUID, a zero SentAt
// with the current time, and an empty Type with text. SentAt is stored in UTC
// so the keyset ordering is consistent.
func CreateMessage(ctx context.Context, db *gorm.DB, m domain.Message) (*domain.Message, error) {
	if err := m.Key().Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.SentAt.IsZero() {
		m.SentAt = now
	}
	m.SentAt = m.SentAt.UTC()
	if m.Type == "" {
		m.Type = domain.TypeText
	}
	m.UpdatedAt = now
	if err := db.WithContext(ctx).Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage fetches a message by id within key.
func GetMessage(ctx context.Context, db *gorm.DB, key domain.ConversationKey, id string) (*domain.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var m domain.Message
	if err := db.WithContext(ctx).Scopes(forKey(key)).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessage applies patch to the message with id and returns the result.
func UpdateMessage(ctx context.Context, db *gorm.DB, key domain.ConversationKey, id string, patch domain.MessagePatch) (*domain.Message, error) {
	m, err := GetMessage(ctx, db, key, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(m)
	m.UpdatedAt = time.Now().UTC()
	err = db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{"is_read": m.IsRead, "type": m.Type, "updated_at": m.UpdatedAt}).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage soft-deletes (type becomes deleted) or, when hard is set,
// removes the message. It returns the message as it was last stored.
func DeleteMessage(ctx context.Context, db *gorm.DB, key domain.ConversationKey, id string, hard bool) (*domain.Message, error) {
	if !hard {
		return UpdateMessage(ctx, db, key, id, domain.MarkDeleted())
	}
	m, err := GetMessage(ctx, db, key, id)
	if err != nil {
		return nil, err
	}
	res := db.WithContext(ctx).Where("id = ?", m.ID).Delete(&domain.Message{})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// CountMessages returns the number of messages in key.
func CountMessages(ctx context.Context, db *gorm.DB, key domain.ConversationKey) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Message{}).
		Scopes(forKey(key)).
		Count(&total).Error
	return total, err
}

// FetchPage returns one page of key's history, newest first. Without a cursor
// it returns the newest page. With a cursor it returns the page strictly older
// (domain.Older) or strictly newer (domain.Newer) than the cursor position.
func FetchPage(ctx context.Context, db *gorm.DB, key domain.ConversationKey, opts domain.FetchOptions) (domain.Page, error) {
	if err := key.Validate(); err != nil {
		return domain.Page{}, err
	}
	n := clampPageSize(opts.PageSize)

	total, err := CountMessages(ctx, db, key)
	if err != nil {
		return domain.Page{}, err
	}

	q := db.WithContext(ctx).Model(&domain.Message{}).Scopes(forKey(key))
	var rows []domain.Message
	switch {
	case opts.Cursor == "":
		err = q.Order("sent_at DESC, id DESC").Limit(n).Find(&rows).Error
	case opts.Direction == domain.Newer:
		pos, derr := decodeCursor(opts.Cursor)
		if derr != nil {
			return domain.Page{}, derr
		}
		err = q.Scopes(after(pos)).Order("sent_at ASC, id ASC").Limit(n).Find(&rows).Error
		slices.Reverse(rows)
	default:
		pos, derr := decodeCursor(opts.Cursor)
		if derr != nil {
			return domain.Page{}, derr
		}
		err = q.Scopes(before(pos)).Order("sent_at DESC, id DESC").Limit(n).Find(&rows).Error
	}
	if err != nil {
		return domain.Page{}, err
	}

	page := domain.Page{Messages: rows, TotalCount: total}
	if page.Messages == nil {
		page.Messages = []domain.Message{}
	}
	if len(rows) == 0 {
		return page, nil
	}

	newest, oldest := rows[0], rows[len(rows)-1]
	if page.HasNextPage, err = exists(ctx, db, key, before(position{SentAt: oldest.SentAt, ID: oldest.ID})); err != nil {
		return domain.Page{}, err
	}
	if page.HasPreviousPage, err = exists(ctx, db, key, after(position{SentAt: newest.SentAt, ID: newest.ID})); err != nil {
		return domain.Page{}, err
	}
	page.NextCursor = EncodeCursor(oldest)
	page.PreviousCursor = EncodeCursor(newest)
	return page, nil
}

func before(p position) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(sent_at < ? OR (sent_at = ? AND id < ?))", p.SentAt, p.SentAt, p.ID)
	}
}

func after(p position) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("(sent_at > ? OR (sent_at = ? AND id > ?))", p.SentAt, p.SentAt, p.ID)
	}
}

func exists(ctx context.Context, db *gorm.DB, key domain.ConversationKey, cond func(*gorm.DB) *gorm.DB) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Message{}).Scopes(forKey(key), cond).Count(&n).Error
	return n > 0, err
}

func clampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}
