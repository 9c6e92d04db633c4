// Package repo implements the persistence layer of the dev history server.
// This file provides the aggregate query behind conditional responses (ETag
// generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-sync/internal/domain"
)

// MessagesStats returns aggregate metadata for one conversation or group: the
// total number of rows and the greatest UpdatedAt among them.
//
// When the conversation has no messages, the returned count is 0 and
// maxUpdatedAt is nil.
func MessagesStats(ctx context.Context, db *gorm.DB, key domain.ConversationKey) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = key.Validate(); err != nil {
		return 0, nil, err
	}
	q := db.WithContext(ctx).Model(&domain.Message{}).Scopes(forKey(key))

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Message{}).Scopes(forKey(key)).
		Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
