package store

import (
	"context"
	"time"

	"e2ee-relay/internal/domain"

	"gorm.io/gorm"
)

type KeyEventStore struct{ db *gorm.DB }

func (k *KeyEventStore) Append(ctx context.Context, events ...domain.KeyEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range events {
		if events[i].CreatedAt.IsZero() {
			events[i].CreatedAt = now
		}
		if events[i].Meta == "" {
			events[i].Meta = "{}"
		}
	}
	return k.db.WithContext(ctx).Create(&events).Error
}

func (k *KeyEventStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.KeyEvent, error) {
	var events []domain.KeyEvent
	q := k.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
