package store

import (
	"context"
	"errors"
	"time"

	"e2ee-relay/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimePreKeyStore struct{ db *gorm.DB }

func (o *OneTimePreKeyStore) BulkUpsert(ctx context.Context, keys []domain.OneTimePreKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	rows := make([]domain.OneTimePreKey, len(keys))
	for i, k := range keys {
		k.Consumed = false
		k.ConsumedAt = nil
		if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		rows[i] = k
	}

	// Consumed keys keep their public key: the conflict update only touches
	// rows that are still unconsumed and whose key actually changed, so
	// RowsAffected counts exactly the keys that were written.
	res := o.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}, {Name: "key_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"public_key"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "one_time_pre_keys.consumed = ?", Vars: []any{false}},
				clause.Expr{SQL: "one_time_pre_keys.public_key <> excluded.public_key"},
			}},
		}).
		CreateInBatches(&rows, 100)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ClaimOne picks the oldest unconsumed key and flips it with a conditional
// update. Postgres additionally skips rows locked by concurrent claimers; on
// engines without row locks the conditional update alone decides the winner
// and the loser retries with the next candidate.
func (o *OneTimePreKeyStore) ClaimOne(ctx context.Context, userID, deviceID string) (*domain.OneTimePreKey, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var (
			key     domain.OneTimePreKey
			claimed bool
			empty   bool
		)
		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("user_id = ? AND device_id = ? AND consumed = ?", userID, deviceID, false).
				Order("created_at ASC, key_id ASC").
				Take(&key).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				empty = true
				return nil
			}
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			res := tx.Model(&domain.OneTimePreKey{}).
				Where("user_id = ? AND device_id = ? AND key_id = ? AND consumed = ?", userID, deviceID, key.KeyID, false).
				Updates(map[string]any{"consumed": true, "consumed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				key.Consumed = true
				key.ConsumedAt = &now
				claimed = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if empty {
			return nil, nil
		}
		if claimed {
			return &key, nil
		}
	}
	return nil, domain.ErrConflict
}

func (o *OneTimePreKeyStore) CountUnconsumed(ctx context.Context, userID, deviceID string) (int64, error) {
	var total int64
	err := o.db.WithContext(ctx).
		Model(&domain.OneTimePreKey{}).
		Where("user_id = ? AND device_id = ? AND consumed = ?", userID, deviceID, false).
		Count(&total).Error
	return total, err
}

func (o *OneTimePreKeyStore) PurgeConsumed(ctx context.Context, before time.Time) (int64, error) {
	res := o.db.WithContext(ctx).
		Where("consumed = ? AND consumed_at < ?", true, before.UTC()).
		Delete(&domain.OneTimePreKey{})
	return res.RowsAffected, res.Error
}
