package store

import (
	"context"
	"errors"
	"time"

	"e2ee-relay/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errDrainRace = errors.New("mailbox entries drained concurrently")

type MailboxStore struct{ db *gorm.DB }

func (m *MailboxStore) Enqueue(ctx context.Context, entry *domain.MailboxEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return m.db.WithContext(ctx).Create(entry).Error
}

// Drain selects the recipient's backlog under row locks and deletes exactly
// those rows in the same transaction. If another drainer removed any of them
// first the transaction is rolled back and the drain starts over, so no entry
// is ever returned twice.
func (m *MailboxStore) Drain(ctx context.Context, userID string, deviceID *string) ([]domain.MailboxEntry, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var entries []domain.MailboxEntry
		err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("recipient_user_id = ?", userID)
			if deviceID != nil {
				q = q.Where("(recipient_device_id = ? OR recipient_device_id IS NULL)", *deviceID)
			} else {
				q = q.Where("recipient_device_id IS NULL")
			}
			if err := q.Order("created_at ASC, seq ASC").Find(&entries).Error; err != nil {
				return err
			}
			if len(entries) == 0 {
				return nil
			}

			seqs := make([]int64, len(entries))
			for i, e := range entries {
				seqs[i] = e.Seq
			}
			res := tx.Where("seq IN ?", seqs).Delete(&domain.MailboxEntry{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(seqs)) {
				return errDrainRace
			}
			return nil
		})
		if errors.Is(err, errDrainRace) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entries, nil
	}
	return nil, domain.ErrConflict
}
