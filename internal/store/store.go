package store

import (
	"context"

	"e2ee-relay/internal/domain"

	"gorm.io/gorm"
)

// maxAttempts bounds the optimistic retry loops used by prekey claims and
// mailbox drains.
const maxAttempts = 8

type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{DB: db} }

func (s *Store) Devices() domain.DeviceStore { return &DeviceStore{db: s.DB} }

func (s *Store) PreKeys() domain.PreKeyPool { return &OneTimePreKeyStore{db: s.DB} }

func (s *Store) Mailbox() domain.Mailbox { return &MailboxStore{db: s.DB} }

func (s *Store) KeyLog() domain.KeyLog { return &KeyEventStore{db: s.DB} }

func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{DB: tx})
	})
}

// AutoMigrate creates the schema through gorm. Postgres deployments use the
// goose migrations instead.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.Device{},
		&domain.OneTimePreKey{},
		&domain.MailboxEntry{},
		&domain.KeyEvent{},
	)
}

var _ domain.Store = (*Store)(nil)

// Ping checks the underlying connection pool.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
