package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	// ErrConflict is returned when an optimistic claim or drain kept losing
	// races with concurrent callers and gave up.
	ErrConflict = errors.New("concurrent update conflict")
)

// DeviceStore is the Device Key Store.
type DeviceStore interface {
	// Upsert inserts or overwrites the key material of (UserID, DeviceID).
	// RegisteredAt is kept from the first registration.
	Upsert(ctx context.Context, device Device) (Device, error)
	Get(ctx context.Context, userID, deviceID string) (*Device, error)
	ListByUser(ctx context.Context, userID string) ([]Device, error)
	// ListByDeviceID returns every registration using deviceID, across users.
	ListByDeviceID(ctx context.Context, deviceID string) ([]Device, error)
	// ReserveDeviceID serializes transactions that check and then claim
	// deviceID until the calling transaction ends. It must run inside WithTx.
	ReserveDeviceID(ctx context.Context, deviceID string) error
}

// PreKeyPool is the per-device set of one-time prekeys.
type PreKeyPool interface {
	// BulkUpsert publishes keys keyed by (UserID, DeviceID, KeyID). An existing
	// unconsumed key with the same id is overwritten; a consumed one is left
	// untouched. It returns the number of keys inserted or changed, so
	// republishing an identical or already consumed key counts zero.
	BulkUpsert(ctx context.Context, keys []OneTimePreKey) (int, error)
	// ClaimOne atomically marks one unconsumed key as consumed and returns it.
	// It returns nil, nil when the pool is exhausted.
	ClaimOne(ctx context.Context, userID, deviceID string) (*OneTimePreKey, error)
	CountUnconsumed(ctx context.Context, userID, deviceID string) (int64, error)
	PurgeConsumed(ctx context.Context, before time.Time) (int64, error)
}

// Mailbox is the store-and-forward queue of ciphertext envelopes.
type Mailbox interface {
	Enqueue(ctx context.Context, entry *MailboxEntry) error
	// Drain returns and deletes, as one unit, every entry visible to the
	// recipient ordered by CreatedAt then insertion sequence. With a nil
	// deviceID only entries without a device binding are visible.
	Drain(ctx context.Context, userID string, deviceID *string) ([]MailboxEntry, error)
}

// KeyLog is the append-only key-transparency log.
type KeyLog interface {
	Append(ctx context.Context, events ...KeyEvent) error
	// ListByUser returns the newest events first.
	ListByUser(ctx context.Context, userID string, limit int) ([]KeyEvent, error)
}

// Store is the persistence boundary. Each entity store can be replaced
// independently; WithTx runs fn against stores sharing one transaction.
type Store interface {
	Devices() DeviceStore
	PreKeys() PreKeyPool
	Mailbox() Mailbox
	KeyLog() KeyLog
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
