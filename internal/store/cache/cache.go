// Package cache puts a Redis read-through cache in front of device lookups.
// Bundle requests read the same device row many times between registrations,
// so Get is served from Redis and every write through this package
// invalidates the affected key.
//
// Each device has a generation counter next to its cached row. Writers bump
// the counter before deleting the row, and a cached row is only served while
// the generation it was filled under is still current. A reader that loaded
// the row before a concurrent commit may still write it back, but that entry
// is stale on arrival and the next Get goes to the store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"e2ee-relay/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Client is the subset of *redis.Client the cache needs.
type Client interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// Store decorates a domain.Store. Everything except Devices passes through.
type Store struct {
	domain.Store
	client Client
	ttl    time.Duration
	log    *slog.Logger
}

func New(inner domain.Store, client Client, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Store: inner, client: client, ttl: ttl, log: logger}
}

func (s *Store) Devices() domain.DeviceStore {
	return &deviceCache{inner: s.Store.Devices(), s: s}
}

// WithTx runs fn inside the wrapped store's transaction. Device keys written
// inside the transaction are invalidated once it commits.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	var touched []deviceRef
	err := s.Store.WithTx(ctx, func(tx domain.Store) error {
		return fn(&txStore{Store: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched...)
	return nil
}

func (s *Store) invalidate(ctx context.Context, keys ...deviceRef) {
	if len(keys) == 0 {
		return
	}
	rows := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := s.client.Incr(ctx, k.gen()).Err(); err != nil {
			s.log.Warn("device cache generation bump failed", "key", k.gen(), "err", err)
		}
		rows = append(rows, k.row())
	}
	if err := s.client.Del(ctx, rows...).Err(); err != nil {
		s.log.Warn("device cache invalidation failed", "keys", rows, "err", err)
	}
}

type deviceRef struct{ userID, deviceID string }

func (r deviceRef) row() string { return fmt.Sprintf("relay:device:%s:%s", r.userID, r.deviceID) }
func (r deviceRef) gen() string { return fmt.Sprintf("relay:device-gen:%s:%s", r.userID, r.deviceID) }

type cachedDevice struct {
	Gen    int64         `json:"gen"`
	Device domain.Device `json:"device"`
}

type deviceCache struct {
	inner domain.DeviceStore
	s     *Store
}

func (d *deviceCache) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	out, err := d.inner.Upsert(ctx, device)
	if err != nil {
		return out, err
	}
	d.s.invalidate(ctx, deviceRef{device.UserID, device.DeviceID})
	return out, nil
}

func (d *deviceCache) Get(ctx context.Context, userID, deviceID string) (*domain.Device, error) {
	ref := deviceRef{userID, deviceID}
	gen, cached, ok := d.lookup(ctx, ref)
	if cached != nil {
		return cached, nil
	}

	dev, err := d.inner.Get(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return dev, nil
	}
	if payload, jerr := json.Marshal(cachedDevice{Gen: gen, Device: *dev}); jerr == nil {
		if serr := d.s.client.Set(ctx, ref.row(), payload, d.s.ttl).Err(); serr != nil {
			d.s.log.Warn("device cache write failed", "key", ref.row(), "err", serr)
		}
	}
	return dev, nil
}

// lookup reads the cached row and the current generation in one round trip.
// It returns the device only when the row was filled under the current
// generation. ok is false when Redis could not be read, in which case the
// caller must not fill.
func (d *deviceCache) lookup(ctx context.Context, ref deviceRef) (gen int64, dev *domain.Device, ok bool) {
	vals, err := d.s.client.MGet(ctx, ref.row(), ref.gen()).Result()
	if err != nil || len(vals) != 2 {
		d.s.log.Warn("device cache read failed", "key", ref.row(), "err", err)
		return 0, nil, false
	}
	if raw, isStr := vals[1].(string); isStr {
		gen, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			d.s.log.Warn("device cache generation unreadable", "key", ref.gen(), "err", err)
			return 0, nil, false
		}
	}
	raw, isStr := vals[0].(string)
	if !isStr {
		return gen, nil, true
	}
	var entry cachedDevice
	if jerr := json.Unmarshal([]byte(raw), &entry); jerr != nil {
		d.s.log.Warn("discarding undecodable cached device", "key", ref.row())
		return gen, nil, true
	}
	if entry.Gen != gen {
		return gen, nil, true
	}
	return gen, &entry.Device, true
}

func (d *deviceCache) ListByUser(ctx context.Context, userID string) ([]domain.Device, error) {
	return d.inner.ListByUser(ctx, userID)
}

func (d *deviceCache) ListByDeviceID(ctx context.Context, deviceID string) ([]domain.Device, error) {
	return d.inner.ListByDeviceID(ctx, deviceID)
}

func (d *deviceCache) ReserveDeviceID(ctx context.Context, deviceID string) error {
	return d.inner.ReserveDeviceID(ctx, deviceID)
}

// txStore bypasses the cache for reads and records writes for invalidation
// after commit.
type txStore struct {
	domain.Store
	touched *[]deviceRef
}

func (t *txStore) Devices() domain.DeviceStore {
	return &txDevices{DeviceStore: t.Store.Devices(), touched: t.touched}
}

func (t *txStore) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	return t.Store.WithTx(ctx, func(tx domain.Store) error {
		return fn(&txStore{Store: tx, touched: t.touched})
	})
}

type txDevices struct {
	domain.DeviceStore
	touched *[]deviceRef
}

func (t *txDevices) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	out, err := t.DeviceStore.Upsert(ctx, device)
	if err == nil {
		*t.touched = append(*t.touched, deviceRef{device.UserID, device.DeviceID})
	}
	return out, err
}

var _ domain.Store = (*Store)(nil)
