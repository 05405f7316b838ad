package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/store/memory"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	sets    int
	failGet bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) MGet(_ context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet {
		return redis.NewSliceResult(nil, errors.New("connection refused"))
	}
	vals := make([]any, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Incr(_ context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, _ := strconv.ParseInt(f.data[key], 10, 64)
	n++
	f.data[key] = strconv.FormatInt(n, 10)
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// racingStore runs afterGet once, right after the next device read returns.
type racingStore struct {
	*memory.Store
	afterGet func()
}

func (r *racingStore) Devices() domain.DeviceStore {
	return &racingDevices{DeviceStore: r.Store.Devices(), r: r}
}

type racingDevices struct {
	domain.DeviceStore
	r *racingStore
}

func (d *racingDevices) Get(ctx context.Context, userID, deviceID string) (*domain.Device, error) {
	dev, err := d.DeviceStore.Get(ctx, userID, deviceID)
	if fn := d.r.afterGet; fn != nil {
		d.r.afterGet = nil
		fn()
	}
	return dev, err
}

func TestGetIsReadThrough(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	st := New(memory.New(), rdb, time.Minute, nil)

	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik1"})
	require.NoError(t, err)

	first, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	second, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, first.IdentityKeyPublic, second.IdentityKeyPublic)
	assert.Equal(t, 1, rdb.sets, "second Get is served from the cache")
}

func TestUpsertInsideTxInvalidatesAfterCommit(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	st := New(memory.New(), rdb, time.Minute, nil)

	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik1"})
	require.NoError(t, err)
	_, err = st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	row := deviceRef{"u", "d"}.row()
	require.True(t, rdb.has(row))

	err = st.WithTx(ctx, func(tx domain.Store) error {
		_, err := tx.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik2"})
		return err
	})
	require.NoError(t, err)
	assert.False(t, rdb.has(row))

	dev, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "ik2", dev.IdentityKeyPublic)
}

func TestRolledBackTxKeepsCache(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	st := New(memory.New(), rdb, time.Minute, nil)
	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik1"})
	require.NoError(t, err)
	_, err = st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = st.WithTx(ctx, func(tx domain.Store) error {
		if _, err := tx.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik2"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.True(t, rdb.has(deviceRef{"u", "d"}.row()))

	dev, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "ik1", dev.IdentityKeyPublic)
}

func TestFillRacingACommitIsNotServed(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	inner := &racingStore{Store: memory.New()}
	st := New(inner, rdb, time.Minute, nil)

	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "old"})
	require.NoError(t, err)

	// The reader loads "old", then a rotation commits and invalidates before
	// the reader writes its copy back to Redis.
	inner.afterGet = func() {
		err := st.WithTx(ctx, func(tx domain.Store) error {
			_, err := tx.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "new"})
			return err
		})
		require.NoError(t, err)
	}
	first, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "old", first.IdentityKeyPublic)
	require.True(t, rdb.has(deviceRef{"u", "d"}.row()), "the late fill still lands")

	second, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "new", second.IdentityKeyPublic)

	third, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "new", third.IdentityKeyPublic)
	assert.Equal(t, 2, rdb.sets)
}

func TestRedisFailureFallsBackToStore(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rdb.failGet = true
	st := New(memory.New(), rdb, time.Minute, nil)
	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik1"})
	require.NoError(t, err)

	dev, err := st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Equal(t, "ik1", dev.IdentityKeyPublic)

	_, err = st.Devices().Get(ctx, "u", "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRedisFailureSkipsFill(t *testing.T) {
	ctx := context.Background()
	rdb := newFakeRedis()
	rdb.failGet = true
	st := New(memory.New(), rdb, time.Minute, nil)
	_, err := st.Devices().Upsert(ctx, domain.Device{UserID: "u", DeviceID: "d", IdentityKeyPublic: "ik1"})
	require.NoError(t, err)

	_, err = st.Devices().Get(ctx, "u", "d")
	require.NoError(t, err)
	assert.Zero(t, rdb.sets, "no fill without a known generation")
}
