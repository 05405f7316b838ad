// Package memory is an in-process implementation of domain.Store used by
// tests and by the relay when DATABASE_DRIVER=memory.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"e2ee-relay/internal/domain"

	"github.com/google/uuid"
)

type deviceKey struct{ userID, deviceID string }

type preKeyKey struct {
	userID, deviceID string
	keyID            uint32
}

type state struct {
	devices  map[deviceKey]domain.Device
	prekeys  map[preKeyKey]domain.OneTimePreKey
	mailbox  []domain.MailboxEntry
	events   []domain.KeyEvent
	seq      int64
	eventSeq int64
}

func (st *state) clone() *state {
	out := &state{
		devices:  make(map[deviceKey]domain.Device, len(st.devices)),
		prekeys:  make(map[preKeyKey]domain.OneTimePreKey, len(st.prekeys)),
		mailbox:  append([]domain.MailboxEntry(nil), st.mailbox...),
		events:   append([]domain.KeyEvent(nil), st.events...),
		seq:      st.seq,
		eventSeq: st.eventSeq,
	}
	for k, v := range st.devices {
		out.devices[k] = v
	}
	for k, v := range st.prekeys {
		out.prekeys[k] = v
	}
	return out
}

// Store guards all state with a single mutex. A store handed to a WithTx
// callback already holds the lock and restores the snapshot if fn fails.
type Store struct {
	mu   *sync.Mutex
	data *state
	inTx bool
	now  func() time.Time
}

func New() *Store {
	return &Store{
		mu: &sync.Mutex{},
		data: &state{
			devices: map[deviceKey]domain.Device{},
			prekeys: map[preKeyKey]domain.OneTimePreKey{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lock() func() {
	if s.inTx {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) Devices() domain.DeviceStore { return deviceStore{s} }
func (s *Store) PreKeys() domain.PreKeyPool  { return preKeyStore{s} }
func (s *Store) Mailbox() domain.Mailbox     { return mailboxStore{s} }
func (s *Store) KeyLog() domain.KeyLog       { return keyLogStore{s} }

func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	tx := &Store{mu: s.mu, data: s.data, inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

type deviceStore struct{ s *Store }

func (d deviceStore) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return domain.Device{}, err
	}
	defer d.s.lock()()

	now := d.s.now()
	key := deviceKey{device.UserID, device.DeviceID}
	if prev, ok := d.s.data.devices[key]; ok {
		device.RegisteredAt = prev.RegisteredAt
	} else if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	if device.SignedPreKeyCreatedAt.IsZero() {
		device.SignedPreKeyCreatedAt = now
	}
	device.UpdatedAt = now
	d.s.data.devices[key] = device
	return device, nil
}

func (d deviceStore) Get(ctx context.Context, userID, deviceID string) (*domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer d.s.lock()()
	dev, ok := d.s.data.devices[deviceKey{userID, deviceID}]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return &dev, nil
}

func (d deviceStore) ListByUser(ctx context.Context, userID string) ([]domain.Device, error) {
	return d.filter(ctx, func(dev domain.Device) bool { return dev.UserID == userID })
}

func (d deviceStore) ListByDeviceID(ctx context.Context, deviceID string) ([]domain.Device, error) {
	return d.filter(ctx, func(dev domain.Device) bool { return dev.DeviceID == deviceID })
}

// ReserveDeviceID is a no-op: WithTx already holds the store lock for the
// whole transaction.
func (d deviceStore) ReserveDeviceID(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (d deviceStore) filter(ctx context.Context, keep func(domain.Device) bool) ([]domain.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer d.s.lock()()
	var out []domain.Device
	for _, dev := range d.s.data.devices {
		if keep(dev) {
			out = append(out, dev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

type preKeyStore struct{ s *Store }

func (p preKeyStore) BulkUpsert(ctx context.Context, keys []domain.OneTimePreKey) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer p.s.lock()()
	now := p.s.now()
	written := 0
	for _, k := range keys {
		id := preKeyKey{k.UserID, k.DeviceID, k.KeyID}
		if prev, ok := p.s.data.prekeys[id]; ok {
			if !prev.Consumed && prev.PublicKey != k.PublicKey {
				prev.PublicKey = k.PublicKey
				p.s.data.prekeys[id] = prev
				written++
			}
			continue
		}
		k.Consumed = false
		k.ConsumedAt = nil
		if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		p.s.data.prekeys[id] = k
		written++
	}
	return written, nil
}

func (p preKeyStore) ClaimOne(ctx context.Context, userID, deviceID string) (*domain.OneTimePreKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer p.s.lock()()

	var (
		best  domain.OneTimePreKey
		found bool
	)
	for _, k := range p.s.data.prekeys {
		if k.UserID != userID || k.DeviceID != deviceID || k.Consumed {
			continue
		}
		if !found || k.CreatedAt.Before(best.CreatedAt) ||
			(k.CreatedAt.Equal(best.CreatedAt) && k.KeyID < best.KeyID) {
			best, found = k, true
		}
	}
	if !found {
		return nil, nil
	}
	now := p.s.now()
	best.Consumed = true
	best.ConsumedAt = &now
	p.s.data.prekeys[preKeyKey{userID, deviceID, best.KeyID}] = best
	return &best, nil
}

func (p preKeyStore) CountUnconsumed(ctx context.Context, userID, deviceID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer p.s.lock()()
	var n int64
	for _, k := range p.s.data.prekeys {
		if k.UserID == userID && k.DeviceID == deviceID && !k.Consumed {
			n++
		}
	}
	return n, nil
}

func (p preKeyStore) PurgeConsumed(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	defer p.s.lock()()
	var n int64
	for id, k := range p.s.data.prekeys {
		if k.Consumed && k.ConsumedAt != nil && k.ConsumedAt.Before(before) {
			delete(p.s.data.prekeys, id)
			n++
		}
	}
	return n, nil
}

type mailboxStore struct{ s *Store }

func (m mailboxStore) Enqueue(ctx context.Context, entry *domain.MailboxEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer m.s.lock()()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.s.now()
	}
	m.s.data.seq++
	entry.Seq = m.s.data.seq
	m.s.data.mailbox = append(m.s.data.mailbox, *entry)
	return nil
}

func (m mailboxStore) Drain(ctx context.Context, userID string, deviceID *string) ([]domain.MailboxEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer m.s.lock()()

	var (
		out  []domain.MailboxEntry
		keep = m.s.data.mailbox[:0:0]
	)
	for _, e := range m.s.data.mailbox {
		if visible(e, userID, deviceID) {
			out = append(out, e)
		} else {
			keep = append(keep, e)
		}
	}
	m.s.data.mailbox = keep
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func visible(e domain.MailboxEntry, userID string, deviceID *string) bool {
	if e.RecipientUserID != userID {
		return false
	}
	if e.RecipientDeviceID == nil {
		return true
	}
	return deviceID != nil && *e.RecipientDeviceID == *deviceID
}

type keyLogStore struct{ s *Store }

func (k keyLogStore) Append(ctx context.Context, events ...domain.KeyEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer k.s.lock()()
	now := k.s.now()
	for _, ev := range events {
		k.s.data.eventSeq++
		ev.ID = k.s.data.eventSeq
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if ev.Meta == "" {
			ev.Meta = "{}"
		}
		k.s.data.events = append(k.s.data.events, ev)
	}
	return nil
}

func (k keyLogStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.KeyEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer k.s.lock()()
	var out []domain.KeyEvent
	for _, ev := range k.s.data.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.Store = (*Store)(nil)
