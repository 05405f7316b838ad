package service_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/service"
	"e2ee-relay/internal/store"
	"e2ee-relay/internal/store/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/sync/errgroup"
)

func setupService(t *testing.T, opts service.Options) *service.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, closeFn, err := store.Open(context.Background(), store.DBConfig{Driver: "sqlite", DSN: dsn, Migrate: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })
	return service.New(st, opts)
}

func curveKey(t *testing.T) string {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	_, err := rand.Read(priv)
	require.NoError(t, err)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(pub)
}

type deviceKeys struct {
	req     dto.RegisterDeviceRequest
	signing ed25519.PrivateKey
}

func newDeviceKeys(t *testing.T, deviceID string, otks int) deviceKeys {
	t.Helper()
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	spk := curveKey(t)
	raw, _ := base64.StdEncoding.DecodeString(spk)
	req := dto.RegisterDeviceRequest{
		DeviceID:              deviceID,
		RegistrationID:        42,
		IdentityKeyPublic:     curveKey(t),
		IdentitySignatureKey:  base64.StdEncoding.EncodeToString(sigPub),
		SignedPreKeyID:        1,
		SignedPreKeyPublic:    spk,
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(ed25519.Sign(sigPriv, raw)),
	}
	for i := 1; i <= otks; i++ {
		req.OneTimePreKeys = append(req.OneTimePreKeys, dto.OneTimePreKey{KeyID: uint32(i), PublicKey: curveKey(t)})
	}
	return deviceKeys{req: req, signing: sigPriv}
}

func TestRegisterBundleSendDrain(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{VerifySignedPreKey: true})

	u1 := auth.Principal{UserID: "u1", DeviceID: "d1"}
	keys := newDeviceKeys(t, "d1", 2)
	resp, err := svc.RegisterDevice(ctx, u1, keys.req)
	require.NoError(t, err)
	assert.Equal(t, "u1", resp.UserID)
	assert.Equal(t, "d1", resp.DeviceID)
	assert.Equal(t, 2, resp.OneTimePreKeys)

	sender := auth.Principal{UserID: "u2", DeviceID: "phone"}
	issued := map[string]bool{}
	for i := 0; i < 2; i++ {
		b, err := svc.IssueBundle(ctx, sender, "u1", "d1")
		require.NoError(t, err)
		require.Len(t, b.Bundles, 1)
		bundle := b.Bundles[0]
		assert.Equal(t, keys.req.IdentityKeyPublic, bundle.IdentityKeyPublic)
		assert.Equal(t, keys.req.SignedPreKeyPublic, bundle.SignedPreKeyPublic)
		assert.Equal(t, keys.req.SignedPreKeySignature, bundle.SignedPreKeySignature)
		require.NotNil(t, bundle.OneTimePreKey)
		assert.False(t, issued[bundle.OneTimePreKey.PublicKey], "one-time prekey issued twice")
		issued[bundle.OneTimePreKey.PublicKey] = true
	}

	third, err := svc.IssueBundle(ctx, sender, "u1", "d1")
	require.NoError(t, err)
	require.Len(t, third.Bundles, 1)
	assert.Nil(t, third.Bundles[0].OneTimePreKey, "exhausted pool must still yield a bundle")
	assert.Equal(t, keys.req.IdentityKeyPublic, third.Bundles[0].IdentityKeyPublic)

	d1 := "d1"
	sent, err := svc.SendMessage(ctx, sender, dto.SendMessageRequest{RecipientUserID: "u1", RecipientDeviceID: &d1, Ciphertext: "AB=="})
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)

	inbox, err := svc.DrainInbox(ctx, u1, "d1")
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 1)
	assert.Equal(t, "AB==", inbox.Messages[0].Ciphertext)
	assert.Equal(t, "u2", inbox.Messages[0].SenderUserID)
	require.NotNil(t, inbox.Messages[0].SenderDeviceID)
	assert.Equal(t, "phone", *inbox.Messages[0].SenderDeviceID)
	assert.Equal(t, sent.ID, inbox.Messages[0].ID)

	again, err := svc.DrainInbox(ctx, u1, "d1")
	require.NoError(t, err)
	assert.Empty(t, again.Messages)
}

func TestConcurrentBundlesNeverShareAPreKey(t *testing.T) {
	for name, newSvc := range map[string]func(t *testing.T) *service.Service{
		"sqlite": func(t *testing.T) *service.Service { return setupService(t, service.Options{}) },
		"memory": func(t *testing.T) *service.Service { return service.New(memory.New(), service.Options{}) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := newSvc(t)
			const n = 12
			_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: "bob"}, newDeviceKeys(t, "laptop", n).req)
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				seen = map[uint32]int{}
			)
			caller := auth.Principal{UserID: "alice"}
			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < n; i++ {
				g.Go(func() error {
					b, err := svc.IssueBundle(gctx, caller, "bob", "laptop")
					if err != nil {
						return err
					}
					if b.Bundles[0].OneTimePreKey == nil {
						return fmt.Errorf("bundle without one-time prekey while pool was not empty")
					}
					mu.Lock()
					seen[b.Bundles[0].OneTimePreKey.KeyID]++
					mu.Unlock()
					return nil
				})
			}
			require.NoError(t, g.Wait())
			assert.Len(t, seen, n)

			last, err := svc.IssueBundle(ctx, caller, "bob", "laptop")
			require.NoError(t, err)
			assert.Nil(t, last.Bundles[0].OneTimePreKey)
		})
	}
}

func TestRegistrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{})
	p := auth.Principal{UserID: "u1"}
	keys := newDeviceKeys(t, "d1", 3)

	first, err := svc.RegisterDevice(ctx, p, keys.req)
	require.NoError(t, err)
	assert.Equal(t, 3, first.OneTimePreKeys)
	before, err := svc.KeyEvents(ctx, "u1", 0)
	require.NoError(t, err)

	second, err := svc.RegisterDevice(ctx, p, keys.req)
	require.NoError(t, err)
	assert.True(t, first.RegisteredAt.Equal(second.RegisteredAt))
	assert.Zero(t, second.OneTimePreKeys, "no prekey was written again")

	up, err := svc.UploadPreKeys(ctx, p, dto.UploadPreKeysRequest{DeviceID: "d1", OneTimePreKeys: keys.req.OneTimePreKeys})
	require.NoError(t, err)
	assert.Zero(t, up.Uploaded)

	count, err := svc.CountPreKeys(ctx, p, "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, count.Unconsumed)

	devices, err := svc.ListDevices(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, devices.Devices, 1)

	events, err := svc.KeyEvents(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, before.Events, events.Events, "unchanged keys must not be logged again")
	var identityUpdates, uploads int
	for _, e := range events.Events {
		switch e.Action {
		case string(domain.KeyActionIdentityUpdate):
			identityUpdates++
		case string(domain.KeyActionPreKeysUpload):
			uploads++
		}
	}
	assert.Equal(t, 1, identityUpdates)
	assert.Equal(t, 1, uploads)
}

// reservingStore records the device store calls made inside transactions.
type reservingStore struct {
	domain.Store
	mu    *sync.Mutex
	calls *[]string
}

func newReservingStore() reservingStore {
	return reservingStore{Store: memory.New(), mu: &sync.Mutex{}, calls: &[]string{}}
}

func (r reservingStore) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	return r.Store.WithTx(ctx, func(tx domain.Store) error {
		return fn(reservingStore{Store: tx, mu: r.mu, calls: r.calls})
	})
}

func (r reservingStore) Devices() domain.DeviceStore {
	return reservingDevices{DeviceStore: r.Store.Devices(), r: r}
}

func (r reservingStore) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.calls = append(*r.calls, call)
}

func (r reservingStore) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), *r.calls...)
}

type reservingDevices struct {
	domain.DeviceStore
	r reservingStore
}

func (d reservingDevices) ReserveDeviceID(ctx context.Context, deviceID string) error {
	d.r.record("reserve " + deviceID)
	return d.DeviceStore.ReserveDeviceID(ctx, deviceID)
}

func (d reservingDevices) ListByDeviceID(ctx context.Context, deviceID string) ([]domain.Device, error) {
	d.r.record("owners " + deviceID)
	return d.DeviceStore.ListByDeviceID(ctx, deviceID)
}

func (d reservingDevices) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	d.r.record("upsert " + device.DeviceID)
	return d.DeviceStore.Upsert(ctx, device)
}

func TestClaimlessRegistrationReservesDeviceIDFirst(t *testing.T) {
	ctx := context.Background()
	st := newReservingStore()
	svc := service.New(st, service.Options{})

	_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: "bob"}, newDeviceKeys(t, "tablet", 1).req)
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve tablet", "owners tablet", "upsert tablet"}, st.recorded())

	// A device claim pins ownership already; nothing to reserve.
	claimed := newReservingStore()
	svc = service.New(claimed, service.Options{})
	_, err = svc.RegisterDevice(ctx, auth.Principal{UserID: "bob", DeviceID: "tablet"}, newDeviceKeys(t, "tablet", 1).req)
	require.NoError(t, err)
	assert.Equal(t, []string{"upsert tablet"}, claimed.recorded())
}

func TestConcurrentClaimlessRegistrationHasOneOwner(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{})

	const users = 8
	reqs := make([]dto.RegisterDeviceRequest, users)
	for i := range reqs {
		reqs[i] = newDeviceKeys(t, "contested", 1).req
	}

	var (
		g       errgroup.Group
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i)
		req := reqs[i]
		g.Go(func() error {
			_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: user}, req)
			if errors.Is(err, service.ErrAuthorization) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			winners = append(winners, user)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, winners, 1)

	for i := 0; i < users; i++ {
		devices, err := svc.ListDevices(ctx, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
		if fmt.Sprintf("user-%d", i) == winners[0] {
			assert.Len(t, devices.Devices, 1)
		} else {
			assert.Empty(t, devices.Devices)
		}
	}
}

func TestCrossUserRegistrationIsRejected(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{})

	bob := newDeviceKeys(t, "shared-device", 1)
	_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: "bob"}, bob.req)
	require.NoError(t, err)

	mallory := newDeviceKeys(t, "shared-device", 1)
	_, err = svc.RegisterDevice(ctx, auth.Principal{UserID: "mallory"}, mallory.req)
	assert.ErrorIs(t, err, service.ErrAuthorization)

	claimsBob := mallory.req
	claimsBob.UserID = "bob"
	_, err = svc.RegisterDevice(ctx, auth.Principal{UserID: "mallory"}, claimsBob)
	assert.ErrorIs(t, err, service.ErrAuthorization)

	_, err = svc.RegisterDevice(ctx, auth.Principal{UserID: "mallory", DeviceID: "other"}, mallory.req)
	assert.ErrorIs(t, err, service.ErrAuthorization)

	b, err := svc.IssueBundle(ctx, auth.Principal{UserID: "alice"}, "bob", "shared-device")
	require.NoError(t, err)
	assert.Equal(t, bob.req.IdentityKeyPublic, b.Bundles[0].IdentityKeyPublic)
}

func TestRegistrationValidation(t *testing.T) {
	ctx := context.Background()
	svc := service.New(memory.New(), service.Options{VerifySignedPreKey: true, MaxPreKeysPerUpload: 2})
	p := auth.Principal{UserID: "u1"}

	cases := map[string]func(r *dto.RegisterDeviceRequest){
		"missing device":       func(r *dto.RegisterDeviceRequest) { r.DeviceID = "" },
		"short identity key":   func(r *dto.RegisterDeviceRequest) { r.IdentityKeyPublic = base64.StdEncoding.EncodeToString([]byte("short")) },
		"not base64":           func(r *dto.RegisterDeviceRequest) { r.SignedPreKeyPublic = "%%%" },
		"bad signature length": func(r *dto.RegisterDeviceRequest) { r.SignedPreKeySignature = base64.StdEncoding.EncodeToString(make([]byte, 10)) },
		"forged signature":     func(r *dto.RegisterDeviceRequest) { r.SignedPreKeySignature = base64.StdEncoding.EncodeToString(make([]byte, 64)) },
		"too many prekeys": func(r *dto.RegisterDeviceRequest) {
			r.OneTimePreKeys = append(r.OneTimePreKeys, dto.OneTimePreKey{KeyID: 99, PublicKey: r.IdentityKeyPublic})
		},
		"duplicate prekey id": func(r *dto.RegisterDeviceRequest) { r.OneTimePreKeys[1].KeyID = r.OneTimePreKeys[0].KeyID },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := newDeviceKeys(t, "d1", 2).req
			mutate(&req)
			_, err := svc.RegisterDevice(ctx, p, req)
			assert.ErrorIs(t, err, service.ErrValidation)
		})
	}

	_, err := svc.RegisterDevice(ctx, auth.Principal{}, newDeviceKeys(t, "d1", 0).req)
	assert.ErrorIs(t, err, service.ErrAuthorization)
}

func TestBundleFanOutAndNotFound(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{})
	caller := auth.Principal{UserID: "alice"}

	_, err := svc.IssueBundle(ctx, caller, "bob", "")
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = svc.IssueBundle(ctx, caller, "bob", "phone")
	assert.ErrorIs(t, err, service.ErrNotFound)
	_, err = svc.IssueBundle(ctx, auth.Principal{}, "bob", "phone")
	assert.ErrorIs(t, err, service.ErrAuthorization)

	for _, d := range []string{"phone", "laptop", "tablet"} {
		_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: "bob", DeviceID: d}, newDeviceKeys(t, d, 1).req)
		require.NoError(t, err)
	}

	all, err := svc.IssueBundle(ctx, caller, "bob", "")
	require.NoError(t, err)
	require.Len(t, all.Bundles, 3)
	for _, b := range all.Bundles {
		assert.NotNil(t, b.OneTimePreKey, "device %s", b.DeviceID)
	}

	again, err := svc.IssueBundle(ctx, caller, "bob", "")
	require.NoError(t, err)
	for _, b := range again.Bundles {
		assert.Nil(t, b.OneTimePreKey)
	}
}

func TestDrainOrderingAndLimits(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{MaxCiphertextBytes: 16})
	sender := auth.Principal{UserID: "alice"}
	recipient := auth.Principal{UserID: "bob", DeviceID: "phone"}

	for _, payload := range []string{"P1", "P2", "P3"} {
		_, err := svc.SendMessage(ctx, sender, dto.SendMessageRequest{RecipientUserID: "bob", Ciphertext: payload})
		require.NoError(t, err)
	}

	_, err := svc.SendMessage(ctx, sender, dto.SendMessageRequest{RecipientUserID: "bob", Ciphertext: "this ciphertext is too long"})
	assert.ErrorIs(t, err, service.ErrPayloadTooLarge)
	_, err = svc.SendMessage(ctx, sender, dto.SendMessageRequest{RecipientUserID: "bob", Ciphertext: ""})
	assert.ErrorIs(t, err, service.ErrValidation)
	_, err = svc.SendMessage(ctx, auth.Principal{}, dto.SendMessageRequest{RecipientUserID: "bob", Ciphertext: "x"})
	assert.ErrorIs(t, err, service.ErrAuthorization)

	_, err = svc.DrainInbox(ctx, recipient, "laptop")
	assert.ErrorIs(t, err, service.ErrAuthorization)

	inbox, err := svc.DrainInbox(ctx, recipient, "")
	require.NoError(t, err)
	require.Len(t, inbox.Messages, 3)
	assert.Equal(t, "P1", inbox.Messages[0].Ciphertext)
	assert.Equal(t, "P2", inbox.Messages[1].Ciphertext)
	assert.Equal(t, "P3", inbox.Messages[2].Ciphertext)
	assert.Nil(t, inbox.Messages[0].SenderDeviceID)
}

func TestRotateAndUploadRequireRegisteredDevice(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{VerifySignedPreKey: true})
	p := auth.Principal{UserID: "u1", DeviceID: "d1"}
	keys := newDeviceKeys(t, "d1", 0)

	_, err := svc.UploadPreKeys(ctx, p, dto.UploadPreKeysRequest{OneTimePreKeys: []dto.OneTimePreKey{{KeyID: 1, PublicKey: curveKey(t)}}})
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, err = svc.RegisterDevice(ctx, p, keys.req)
	require.NoError(t, err)

	up, err := svc.UploadPreKeys(ctx, p, dto.UploadPreKeysRequest{OneTimePreKeys: []dto.OneTimePreKey{
		{KeyID: 1, PublicKey: curveKey(t)},
		{KeyID: 2, PublicKey: curveKey(t)},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, up.Uploaded)

	newSPK := curveKey(t)
	raw, _ := base64.StdEncoding.DecodeString(newSPK)
	_, err = svc.RotateSignedPreKey(ctx, p, dto.RotateSignedPreKeyRequest{
		SignedPreKeyID:        2,
		SignedPreKeyPublic:    newSPK,
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(make([]byte, 64)),
	})
	assert.ErrorIs(t, err, service.ErrValidation)

	rotated, err := svc.RotateSignedPreKey(ctx, p, dto.RotateSignedPreKeyRequest{
		SignedPreKeyID:        2,
		SignedPreKeyPublic:    newSPK,
		SignedPreKeySignature: base64.StdEncoding.EncodeToString(ed25519.Sign(keys.signing, raw)),
		OneTimePreKeys:        []dto.OneTimePreKey{{KeyID: 3, PublicKey: curveKey(t)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rotated.AddedOneTimePreKeys)

	b, err := svc.IssueBundle(ctx, auth.Principal{UserID: "u2"}, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, newSPK, b.Bundles[0].SignedPreKeyPublic)
	assert.EqualValues(t, 2, b.Bundles[0].SignedPreKeyID)

	count, err := svc.CountPreKeys(ctx, p, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count.Unconsumed)

	events, err := svc.KeyEvents(ctx, "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events.Events)
	assert.Equal(t, string(domain.KeyActionPreKeyConsume), events.Events[0].Action)

	_, err = svc.KeyEvents(ctx, "u1", 5000)
	assert.ErrorIs(t, err, service.ErrValidation)
}

func TestPurgeConsumedPreKeys(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, service.Options{PreKeyRetention: time.Millisecond})
	_, err := svc.RegisterDevice(ctx, auth.Principal{UserID: "u1"}, newDeviceKeys(t, "d1", 2).req)
	require.NoError(t, err)
	_, err = svc.IssueBundle(ctx, auth.Principal{UserID: "u2"}, "u1", "d1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	n, err := svc.PurgeConsumedPreKeys(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

type stalledStore struct{ *memory.Store }

func (s stalledStore) Mailbox() domain.Mailbox { return stalledMailbox{} }

type stalledMailbox struct{}

func (stalledMailbox) Enqueue(ctx context.Context, _ *domain.MailboxEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledMailbox) Drain(ctx context.Context, _ string, _ *string) ([]domain.MailboxEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStoreTimeoutSurfacesAsUnavailable(t *testing.T) {
	svc := service.New(stalledStore{memory.New()}, service.Options{StoreTimeout: 20 * time.Millisecond})
	_, err := svc.SendMessage(context.Background(), auth.Principal{UserID: "a"}, dto.SendMessageRequest{RecipientUserID: "b", Ciphertext: "x"})
	assert.ErrorIs(t, err, service.ErrUnavailable)
	_, err = svc.DrainInbox(context.Background(), auth.Principal{UserID: "b"}, "")
	assert.ErrorIs(t, err, service.ErrUnavailable)
}
