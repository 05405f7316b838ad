package relayclient

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"

	"e2ee-relay/internal/dto"

	"golang.org/x/crypto/curve25519"
)

// KeyPair is an X25519 key pair in standard base64.
type KeyPair struct {
	ID      uint32 `json:"id"`
	Private string `json:"private"`
	Public  string `json:"public"`
}

// DeviceKeys holds the private half of a device's X3DH material. The relay
// only ever sees the public halves.
type DeviceKeys struct {
	DeviceID       string    `json:"deviceId"`
	RegistrationID uint32    `json:"registrationId"`
	Identity       KeyPair   `json:"identity"`
	SigningPrivate string    `json:"signingPrivate"`
	SigningPublic  string    `json:"signingPublic"`
	SignedPreKey   KeyPair   `json:"signedPreKey"`
	Signature      string    `json:"signedPreKeySignature"`
	OneTimePreKeys []KeyPair `json:"oneTimePreKeys"`
	NextPreKeyID   uint32    `json:"nextPreKeyId"`
}

// GenerateDevice creates fresh identity, signing and signed-prekey material
// plus otks one-time prekeys.
func GenerateDevice(deviceID string, otks int) (*DeviceKeys, error) {
	identity, err := newKeyPair(0)
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	var regID [2]byte
	if _, err := rand.Read(regID[:]); err != nil {
		return nil, err
	}
	k := &DeviceKeys{
		DeviceID:       deviceID,
		RegistrationID: uint32(regID[0])<<8 | uint32(regID[1]) | 1,
		Identity:       identity,
		SigningPrivate: base64.StdEncoding.EncodeToString(sigPriv),
		SigningPublic:  base64.StdEncoding.EncodeToString(sigPub),
		NextPreKeyID:   1,
	}
	if err := k.newSignedPreKey(1); err != nil {
		return nil, err
	}
	if _, err := k.AddOneTimePreKeys(otks); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *DeviceKeys) RegisterRequest() dto.RegisterDeviceRequest {
	return dto.RegisterDeviceRequest{
		DeviceID:              k.DeviceID,
		RegistrationID:        k.RegistrationID,
		IdentityKeyPublic:     k.Identity.Public,
		IdentitySignatureKey:  k.SigningPublic,
		SignedPreKeyID:        k.SignedPreKey.ID,
		SignedPreKeyPublic:    k.SignedPreKey.Public,
		SignedPreKeySignature: k.Signature,
		OneTimePreKeys:        publicHalves(k.OneTimePreKeys),
	}
}

// AddOneTimePreKeys generates n more one-time prekeys with fresh ids and
// returns their public halves for upload.
func (k *DeviceKeys) AddOneTimePreKeys(n int) ([]dto.OneTimePreKey, error) {
	added := make([]KeyPair, 0, n)
	for i := 0; i < n; i++ {
		kp, err := newKeyPair(k.NextPreKeyID)
		if err != nil {
			return nil, err
		}
		k.NextPreKeyID++
		added = append(added, kp)
	}
	k.OneTimePreKeys = append(k.OneTimePreKeys, added...)
	return publicHalves(added), nil
}

// RotateSignedPreKey replaces the signed prekey and returns the request that
// publishes it.
func (k *DeviceKeys) RotateSignedPreKey() (dto.RotateSignedPreKeyRequest, error) {
	if err := k.newSignedPreKey(k.SignedPreKey.ID + 1); err != nil {
		return dto.RotateSignedPreKeyRequest{}, err
	}
	return dto.RotateSignedPreKeyRequest{
		DeviceID:              k.DeviceID,
		SignedPreKeyID:        k.SignedPreKey.ID,
		SignedPreKeyPublic:    k.SignedPreKey.Public,
		SignedPreKeySignature: k.Signature,
	}, nil
}

func (k *DeviceKeys) newSignedPreKey(id uint32) error {
	spk, err := newKeyPair(id)
	if err != nil {
		return err
	}
	priv, err := base64.StdEncoding.DecodeString(k.SigningPrivate)
	if err != nil {
		return err
	}
	pub, _ := base64.StdEncoding.DecodeString(spk.Public)
	k.SignedPreKey = spk
	k.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(ed25519.PrivateKey(priv), pub))
	return nil
}

func newKeyPair(id uint32) (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return KeyPair{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		ID:      id,
		Private: base64.StdEncoding.EncodeToString(priv),
		Public:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

func publicHalves(pairs []KeyPair) []dto.OneTimePreKey {
	out := make([]dto.OneTimePreKey, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, dto.OneTimePreKey{KeyID: p.ID, PublicKey: p.Public})
	}
	return out
}
