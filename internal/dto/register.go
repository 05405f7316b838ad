package dto

import "time"

type OneTimePreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// RegisterDeviceRequest carries the device's public key material. UserID is
// optional and, when present, must match the authenticated principal.
type RegisterDeviceRequest struct {
	UserID                string          `json:"userId,omitempty"`
	DeviceID              string          `json:"deviceId"`
	RegistrationID        uint32          `json:"registrationId,omitempty"`
	IdentityKeyPublic     string          `json:"identityKeyPublic"`
	IdentitySignatureKey  string          `json:"identitySignatureKey,omitempty"`
	SignedPreKeyID        uint32          `json:"signedPreKeyId,omitempty"`
	SignedPreKeyPublic    string          `json:"signedPreKeyPublic"`
	SignedPreKeySignature string          `json:"signedPreKeySignature"`
	OneTimePreKeys        []OneTimePreKey `json:"oneTimePreKeys"`
}

type RegisterDeviceResponse struct {
	UserID         string    `json:"userId"`
	DeviceID       string    `json:"deviceId"`
	OneTimePreKeys int       `json:"oneTimePreKeys"`
	RegisteredAt   time.Time `json:"registeredAt"`
}

type UploadPreKeysRequest struct {
	DeviceID       string          `json:"deviceId"`
	OneTimePreKeys []OneTimePreKey `json:"oneTimePreKeys"`
}

type UploadPreKeysResponse struct {
	DeviceID string `json:"deviceId"`
	Uploaded int    `json:"uploaded"`
}

type PreKeyCountResponse struct {
	DeviceID   string `json:"deviceId"`
	Unconsumed int64  `json:"unconsumed"`
}
