package dto

import "time"

type RotateSignedPreKeyRequest struct {
	DeviceID              string          `json:"deviceId"`
	SignedPreKeyID        uint32          `json:"signedPreKeyId,omitempty"`
	SignedPreKeyPublic    string          `json:"signedPreKeyPublic"`
	SignedPreKeySignature string          `json:"signedPreKeySignature"`
	OneTimePreKeys        []OneTimePreKey `json:"oneTimePreKeys,omitempty"`
}

type RotateSignedPreKeyResponse struct {
	DeviceID              string    `json:"deviceId"`
	SignedPreKeyID        uint32    `json:"signedPreKeyId,omitempty"`
	SignedPreKeyPublic    string    `json:"signedPreKeyPublic"`
	SignedPreKeySignature string    `json:"signedPreKeySignature"`
	SignedPreKeyCreatedAt time.Time `json:"signedPreKeyCreatedAt"`
	AddedOneTimePreKeys   int       `json:"addedOneTimePreKeys"`
}
