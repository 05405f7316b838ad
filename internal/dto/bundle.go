package dto

import (
	"encoding/json"
	"time"
)

type PreKeyBundle struct {
	DeviceID              string         `json:"deviceId"`
	RegistrationID        uint32         `json:"registrationId,omitempty"`
	IdentityKeyPublic     string         `json:"identityKeyPublic"`
	IdentitySignatureKey  string         `json:"identitySignatureKey,omitempty"`
	SignedPreKeyID        uint32         `json:"signedPreKeyId,omitempty"`
	SignedPreKeyPublic    string         `json:"signedPreKeyPublic"`
	SignedPreKeySignature string         `json:"signedPreKeySignature"`
	OneTimePreKey         *OneTimePreKey `json:"oneTimePreKey,omitempty"`
}

type PreKeyBundleResponse struct {
	UserID  string         `json:"userId"`
	Bundles []PreKeyBundle `json:"bundles"`
}

type DeviceSummary struct {
	DeviceID     string    `json:"deviceId"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type DeviceListResponse struct {
	UserID  string          `json:"userId"`
	Devices []DeviceSummary `json:"devices"`
}

type KeyEvent struct {
	ID        int64           `json:"id"`
	DeviceID  string          `json:"deviceId"`
	Action    string          `json:"action"`
	Meta      json.RawMessage `json:"meta"`
	CreatedAt time.Time       `json:"createdAt"`
}

type KeyEventsResponse struct {
	UserID string     `json:"userId"`
	Events []KeyEvent `json:"events"`
}
