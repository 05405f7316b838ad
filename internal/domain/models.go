package domain

import (
	"time"

	"github.com/google/uuid"
)

// Device is one client installation of one user together with its long-term
// identity key and current signed prekey. Exactly one row exists per
// (UserID, DeviceID).
type Device struct {
	UserID                string    `gorm:"type:text;primaryKey" json:"userId"`
	DeviceID              string    `gorm:"type:text;primaryKey;index" json:"deviceId"`
	RegistrationID        uint32    `gorm:"not null;default:0" json:"registrationId,omitempty"`
	IdentityKeyPublic     string    `gorm:"type:text;not null" json:"identityKeyPublic"`
	IdentitySignatureKey  string    `gorm:"type:text;not null;default:''" json:"identitySignatureKey,omitempty"`
	SignedPreKeyID        uint32    `gorm:"not null;default:0" json:"signedPreKeyId,omitempty"`
	SignedPreKeyPublic    string    `gorm:"type:text;not null" json:"signedPreKeyPublic"`
	SignedPreKeySignature string    `gorm:"type:text;not null" json:"signedPreKeySignature"`
	SignedPreKeyCreatedAt time.Time `gorm:"not null" json:"signedPreKeyCreatedAt"`
	RegisteredAt          time.Time `gorm:"not null" json:"registeredAt"`
	UpdatedAt             time.Time `gorm:"not null" json:"updatedAt"`
}

// OneTimePreKey is an ephemeral public key handed to at most one initiator.
// Consumed never reverts once set.
type OneTimePreKey struct {
	UserID     string     `gorm:"type:text;primaryKey"`
	DeviceID   string     `gorm:"type:text;primaryKey"`
	KeyID      uint32     `gorm:"primaryKey;autoIncrement:false"`
	PublicKey  string     `gorm:"type:text;not null"`
	Consumed   bool       `gorm:"not null;default:false;index"`
	ConsumedAt *time.Time `gorm:"index"`
	CreatedAt  time.Time  `gorm:"not null"`
}

// MailboxEntry is one opaque ciphertext envelope waiting for a recipient.
// A nil RecipientDeviceID addresses any device of RecipientUserID.
type MailboxEntry struct {
	Seq               int64     `gorm:"primaryKey;autoIncrement"`
	ID                uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	SenderUserID      string    `gorm:"type:text;not null"`
	SenderDeviceID    *string   `gorm:"type:text"`
	RecipientUserID   string    `gorm:"type:text;not null;index:idx_mailbox_recipient,priority:1"`
	RecipientDeviceID *string   `gorm:"type:text;index:idx_mailbox_recipient,priority:2"`
	Ciphertext        string    `gorm:"type:text;not null"`
	CreatedAt         time.Time `gorm:"not null"`
}

func (MailboxEntry) TableName() string { return "mailbox_entries" }

// KeyAction names a mutation recorded in the key-transparency log.
type KeyAction string

const (
	KeyActionIdentityUpdate     KeyAction = "identity.update"
	KeyActionPreKeysUpload      KeyAction = "prekeys.upload"
	KeyActionSignedPreKeyRotate KeyAction = "signed_prekey.rotate"
	KeyActionPreKeyConsume      KeyAction = "prekey.consume"
)

// KeyEvent is one append-only entry of the key-transparency log. Clients use
// it to notice unexpected identity changes for a contact.
type KeyEvent struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    string    `gorm:"type:text;not null;index:idx_key_events_user,priority:1" json:"userId"`
	DeviceID  string    `gorm:"type:text;not null" json:"deviceId"`
	Action    KeyAction `gorm:"type:text;not null" json:"action"`
	Meta      string    `gorm:"type:text;not null;default:'{}'" json:"meta"`
	CreatedAt time.Time `gorm:"not null;index:idx_key_events_user,priority:2" json:"createdAt"`
}
