package dto

import "time"

// SendMessageRequest addresses a ciphertext to a user and optionally one of
// their devices. SenderDeviceID is ignored when the token carries a device
// claim.
type SendMessageRequest struct {
	RecipientUserID   string  `json:"recipientUserId"`
	RecipientDeviceID *string `json:"recipientDeviceId,omitempty"`
	SenderDeviceID    *string `json:"senderDeviceId,omitempty"`
	Ciphertext        string  `json:"ciphertext"`
}

type SendMessageResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

type InboxMessage struct {
	ID             string    `json:"id"`
	SenderUserID   string    `json:"senderUserId"`
	SenderDeviceID *string   `json:"senderDeviceId,omitempty"`
	Ciphertext     string    `json:"ciphertext"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

type DrainResponse struct {
	Messages []InboxMessage `json:"messages"`
}
