package service

import (
	"context"
	"fmt"
	"strings"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
)

// SendMessage enqueues an opaque ciphertext for the recipient. Recipient
// existence is not checked; messages to unknown users simply wait.
func (s *Service) SendMessage(ctx context.Context, p auth.Principal, req dto.SendMessageRequest) (dto.SendMessageResponse, error) {
	if !p.Authenticated() {
		return dto.SendMessageResponse{}, fmt.Errorf("%w: no authenticated sender", ErrAuthorization)
	}
	if err := validateID("recipientUserId", req.RecipientUserID); err != nil {
		return dto.SendMessageResponse{}, err
	}
	recipientDevice := optional(req.RecipientDeviceID)
	if recipientDevice != nil {
		if err := validateID("recipientDeviceId", *recipientDevice); err != nil {
			return dto.SendMessageResponse{}, err
		}
	}
	if strings.TrimSpace(req.Ciphertext) == "" {
		return dto.SendMessageResponse{}, fmt.Errorf("%w: ciphertext is required", ErrValidation)
	}
	if len(req.Ciphertext) > s.opts.MaxCiphertextBytes {
		return dto.SendMessageResponse{}, fmt.Errorf("%w: ciphertext exceeds %d bytes", ErrPayloadTooLarge, s.opts.MaxCiphertextBytes)
	}

	senderDevice := optional(req.SenderDeviceID)
	if p.DeviceID != "" {
		if senderDevice != nil && *senderDevice != p.DeviceID {
			return dto.SendMessageResponse{}, fmt.Errorf("%w: senderDeviceId does not match principal", ErrAuthorization)
		}
		id := p.DeviceID
		senderDevice = &id
	}

	entry := &domain.MailboxEntry{
		SenderUserID:      p.UserID,
		SenderDeviceID:    senderDevice,
		RecipientUserID:   req.RecipientUserID,
		RecipientDeviceID: recipientDevice,
		Ciphertext:        req.Ciphertext,
		CreatedAt:         s.now(),
	}
	err := s.run(ctx, func(ctx context.Context) error {
		return s.store.Mailbox().Enqueue(ctx, entry)
	})
	if err != nil {
		return dto.SendMessageResponse{}, err
	}
	return dto.SendMessageResponse{ID: entry.ID.String(), CreatedAt: entry.CreatedAt}, nil
}

// DrainInbox returns and deletes the caller's backlog in one step. deviceID
// defaults to the token's device claim; without either only messages
// addressed to the user as a whole are returned.
func (s *Service) DrainInbox(ctx context.Context, p auth.Principal, deviceID string) (dto.DrainResponse, error) {
	deviceID, err := AuthorizeInbox(p, deviceID)
	if err != nil {
		return dto.DrainResponse{}, err
	}

	var entries []domain.MailboxEntry
	err = s.run(ctx, func(ctx context.Context) error {
		var err error
		entries, err = s.store.Mailbox().Drain(ctx, p.UserID, optional(&deviceID))
		return err
	})
	if err != nil {
		return dto.DrainResponse{}, err
	}

	resp := dto.DrainResponse{Messages: make([]dto.InboxMessage, 0, len(entries))}
	for _, e := range entries {
		resp.Messages = append(resp.Messages, dto.InboxMessage{
			ID:             e.ID.String(),
			SenderUserID:   e.SenderUserID,
			SenderDeviceID: e.SenderDeviceID,
			Ciphertext:     e.Ciphertext,
			ReceivedAt:     e.CreatedAt,
		})
	}
	return resp, nil
}

// AuthorizeInbox resolves the device whose inbox p may drain without touching
// the store.
func AuthorizeInbox(p auth.Principal, deviceID string) (string, error) {
	if !p.Authenticated() {
		return "", fmt.Errorf("%w: no authenticated principal", ErrAuthorization)
	}
	if deviceID == "" {
		deviceID = p.DeviceID
	}
	if p.DeviceID != "" && deviceID != p.DeviceID {
		return "", fmt.Errorf("%w: deviceId does not match principal", ErrAuthorization)
	}
	if len(deviceID) > maxIDLength {
		return "", fmt.Errorf("%w: deviceId is too long", ErrValidation)
	}
	return deviceID, nil
}

// optional normalizes an empty string pointer to nil.
func optional(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	out := *v
	return &out
}
