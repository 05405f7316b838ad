package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
)

// RegisterDevice upserts the device's identity and signed prekey and publishes
// its one-time prekeys in a single transaction. Registering twice with the
// same payload leaves the stores and the key log unchanged.
func (s *Service) RegisterDevice(ctx context.Context, p auth.Principal, req dto.RegisterDeviceRequest) (dto.RegisterDeviceResponse, error) {
	deviceID, err := authorizeSelf(p, req.UserID, req.DeviceID)
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}
	if _, err := domain.CurvePublicKey(req.IdentityKeyPublic); err != nil {
		return dto.RegisterDeviceResponse{}, fmt.Errorf("%w: identityKeyPublic: %v", ErrValidation, err)
	}
	if err := s.validateSignedPreKey(req.IdentitySignatureKey, req.SignedPreKeyPublic, req.SignedPreKeySignature); err != nil {
		return dto.RegisterDeviceResponse{}, err
	}
	otks, err := s.preKeysFor(p.UserID, deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	var (
		stored  domain.Device
		written int
	)
	err = s.run(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx domain.Store) error {
			if p.DeviceID == "" {
				// Without a device claim the ownership check below is a
				// read-then-write; hold the device id until commit so two
				// users cannot both pass it.
				if err := tx.Devices().ReserveDeviceID(ctx, deviceID); err != nil {
					return err
				}
				owners, err := tx.Devices().ListByDeviceID(ctx, deviceID)
				if err != nil {
					return err
				}
				for _, o := range owners {
					if o.UserID != p.UserID {
						return fmt.Errorf("%w: device %q is registered to another user", ErrAuthorization, deviceID)
					}
				}
			}

			prev, err := tx.Devices().Get(ctx, p.UserID, deviceID)
			if err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
				return err
			}

			device := domain.Device{
				UserID:                p.UserID,
				DeviceID:              deviceID,
				RegistrationID:        req.RegistrationID,
				IdentityKeyPublic:     req.IdentityKeyPublic,
				IdentitySignatureKey:  req.IdentitySignatureKey,
				SignedPreKeyID:        req.SignedPreKeyID,
				SignedPreKeyPublic:    req.SignedPreKeyPublic,
				SignedPreKeySignature: req.SignedPreKeySignature,
			}
			if prev != nil && prev.SignedPreKeyPublic == req.SignedPreKeyPublic {
				device.SignedPreKeyCreatedAt = prev.SignedPreKeyCreatedAt
			}
			if stored, err = tx.Devices().Upsert(ctx, device); err != nil {
				return err
			}
			if written, err = tx.PreKeys().BulkUpsert(ctx, otks); err != nil {
				return err
			}

			var events []domain.KeyEvent
			if prev == nil || prev.IdentityKeyPublic != req.IdentityKeyPublic {
				events = append(events, s.event(p.UserID, deviceID, domain.KeyActionIdentityUpdate, map[string]any{
					"firstRegistration": prev == nil,
					"registrationId":    req.RegistrationID,
				}))
			}
			if written > 0 {
				events = append(events, s.event(p.UserID, deviceID, domain.KeyActionPreKeysUpload, map[string]any{"count": written}))
			}
			return tx.KeyLog().Append(ctx, events...)
		})
	})
	if err != nil {
		return dto.RegisterDeviceResponse{}, err
	}

	return dto.RegisterDeviceResponse{
		UserID:         stored.UserID,
		DeviceID:       stored.DeviceID,
		OneTimePreKeys: written,
		RegisteredAt:   stored.RegisteredAt,
	}, nil
}

func (s *Service) RotateSignedPreKey(ctx context.Context, p auth.Principal, req dto.RotateSignedPreKeyRequest) (dto.RotateSignedPreKeyResponse, error) {
	deviceID, err := authorizeSelf(p, "", req.DeviceID)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}
	otks, err := s.preKeysFor(p.UserID, deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	var (
		stored domain.Device
		added  int
	)
	err = s.run(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx domain.Store) error {
			device, err := tx.Devices().Get(ctx, p.UserID, deviceID)
			if err != nil {
				return err
			}
			if err := s.validateSignedPreKey(device.IdentitySignatureKey, req.SignedPreKeyPublic, req.SignedPreKeySignature); err != nil {
				return err
			}

			device.SignedPreKeyID = req.SignedPreKeyID
			device.SignedPreKeyPublic = req.SignedPreKeyPublic
			device.SignedPreKeySignature = req.SignedPreKeySignature
			device.SignedPreKeyCreatedAt = s.now()
			if stored, err = tx.Devices().Upsert(ctx, *device); err != nil {
				return err
			}
			if added, err = tx.PreKeys().BulkUpsert(ctx, otks); err != nil {
				return err
			}

			events := []domain.KeyEvent{
				s.event(p.UserID, deviceID, domain.KeyActionSignedPreKeyRotate, map[string]any{"signedPreKeyId": req.SignedPreKeyID}),
			}
			if added > 0 {
				events = append(events, s.event(p.UserID, deviceID, domain.KeyActionPreKeysUpload, map[string]any{"count": added}))
			}
			return tx.KeyLog().Append(ctx, events...)
		})
	})
	if err != nil {
		return dto.RotateSignedPreKeyResponse{}, err
	}

	return dto.RotateSignedPreKeyResponse{
		DeviceID:              stored.DeviceID,
		SignedPreKeyID:        stored.SignedPreKeyID,
		SignedPreKeyPublic:    stored.SignedPreKeyPublic,
		SignedPreKeySignature: stored.SignedPreKeySignature,
		SignedPreKeyCreatedAt: stored.SignedPreKeyCreatedAt,
		AddedOneTimePreKeys:   added,
	}, nil
}

// UploadPreKeys replenishes the caller's one-time prekey pool.
func (s *Service) UploadPreKeys(ctx context.Context, p auth.Principal, req dto.UploadPreKeysRequest) (dto.UploadPreKeysResponse, error) {
	deviceID, err := authorizeSelf(p, "", req.DeviceID)
	if err != nil {
		return dto.UploadPreKeysResponse{}, err
	}
	if len(req.OneTimePreKeys) == 0 {
		return dto.UploadPreKeysResponse{}, fmt.Errorf("%w: oneTimePreKeys is empty", ErrValidation)
	}
	otks, err := s.preKeysFor(p.UserID, deviceID, req.OneTimePreKeys)
	if err != nil {
		return dto.UploadPreKeysResponse{}, err
	}

	var n int
	err = s.run(ctx, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(tx domain.Store) error {
			if _, err := tx.Devices().Get(ctx, p.UserID, deviceID); err != nil {
				return err
			}
			var err error
			if n, err = tx.PreKeys().BulkUpsert(ctx, otks); err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			return tx.KeyLog().Append(ctx, s.event(p.UserID, deviceID, domain.KeyActionPreKeysUpload, map[string]any{"count": n}))
		})
	})
	if err != nil {
		return dto.UploadPreKeysResponse{}, err
	}
	return dto.UploadPreKeysResponse{DeviceID: deviceID, Uploaded: n}, nil
}

func (s *Service) CountPreKeys(ctx context.Context, p auth.Principal, deviceID string) (dto.PreKeyCountResponse, error) {
	deviceID, err := authorizeSelf(p, "", deviceID)
	if err != nil {
		return dto.PreKeyCountResponse{}, err
	}
	var n int64
	err = s.run(ctx, func(ctx context.Context) error {
		if _, err := s.store.Devices().Get(ctx, p.UserID, deviceID); err != nil {
			return err
		}
		var err error
		n, err = s.store.PreKeys().CountUnconsumed(ctx, p.UserID, deviceID)
		return err
	})
	if err != nil {
		return dto.PreKeyCountResponse{}, err
	}
	return dto.PreKeyCountResponse{DeviceID: deviceID, Unconsumed: n}, nil
}

func (s *Service) ListDevices(ctx context.Context, userID string) (dto.DeviceListResponse, error) {
	if err := validateID("userId", userID); err != nil {
		return dto.DeviceListResponse{}, err
	}
	var devices []domain.Device
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		devices, err = s.store.Devices().ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		return dto.DeviceListResponse{}, err
	}
	resp := dto.DeviceListResponse{UserID: userID, Devices: make([]dto.DeviceSummary, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, dto.DeviceSummary{
			DeviceID:     d.DeviceID,
			RegisteredAt: d.RegisteredAt,
			UpdatedAt:    d.UpdatedAt,
		})
	}
	return resp, nil
}

func (s *Service) event(userID, deviceID string, action domain.KeyAction, meta map[string]any) domain.KeyEvent {
	raw, err := json.Marshal(meta)
	if err != nil {
		raw = []byte("{}")
	}
	return domain.KeyEvent{
		UserID:    userID,
		DeviceID:  deviceID,
		Action:    action,
		Meta:      string(raw),
		CreatedAt: s.now(),
	}
}
