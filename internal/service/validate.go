package service

import (
	"fmt"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"
)

const maxIDLength = 128

// authorizeSelf checks an operation scoped to the caller's own device and
// returns the device id to act on. A payload device id that disagrees with
// the token's device claim is rejected.
func authorizeSelf(p auth.Principal, userID, deviceID string) (string, error) {
	if !p.Authenticated() {
		return "", fmt.Errorf("%w: no authenticated principal", ErrAuthorization)
	}
	if userID != "" && userID != p.UserID {
		return "", fmt.Errorf("%w: userId does not match principal", ErrAuthorization)
	}
	if deviceID == "" {
		deviceID = p.DeviceID
	}
	if p.DeviceID != "" && deviceID != p.DeviceID {
		return "", fmt.Errorf("%w: deviceId does not match principal", ErrAuthorization)
	}
	if err := validateID("deviceId", deviceID); err != nil {
		return "", err
	}
	return deviceID, nil
}

func validateID(field, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	}
	if len(v) > maxIDLength {
		return fmt.Errorf("%w: %s is too long", ErrValidation, field)
	}
	return nil
}

func (s *Service) validateSignedPreKey(identitySignatureKey, public, signature string) error {
	if _, err := domain.CurvePublicKey(public); err != nil {
		return fmt.Errorf("%w: signedPreKeyPublic: %v", ErrValidation, err)
	}
	if _, err := domain.Signature(signature); err != nil {
		return fmt.Errorf("%w: signedPreKeySignature: %v", ErrValidation, err)
	}
	if identitySignatureKey == "" {
		return nil
	}
	if _, err := domain.SigningPublicKey(identitySignatureKey); err != nil {
		return fmt.Errorf("%w: identitySignatureKey: %v", ErrValidation, err)
	}
	if s.opts.VerifySignedPreKey {
		if err := domain.VerifySignedPreKey(identitySignatureKey, public, signature); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return nil
}

func (s *Service) preKeysFor(userID, deviceID string, in []dto.OneTimePreKey) ([]domain.OneTimePreKey, error) {
	if len(in) > s.opts.MaxPreKeysPerUpload {
		return nil, fmt.Errorf("%w: at most %d one-time prekeys per request", ErrValidation, s.opts.MaxPreKeysPerUpload)
	}
	seen := make(map[uint32]struct{}, len(in))
	out := make([]domain.OneTimePreKey, 0, len(in))
	for _, k := range in {
		if _, dup := seen[k.KeyID]; dup {
			return nil, fmt.Errorf("%w: duplicate one-time prekey id %d", ErrValidation, k.KeyID)
		}
		seen[k.KeyID] = struct{}{}
		if _, err := domain.CurvePublicKey(k.PublicKey); err != nil {
			return nil, fmt.Errorf("%w: one-time prekey %d: %v", ErrValidation, k.KeyID, err)
		}
		out = append(out, domain.OneTimePreKey{
			UserID:    userID,
			DeviceID:  deviceID,
			KeyID:     k.KeyID,
			PublicKey: k.PublicKey,
		})
	}
	return out, nil
}
