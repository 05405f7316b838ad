package service

import (
	"context"
	"fmt"

	"e2ee-relay/internal/auth"
	"e2ee-relay/internal/domain"
	"e2ee-relay/internal/dto"

	"golang.org/x/sync/errgroup"
)

// IssueBundle returns a prekey bundle for one device of userID, or one per
// registered device when deviceID is empty. Each bundle carries at most one
// freshly claimed one-time prekey; an exhausted pool yields a bundle without
// one.
func (s *Service) IssueBundle(ctx context.Context, p auth.Principal, userID, deviceID string) (dto.PreKeyBundleResponse, error) {
	if !p.Authenticated() {
		return dto.PreKeyBundleResponse{}, fmt.Errorf("%w: no authenticated principal", ErrAuthorization)
	}
	if err := validateID("userId", userID); err != nil {
		return dto.PreKeyBundleResponse{}, err
	}

	resp := dto.PreKeyBundleResponse{UserID: userID}
	err := s.run(ctx, func(ctx context.Context) error {
		if deviceID != "" {
			device, err := s.store.Devices().Get(ctx, userID, deviceID)
			if err != nil {
				return err
			}
			bundle, err := s.claimBundle(ctx, *device)
			if err != nil {
				return err
			}
			resp.Bundles = []dto.PreKeyBundle{bundle}
			return nil
		}

		devices, err := s.store.Devices().ListByUser(ctx, userID)
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return fmt.Errorf("%w: user %q has no registered devices", ErrNotFound, userID)
		}

		bundles := make([]dto.PreKeyBundle, len(devices))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.BundleConcurrency)
		for i, d := range devices {
			g.Go(func() error {
				b, err := s.claimBundle(gctx, d)
				if err != nil {
					return err
				}
				bundles[i] = b
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		resp.Bundles = bundles
		return nil
	})
	if err != nil {
		return dto.PreKeyBundleResponse{}, err
	}
	return resp, nil
}

func (s *Service) claimBundle(ctx context.Context, device domain.Device) (dto.PreKeyBundle, error) {
	bundle := dto.PreKeyBundle{
		DeviceID:              device.DeviceID,
		RegistrationID:        device.RegistrationID,
		IdentityKeyPublic:     device.IdentityKeyPublic,
		IdentitySignatureKey:  device.IdentitySignatureKey,
		SignedPreKeyID:        device.SignedPreKeyID,
		SignedPreKeyPublic:    device.SignedPreKeyPublic,
		SignedPreKeySignature: device.SignedPreKeySignature,
	}
	err := s.store.WithTx(ctx, func(tx domain.Store) error {
		key, err := tx.PreKeys().ClaimOne(ctx, device.UserID, device.DeviceID)
		if err != nil || key == nil {
			return err
		}
		bundle.OneTimePreKey = &dto.OneTimePreKey{KeyID: key.KeyID, PublicKey: key.PublicKey}
		return tx.KeyLog().Append(ctx, s.event(device.UserID, device.DeviceID, domain.KeyActionPreKeyConsume, map[string]any{"keyId": key.KeyID}))
	})
	if err != nil {
		return dto.PreKeyBundle{}, err
	}
	return bundle, nil
}
