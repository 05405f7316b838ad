package store

import (
	"context"
	"errors"
	"time"

	"e2ee-relay/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceStore struct{ db *gorm.DB }

func (d *DeviceStore) Upsert(ctx context.Context, device domain.Device) (domain.Device, error) {
	now := time.Now().UTC()
	if device.RegisteredAt.IsZero() {
		device.RegisteredAt = now
	}
	if device.SignedPreKeyCreatedAt.IsZero() {
		device.SignedPreKeyCreatedAt = now
	}
	device.UpdatedAt = now

	err := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"registration_id",
				"identity_key_public",
				"identity_signature_key",
				"signed_pre_key_id",
				"signed_pre_key_public",
				"signed_pre_key_signature",
				"signed_pre_key_created_at",
				"updated_at",
			}),
		}).
		Create(&device).Error
	if err != nil {
		return domain.Device{}, err
	}

	stored, err := d.Get(ctx, device.UserID, device.DeviceID)
	if err != nil {
		return domain.Device{}, err
	}
	return *stored, nil
}

func (d *DeviceStore) Get(ctx context.Context, userID, deviceID string) (*domain.Device, error) {
	var device domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND device_id = ?", userID, deviceID).
		Take(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

func (d *DeviceStore) ListByUser(ctx context.Context, userID string) ([]domain.Device, error) {
	var devices []domain.Device
	err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("registered_at ASC, device_id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (d *DeviceStore) ListByDeviceID(ctx context.Context, deviceID string) ([]domain.Device, error) {
	var devices []domain.Device
	if err := d.db.WithContext(ctx).Where("device_id = ?", deviceID).Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// ReserveDeviceID takes a transaction-scoped advisory lock on postgres. SQLite
// runs with a single connection, so its transactions are already serial.
func (d *DeviceStore) ReserveDeviceID(ctx context.Context, deviceID string) error {
	if d.db.Dialector.Name() != "postgres" {
		return nil
	}
	return d.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "device:"+deviceID).Error
}
