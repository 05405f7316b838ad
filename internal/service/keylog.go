package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/observability/metrics"
)

const (
	defaultKeyEventLimit = 100
	maxKeyEventLimit     = 1000
)

// KeyEvents lists the most recent key-transparency entries for userID.
func (s *Service) KeyEvents(ctx context.Context, userID string, limit int) (dto.KeyEventsResponse, error) {
	if err := validateID("userId", userID); err != nil {
		return dto.KeyEventsResponse{}, err
	}
	switch {
	case limit < 0 || limit > maxKeyEventLimit:
		return dto.KeyEventsResponse{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, maxKeyEventLimit)
	case limit == 0:
		limit = defaultKeyEventLimit
	}

	resp := dto.KeyEventsResponse{UserID: userID, Events: []dto.KeyEvent{}}
	err := s.run(ctx, func(ctx context.Context) error {
		events, err := s.store.KeyLog().ListByUser(ctx, userID, limit)
		if err != nil {
			return err
		}
		for _, e := range events {
			meta := json.RawMessage(e.Meta)
			if !json.Valid(meta) {
				meta = json.RawMessage("{}")
			}
			resp.Events = append(resp.Events, dto.KeyEvent{
				ID:        e.ID,
				DeviceID:  e.DeviceID,
				Action:    string(e.Action),
				Meta:      meta,
				CreatedAt: e.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return dto.KeyEventsResponse{}, err
	}
	return resp, nil
}

// PurgeConsumedPreKeys deletes consumed one-time prekeys older than the
// retention window.
func (s *Service) PurgeConsumedPreKeys(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.store.PreKeys().PurgeConsumed(ctx, s.now().Add(-s.opts.PreKeyRetention))
		return err
	})
	return n, err
}

// RunJanitor purges consumed prekeys every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeConsumedPreKeys(ctx)
			if err != nil {
				slog.Warn("prekey janitor failed", "error", err)
				continue
			}
			metrics.PreKeysPurgedTotal.Add(float64(n))
			if n > 0 {
				slog.Info("purged consumed prekeys", "count", n, "retention", s.opts.PreKeyRetention)
			}
		}
	}
}
