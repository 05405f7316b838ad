package service

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"e2ee-relay/internal/domain"
)

var (
	ErrValidation      = errors.New("invalid request")
	ErrAuthorization   = errors.New("not authorized")
	ErrNotFound        = errors.New("not found")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrUnavailable     = errors.New("store unavailable")
)

// classify turns store failures into the service taxonomy. Errors already in
// the taxonomy pass through unchanged.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrAuthorization),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrPayloadTooLarge),
		errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, domain.ErrRecordNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, driver.ErrBadConn):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
