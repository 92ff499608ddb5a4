package booking

import (
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

var (
	ErrNotFound          = errors.New("booking: not found")
	ErrSlotUnavailable   = errors.New("booking: slot unavailable")
	ErrConflict          = errors.New("booking: concurrent update, re-read and retry")
	ErrForbidden         = errors.New("booking: forbidden")
	ErrAlreadyPast       = errors.New("booking: appointment already started")
	ErrResourceBusy      = errors.New("booking: resource busy")
	ErrInvalidTransition = errors.New("booking: invalid transition")
	ErrInvalidInput      = errors.New("booking: invalid input")
)

// ResourceBusyError is returned by the start transition when another
// appointment already holds the resource. It matches ErrResourceBusy.
type ResourceBusyError struct {
	BlockingID string
}

func (e *ResourceBusyError) Error() string {
	return fmt.Sprintf("%s: appointment %s is in progress", ErrResourceBusy, e.BlockingID)
}

func (e *ResourceBusyError) Is(target error) bool {
	return target == ErrResourceBusy
}

// translate maps errors from the lower layers onto the booking sentinels.
func translate(err error) error {
	var busy *ResourceBusyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &busy):
		return err
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, lifecycle.ErrForbidden):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, lifecycle.ErrAlreadyPast):
		return fmt.Errorf("%w: %w", ErrAlreadyPast, err)
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, lifecycle.ErrUnknownAction):
		return fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	return err
}
