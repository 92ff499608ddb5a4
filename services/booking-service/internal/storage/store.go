package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("storage: appointment not found")
	// ErrConflict covers both an overlap rejected on insert and a lost compare-and-swap.
	ErrConflict = errors.New("storage: conflict")
)

// Store is the calendar of appointments. Every operation runs inside InTx so a
// check followed by a write is atomic.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Reader is the read side used by conflict checks and slot planning.
type Reader interface {
	FindOverlapping(ctx context.Context, resourceID string, start, end time.Time, excludeID string) ([]model.Appointment, error)
	FindServiceOverlapping(ctx context.Context, serviceID string, start, end time.Time, excludeID string) ([]model.Appointment, error)
	FindOwnerOverlapping(ctx context.Context, ownerID string, start, end time.Time, excludeID string) ([]model.Appointment, error)
}

type Tx interface {
	Reader

	// LockCalendars serializes writers on the given calendar keys until the transaction ends.
	LockCalendars(ctx context.Context, keys ...string) error
	// Insert re-validates the resource and owner invariants and returns ErrConflict on overlap.
	Insert(ctx context.Context, appt *model.Appointment) (string, error)
	Get(ctx context.Context, id string) (model.Appointment, error)
	// FindInProgress lists in_progress appointments on the calendar that started in [from, to).
	FindInProgress(ctx context.Context, calendarKey string, from, to time.Time, excludeID string) ([]model.Appointment, error)
	// UpdateStatus is a compare-and-swap on status. It returns ErrConflict when the stored
	// status is no longer ch.Expected and ErrNotFound when the row is missing.
	UpdateStatus(ctx context.Context, id string, ch StatusChange) (model.Appointment, error)
	// SweepExpired cancels every pending appointment created at or before cutoff.
	SweepExpired(ctx context.Context, cutoff, at time.Time) ([]model.Appointment, error)
	List(ctx context.Context, f ListFilter) ([]model.Appointment, error)
	Publish(ctx context.Context, evt outbox.Event) error

	// FindIdempotent returns the appointment created earlier by ownerID under key.
	FindIdempotent(ctx context.Context, ownerID, key string) (string, bool, error)
	SaveIdempotent(ctx context.Context, ownerID, key, appointmentID string) error
	// RecordInbox remembers an inbound event and reports false if it was seen before.
	RecordInbox(ctx context.Context, source, eventID, eventType string) (bool, error)
}

type StatusChange struct {
	Expected    model.Status
	To          model.Status
	At          time.Time
	ActualStart *time.Time
	CancelledAt *time.Time
	MarkPaid    bool
	PaymentRef  string
}

type ListFilter struct {
	OwnerID    string
	ResourceID string
	ServiceID  string
	Statuses   []model.Status
	From       time.Time
	To         time.Time
	Limit      int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (f ListFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	default:
		return f.Limit
	}
}

// OwnerKey is the lock key serializing bookings of one owner across resources.
func OwnerKey(ownerID string) string {
	return "owner:" + ownerID
}

func IdempotencyKey(ownerID, key string) string {
	return "idempotency:" + ownerID + ":" + key
}
