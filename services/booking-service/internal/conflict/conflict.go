// Package conflict decides whether a window can be reserved on a calendar.
// It only reads; callers that act on the answer must hold the calendar locks
// for the same transaction.
package conflict

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

// ResourceConflict reports whether [start, end) collides with an active
// appointment on the service's calendar. Services without a resource share a
// single calendar per service.
func ResourceConflict(ctx context.Context, r storage.Reader, svc model.Service, start, end time.Time, excludeID string) (bool, error) {
	appts, err := calendar(ctx, r, svc, start, end, excludeID)
	if err != nil {
		return false, err
	}
	return len(appts) > 0, nil
}

// OwnerConflict reports whether the owner already holds an active appointment
// overlapping [start, end) on any resource.
func OwnerConflict(ctx context.Context, r storage.Reader, ownerID string, start, end time.Time, excludeID string) (bool, error) {
	appts, err := r.FindOwnerOverlapping(ctx, ownerID, start, end, excludeID)
	if err != nil {
		return false, err
	}
	return len(appts) > 0, nil
}

// Busy loads every occupied interval on the service's calendar within
// [from, to) in one call.
func Busy(ctx context.Context, r storage.Reader, svc model.Service, from, to time.Time) (Intervals, error) {
	appts, err := calendar(ctx, r, svc, from, to, "")
	if err != nil {
		return nil, err
	}
	out := make(Intervals, 0, len(appts))
	for _, a := range appts {
		out = append(out, a.Window())
	}
	return out, nil
}

func calendar(ctx context.Context, r storage.Reader, svc model.Service, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	if svc.ResourceID != "" {
		return r.FindOverlapping(ctx, svc.ResourceID, start, end, excludeID)
	}
	return r.FindServiceOverlapping(ctx, svc.ID, start, end, excludeID)
}

type Intervals []model.Interval

func (iv Intervals) Conflicts(start, end time.Time) bool {
	for _, b := range iv {
		if model.Overlaps(start, end, b.Start, b.End) {
			return true
		}
	}
	return false
}
