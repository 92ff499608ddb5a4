package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/md-rashed-zaman/clinicbook/libs/clock"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

// Hours is the daily booking window. Open and Close are offsets from local midnight.
type Hours struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
	Cadence  time.Duration
}

// Day returns local midnight of t's calendar day and the following midnight.
func (h Hours) Day(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(h.Location).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, h.Location)
	return start, time.Date(y, m, d+1, 0, 0, 0, 0, h.Location)
}

// Window returns the opening and closing instants for the calendar date of day.
// Wall-clock construction keeps the window right on DST transitions.
func (h Hours) Window(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	open := time.Date(y, m, d, 0, int(h.Open/time.Minute), 0, 0, h.Location)
	closing := time.Date(y, m, d, 0, int(h.Close/time.Minute), 0, 0, h.Location)
	return open, closing
}

type Slot struct {
	Start     time.Time
	End       time.Time
	Available bool
}

// Candidates returns start times within [windowStart, windowEnd) where a booking
// of length duration fits entirely before windowEnd, stepping by step.
//
// All times are expected to be in the same location (timezone).
func Candidates(windowStart, windowEnd time.Time, duration, step time.Duration) []time.Time {
	if duration <= 0 || step <= 0 {
		return nil
	}
	if !windowEnd.After(windowStart) {
		return nil
	}

	var out []time.Time
	for t := windowStart; !t.Add(duration).After(windowEnd); t = t.Add(step) {
		out = append(out, t)
	}
	return out
}

// Step is the cadence capped at the service duration, so short services are
// offered back to back.
func Step(cadence, duration time.Duration) time.Duration {
	if cadence <= 0 || duration < cadence {
		return duration
	}
	return cadence
}

type Planner struct {
	clock   clock.Clock
	catalog catalog.Catalog
	store   storage.Store
	hours   Hours
}

func NewPlanner(c clock.Clock, cat catalog.Catalog, store storage.Store, hours Hours) *Planner {
	return &Planner{clock: c, catalog: cat, store: store, hours: hours}
}

// Plan lists every candidate slot for the service on the given date. Slots are
// unavailable when they collide with an active appointment or, for clients,
// when they do not start in the future. Unknown and inactive services return
// catalog.ErrNotFound, as do services whose resource is inactive.
func (p *Planner) Plan(ctx context.Context, serviceID string, date time.Time, asStaff bool) ([]Slot, error) {
	svc, err := p.catalog.GetService(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, fmt.Errorf("service %s inactive: %w", serviceID, catalog.ErrNotFound)
	}
	if svc.ResourceID != "" {
		res, err := p.catalog.GetResource(ctx, svc.ResourceID)
		if err != nil {
			return nil, err
		}
		if !res.Active {
			return nil, fmt.Errorf("resource %s inactive: %w", res.ID, catalog.ErrNotFound)
		}
	}

	open, closing := p.hours.Window(date)
	duration := svc.Duration()
	starts := Candidates(open, closing, duration, Step(p.hours.Cadence, duration))
	if len(starts) == 0 {
		return []Slot{}, nil
	}

	var busy conflict.Intervals
	err = p.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		busy, err = conflict.Busy(ctx, tx, svc, open, closing)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load calendar: %w", err)
	}

	now := p.clock.Now()
	slots := make([]Slot, 0, len(starts))
	for _, start := range starts {
		end := start.Add(duration)
		slots = append(slots, Slot{
			Start:     start,
			End:       end,
			Available: !busy.Conflicts(start, end) && (asStaff || start.After(now)),
		})
	}
	return slots, nil
}
