package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

// Memory is an in-process Store. A single mutex is held for the whole
// transaction, which makes every transaction serializable; a failed
// transaction is rolled back to the snapshot taken when it began.
type Memory struct {
	mu     sync.Mutex
	appts  map[string]model.Appointment
	idem   map[string]string
	inbox  map[string]bool
	events []outbox.Event
}

func NewMemory() *Memory {
	return &Memory{
		appts: map[string]model.Appointment{},
		idem:  map[string]string{},
		inbox: map[string]bool{},
	}
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := maps.Clone(m.appts)
	idem := maps.Clone(m.idem)
	inbox := maps.Clone(m.inbox)
	eventCount := len(m.events)
	if err := fn(&memTx{m: m}); err != nil {
		m.appts = snapshot
		m.idem = idem
		m.inbox = inbox
		m.events = m.events[:eventCount]
		return err
	}
	return nil
}

// Events returns every event committed so far.
func (m *Memory) Events() []outbox.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

type memTx struct {
	m *Memory
}

func (t *memTx) LockCalendars(context.Context, ...string) error { return nil }

func (t *memTx) Insert(ctx context.Context, appt *model.Appointment) (string, error) {
	var (
		clash []model.Appointment
		err   error
	)
	if appt.ResourceID != "" {
		clash, err = t.FindOverlapping(ctx, appt.ResourceID, appt.Start, appt.End, "")
	} else {
		clash, err = t.FindServiceOverlapping(ctx, appt.ServiceID, appt.Start, appt.End, "")
	}
	if err != nil {
		return "", err
	}
	if len(clash) > 0 {
		return "", ErrConflict
	}
	if clash, err = t.FindOwnerOverlapping(ctx, appt.OwnerID, appt.Start, appt.End, ""); err != nil {
		return "", err
	} else if len(clash) > 0 {
		return "", ErrConflict
	}

	appt.ID = uuid.NewString()
	t.m.appts[appt.ID] = *appt
	return appt.ID, nil
}

func (t *memTx) Get(_ context.Context, id string) (model.Appointment, error) {
	a, ok := t.m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	return a, nil
}

func (t *memTx) FindOverlapping(_ context.Context, resourceID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.filter(func(a model.Appointment) bool {
		return a.ResourceID == resourceID && a.ID != excludeID && a.Status.Blocking() &&
			model.Overlaps(a.Start, a.End, start, end)
	}), nil
}

func (t *memTx) FindServiceOverlapping(_ context.Context, serviceID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.filter(func(a model.Appointment) bool {
		return a.ResourceID == "" && a.ServiceID == serviceID && a.ID != excludeID && a.Status.Blocking() &&
			model.Overlaps(a.Start, a.End, start, end)
	}), nil
}

func (t *memTx) FindOwnerOverlapping(_ context.Context, ownerID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.filter(func(a model.Appointment) bool {
		return a.OwnerID == ownerID && a.ID != excludeID && a.Status.Blocking() &&
			model.Overlaps(a.Start, a.End, start, end)
	}), nil
}

func (t *memTx) FindInProgress(_ context.Context, calendarKey string, from, to time.Time, excludeID string) ([]model.Appointment, error) {
	return t.filter(func(a model.Appointment) bool {
		return a.ResourceKey() == calendarKey && a.ID != excludeID && a.Status == model.StatusInProgress &&
			!a.Start.Before(from) && a.Start.Before(to)
	}), nil
}

func (t *memTx) UpdateStatus(_ context.Context, id string, ch StatusChange) (model.Appointment, error) {
	a, ok := t.m.appts[id]
	if !ok {
		return model.Appointment{}, ErrNotFound
	}
	if a.Status != ch.Expected {
		return model.Appointment{}, ErrConflict
	}
	a.Status = ch.To
	a.UpdatedAt = ch.At
	if ch.ActualStart != nil {
		a.ActualStart = ch.ActualStart
	}
	if ch.CancelledAt != nil {
		a.CancelledAt = ch.CancelledAt
	}
	if ch.MarkPaid {
		a.PaymentStatus = model.PaymentPaid
	}
	if ch.PaymentRef != "" {
		a.PaymentRef = ch.PaymentRef
	}
	t.m.appts[id] = a
	return a, nil
}

func (t *memTx) SweepExpired(_ context.Context, cutoff, at time.Time) ([]model.Appointment, error) {
	var swept []model.Appointment
	for id, a := range t.m.appts {
		if a.Status != model.StatusPending || a.CreatedAt.After(cutoff) {
			continue
		}
		cancelledAt := at
		a.Status = model.StatusCancelled
		a.UpdatedAt = at
		a.CancelledAt = &cancelledAt
		t.m.appts[id] = a
		swept = append(swept, a)
	}
	sortByStart(swept)
	return swept, nil
}

func (t *memTx) List(_ context.Context, f ListFilter) ([]model.Appointment, error) {
	out := t.filter(func(a model.Appointment) bool {
		switch {
		case f.OwnerID != "" && a.OwnerID != f.OwnerID:
			return false
		case f.ResourceID != "" && a.ResourceID != f.ResourceID:
			return false
		case f.ServiceID != "" && a.ServiceID != f.ServiceID:
			return false
		case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status):
			return false
		case !f.From.IsZero() && !a.End.After(f.From):
			return false
		case !f.To.IsZero() && !a.Start.Before(f.To):
			return false
		}
		return true
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (t *memTx) Publish(_ context.Context, evt outbox.Event) error {
	t.m.events = append(t.m.events, evt)
	return nil
}

func (t *memTx) FindIdempotent(_ context.Context, ownerID, key string) (string, bool, error) {
	id, ok := t.m.idem[IdempotencyKey(ownerID, key)]
	return id, ok, nil
}

func (t *memTx) SaveIdempotent(_ context.Context, ownerID, key, appointmentID string) error {
	k := IdempotencyKey(ownerID, key)
	if _, ok := t.m.idem[k]; ok {
		return ErrConflict
	}
	t.m.idem[k] = appointmentID
	return nil
}

func (t *memTx) RecordInbox(_ context.Context, source, eventID, _ string) (bool, error) {
	k := source + ":" + eventID
	if t.m.inbox[k] {
		return false, nil
	}
	t.m.inbox[k] = true
	return true, nil
}

func (t *memTx) filter(keep func(model.Appointment) bool) []model.Appointment {
	var out []model.Appointment
	for _, a := range t.m.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return out
}

func sortByStart(appts []model.Appointment) {
	slices.SortFunc(appts, func(a, b model.Appointment) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
