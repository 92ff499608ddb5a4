package booking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/md-rashed-zaman/clinicbook/libs/clock"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

var (
	staff = model.Actor{ID: "nurse-1", Role: model.RoleStaff}
	alice = model.Actor{ID: "alice", Role: model.RoleClient}
	bob   = model.Actor{ID: "bob", Role: model.RoleClient}
)

const phone = "+1 555 010 9999"

func on(day, h, m int) time.Time {
	return time.Date(2026, 1, day, h, m, 0, 0, time.UTC)
}

type fixture struct {
	engine  *Engine
	store   *storage.Memory
	clock   *clock.Fixed
	catalog *catalog.Memory
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat := catalog.NewMemory()
	cat.PutResource(model.Resource{ID: "room-r", Name: "Room R", Category: "room", Active: true})
	cat.PutResource(model.Resource{ID: "room-q", Name: "Room Q", Category: "room", Active: true})
	cat.PutResource(model.Resource{ID: "closed", Name: "Closed", Category: "room", Active: false})
	cat.PutService(model.Service{ID: "svc-s", Name: "Consult", DurationMinutes: 30, PriceCents: 15000, Active: true, ResourceID: "room-r"})
	cat.PutService(model.Service{ID: "svc-q", Name: "Dressing", DurationMinutes: 30, Active: true, ResourceID: "room-q"})
	cat.PutService(model.Service{ID: "svc-closed", Name: "Closed", DurationMinutes: 30, Active: true, ResourceID: "closed"})
	cat.PutService(model.Service{ID: "svc-phone", Name: "Phone follow-up", DurationMinutes: 20, Active: true})

	store := storage.NewMemory()
	clk := clock.NewFixed(on(19, 12, 0))
	m := metrics.New("booking")
	cfg := Config{
		Hours: availability.Hours{
			Location: time.UTC,
			Open:     8 * time.Hour,
			Close:    18 * time.Hour,
			Cadence:  time.Hour,
		},
		HoldWindow:     15 * time.Minute,
		MinPhoneDigits: 8,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		engine:  NewEngine(clk, cat, store, cfg, logger, m),
		store:   store,
		clock:   clk,
		catalog: cat,
		metrics: m,
	}
}

func (f *fixture) book(t *testing.T, actor model.Actor, serviceID string, start time.Time) (model.Appointment, error) {
	t.Helper()
	return f.engine.CreateAppointment(context.Background(), CreateRequest{
		Actor:        actor,
		ServiceID:    serviceID,
		Start:        start,
		ContactPhone: phone,
	})
}

func (f *fixture) mustBook(t *testing.T, actor model.Actor, serviceID string, start time.Time) model.Appointment {
	t.Helper()
	appt, err := f.book(t, actor, serviceID, start)
	require.NoError(t, err)
	return appt
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, e := range f.store.Events() {
		out = append(out, e.EventType)
	}
	return out
}

func TestBookingAndRecheckScenario(t *testing.T) {
	f := newFixture(t)
	owner2 := model.Actor{ID: "owner-2", Role: model.RoleClient}

	first := f.mustBook(t, model.Actor{ID: "owner-1", Role: model.RoleClient}, "svc-s", on(20, 10, 0))
	assert.Equal(t, model.StatusPending, first.Status)
	assert.Equal(t, on(20, 10, 30), first.End)
	assert.Equal(t, "room-r", first.ResourceID)

	_, err := f.book(t, owner2, "svc-s", on(20, 10, 15))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	second, err := f.book(t, owner2, "svc-s", on(20, 10, 30))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, second.Status)

	assert.Equal(t, []string{EventAppointmentCreated, EventAppointmentCreated}, f.eventTypes())
	assert.Equal(t, float64(1), f.metrics.CounterValue("booking_slot_unavailable_total", nil))
}

func TestConcurrentCreatesSingleWinner(t *testing.T) {
	f := newFixture(t)
	const racers = 16

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := model.Actor{ID: fmt.Sprintf("client-%d", i), Role: model.RoleClient}
			// Every request overlaps [10:00,10:30) somewhere.
			start := on(20, 9, 45).Add(time.Duration(i%4) * 10 * time.Minute)
			_, err := f.book(t, actor, "svc-s", start)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrSlotUnavailable):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.GreaterOrEqual(t, wins, 1)
	assert.Equal(t, racers, wins+losses)

	appts, err := f.engine.ListAppointments(context.Background(), ListFilter{ResourceID: "room-r"}, staff)
	require.NoError(t, err)
	for i := range appts {
		for j := i + 1; j < len(appts); j++ {
			assert.False(t, appts[i].Window().Overlaps(appts[j].Window()),
				"%s and %s overlap", appts[i].ID, appts[j].ID)
		}
	}
}

func TestConcurrentIdenticalCreatesExactlyOne(t *testing.T) {
	f := newFixture(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := model.Actor{ID: fmt.Sprintf("client-%d", i), Role: model.RoleClient}
			if _, err := f.book(t, actor, "svc-s", on(20, 10, 0)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestOwnerExclusivityAcrossResources(t *testing.T) {
	f := newFixture(t)
	f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	_, err := f.book(t, alice, "svc-q", on(20, 10, 15))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	_, err = f.book(t, alice, "svc-q", on(20, 10, 30))
	assert.NoError(t, err)
	_, err = f.book(t, bob, "svc-q", on(20, 10, 0))
	assert.NoError(t, err)
}

func TestServiceWithoutResourceHasItsOwnCalendar(t *testing.T) {
	f := newFixture(t)
	appt := f.mustBook(t, alice, "svc-phone", on(20, 9, 0))
	assert.Empty(t, appt.ResourceID)

	_, err := f.book(t, bob, "svc-phone", on(20, 9, 10))
	assert.ErrorIs(t, err, ErrSlotUnavailable)
	_, err = f.book(t, bob, "svc-s", on(20, 9, 0))
	assert.NoError(t, err)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.CreateAppointment(ctx, CreateRequest{Actor: alice, ServiceID: "svc-s", Start: on(20, 10, 0), ContactPhone: "555-12"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.engine.CreateAppointment(ctx, CreateRequest{Actor: alice, OwnerID: "bob", ServiceID: "svc-s", Start: on(20, 10, 0), ContactPhone: phone})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.book(t, alice, "nope", on(20, 10, 0))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.book(t, alice, "svc-closed", on(20, 10, 0))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.engine.ListSlots(ctx, "svc-closed", on(20, 0, 0), false)
	assert.ErrorIs(t, err, ErrNotFound, "no slots are offered on an inactive resource")

	_, err = f.book(t, alice, "svc-s", on(19, 11, 0))
	assert.ErrorIs(t, err, ErrAlreadyPast)

	// Staff may record a visit retroactively on behalf of a client.
	appt, err := f.engine.CreateAppointment(ctx, CreateRequest{Actor: staff, OwnerID: "alice", ServiceID: "svc-s", Start: on(19, 11, 0), ContactPhone: phone})
	require.NoError(t, err)
	assert.Equal(t, "alice", appt.OwnerID)
	assert.Len(t, f.store.Events(), 1, "only the staff booking was written")
}

func TestIdempotentCreate(t *testing.T) {
	f := newFixture(t)
	req := CreateRequest{Actor: alice, ServiceID: "svc-s", Start: on(20, 10, 0), ContactPhone: phone, IdempotencyKey: "k-1"}

	first, err := f.engine.CreateAppointment(context.Background(), req)
	require.NoError(t, err)
	again, err := f.engine.CreateAppointment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, f.store.Events(), 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	appt := f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	first, err := f.engine.CancelAppointment(context.Background(), appt.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, first.Status)
	require.NotNil(t, first.CancelledAt)

	second, err := f.engine.CancelAppointment(context.Background(), appt.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{EventAppointmentCreated, EventAppointmentStatusChanged}, f.eventTypes())

	// The window is free again.
	f.mustBook(t, bob, "svc-s", on(20, 10, 0))
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	_, err := f.engine.CancelAppointment(ctx, appt.ID, bob)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.CancelAppointment(ctx, "missing", staff)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Transition(ctx, appt.ID, lifecycle.ActionConfirm, staff)
	require.NoError(t, err)

	f.clock.Set(on(20, 10, 5))
	_, err = f.engine.CancelAppointment(ctx, appt.ID, alice)
	assert.ErrorIs(t, err, ErrAlreadyPast)

	cancelled, err := f.engine.CancelAppointment(ctx, appt.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
}

func TestClientsCannotDriveStaffTransitions(t *testing.T) {
	f := newFixture(t)
	appt := f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	_, err := f.engine.Transition(context.Background(), appt.ID, lifecycle.ActionConfirm, alice)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.Transition(context.Background(), appt.ID, lifecycle.ActionComplete, staff)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Transition(context.Background(), appt.ID, lifecycle.Action("teleport"), staff)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweepOnlyTouchesPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.mustBook(t, alice, "svc-s", on(20, 10, 0))
	confirmed := f.mustBook(t, bob, "svc-s", on(20, 11, 0))
	_, err := f.engine.Transition(ctx, confirmed.ID, lifecycle.ActionConfirm, staff)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.engine.Get(ctx, pending.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	got, err = f.engine.Get(ctx, confirmed.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)

	n, err = f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, f.eventTypes(), EventAppointmentExpired)
	assert.Equal(t, float64(1), f.metrics.CounterValue("booking_appointments_expired_total", nil))
}

func TestSweepRunsBeforeCreate(t *testing.T) {
	f := newFixture(t)
	f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	_, err := f.book(t, bob, "svc-s", on(20, 10, 0))
	assert.ErrorIs(t, err, ErrSlotUnavailable)

	f.clock.Advance(16 * time.Minute)
	_, err = f.book(t, bob, "svc-s", on(20, 10, 0))
	assert.NoError(t, err, "the expired hold no longer blocks")
}

func TestRaceToStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, alice, "svc-s", on(20, 10, 0))
	b := f.mustBook(t, bob, "svc-s", on(20, 11, 0))
	for _, id := range []string{a.ID, b.ID} {
		_, err := f.engine.Transition(ctx, id, lifecycle.ActionConfirm, staff)
		require.NoError(t, err)
	}
	f.clock.Set(on(20, 10, 0))

	started, err := f.engine.Transition(ctx, a.ID, lifecycle.ActionStart, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, started.Status)
	require.NotNil(t, started.ActualStart)
	assert.Equal(t, on(20, 10, 0), *started.ActualStart)

	_, err = f.engine.Transition(ctx, b.ID, lifecycle.ActionStart, staff)
	require.ErrorIs(t, err, ErrResourceBusy)
	var busy *ResourceBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, a.ID, busy.BlockingID)

	_, err = f.engine.Transition(ctx, a.ID, lifecycle.ActionComplete, staff)
	require.NoError(t, err)

	started, err = f.engine.Transition(ctx, b.ID, lifecycle.ActionStart, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, started.Status)
}

func TestStartChecksTodayNotBookedDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.mustBook(t, alice, "svc-s", on(20, 10, 0))
	b := f.mustBook(t, bob, "svc-s", on(21, 10, 0))
	for _, id := range []string{a.ID, b.ID} {
		_, err := f.engine.Transition(ctx, id, lifecycle.ActionConfirm, staff)
		require.NoError(t, err)
	}
	f.clock.Set(on(20, 10, 5))

	_, err := f.engine.Transition(ctx, a.ID, lifecycle.ActionStart, staff)
	require.NoError(t, err)

	_, err = f.engine.Transition(ctx, b.ID, lifecycle.ActionStart, staff)
	require.ErrorIs(t, err, ErrResourceBusy)
	var busy *ResourceBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, a.ID, busy.BlockingID)

	got, err := f.engine.Get(ctx, b.ID, staff)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
}

func TestStaleTransitionLosesCompareAndSwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []error
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Transition(ctx, appt.ID, lifecycle.ActionConfirm, staff)
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrConflict), "unexpected %v", err)
	}
	assert.Equal(t, 1, ok)
}

func TestPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	evt := PaymentEvent{Source: "stripe", EventID: "evt_1", EventType: "payment_intent.succeeded", AppointmentID: appt.ID, Reference: "pi_1"}
	paid, applied, err := f.engine.ApplyPayment(ctx, evt)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusConfirmed, paid.Status)
	assert.Equal(t, model.PaymentPaid, paid.PaymentStatus)
	assert.Equal(t, "pi_1", paid.PaymentRef)

	_, applied, err = f.engine.ApplyPayment(ctx, evt)
	require.NoError(t, err)
	assert.False(t, applied, "replayed delivery is ignored")

	again, err := f.engine.ConfirmPayment(ctx, appt.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, paid.Status, again.Status)

	other := f.mustBook(t, bob, "svc-s", on(20, 11, 0))
	_, err = f.engine.CancelAppointment(ctx, other.ID, bob)
	require.NoError(t, err)
	_, err = f.engine.ConfirmPayment(ctx, other.ID, "pi_2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.ConfirmPayment(ctx, "missing", "pi_3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndGetScopedToOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := f.mustBook(t, alice, "svc-s", on(20, 10, 0))
	theirs := f.mustBook(t, bob, "svc-s", on(20, 11, 0))

	got, err := f.engine.ListAppointments(ctx, ListFilter{OwnerID: "bob"}, alice)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, mine.ID, got[0].ID)

	all, err := f.engine.ListAppointments(ctx, ListFilter{}, staff)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.engine.Get(ctx, theirs.ID, alice)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSlots(t *testing.T) {
	f := newFixture(t)
	f.mustBook(t, alice, "svc-s", on(20, 10, 0))

	slots, err := f.engine.ListSlots(context.Background(), "svc-s", on(20, 0, 0), false)
	require.NoError(t, err)
	// 08:00 to 18:00 in 30 minute steps.
	require.Len(t, slots, 20)
	for _, s := range slots {
		assert.Equal(t, !s.Start.Equal(on(20, 10, 0)), s.Available, s.Start.Format("15:04"))
	}

	_, err = f.engine.ListSlots(context.Background(), "nope", on(20, 0, 0), false)
	assert.ErrorIs(t, err, ErrNotFound)
}
