// Package booking is the boundary of the appointment core: it composes the
// catalog, calendar store, conflict checks, slot planner and transition table
// into the operations exposed to the HTTP layer, the payment collaborators and
// the sweeper.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/md-rashed-zaman/clinicbook/libs/clock"
	otelx "github.com/md-rashed-zaman/clinicbook/libs/otel"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/conflict"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/storage"
)

type Config struct {
	Hours          availability.Hours
	HoldWindow     time.Duration
	MinPhoneDigits int
}

type Engine struct {
	clock   clock.Clock
	catalog catalog.Catalog
	store   storage.Store
	planner *availability.Planner
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func NewEngine(c clock.Clock, cat catalog.Catalog, store storage.Store, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if cfg.Hours.Location == nil {
		cfg.Hours.Location = time.UTC
	}
	if cfg.HoldWindow <= 0 {
		cfg.HoldWindow = 15 * time.Minute
	}
	return &Engine{
		clock:   c,
		catalog: cat,
		store:   store,
		planner: availability.NewPlanner(c, cat, store, cfg.Hours),
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		tracer:  otelx.Tracer("booking"),
	}
}

func (e *Engine) Hours() availability.Hours {
	return e.cfg.Hours
}

type CreateRequest struct {
	Actor        model.Actor
	OwnerID      string
	ServiceID    string
	Start        time.Time
	ContactPhone string
	// IdempotencyKey makes retries of the same request return the first result.
	IdempotencyKey string
}

func (e *Engine) CreateAppointment(ctx context.Context, req CreateRequest) (appt model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.CreateAppointment", trace.WithAttributes(
		attribute.String("service_id", req.ServiceID),
	))
	defer func() { endSpan(span, err) }()

	if err := e.validateCreate(&req); err != nil {
		return model.Appointment{}, err
	}
	e.sweepQuietly(ctx)

	svc, err := e.bookableService(ctx, req.ServiceID)
	if err != nil {
		return model.Appointment{}, err
	}

	now := e.clock.Now()
	if !req.Actor.Privileged() && !req.Start.After(now) {
		return model.Appointment{}, fmt.Errorf("%w: cannot book a start in the past", ErrAlreadyPast)
	}

	appt = model.Appointment{
		OwnerID:       req.OwnerID,
		ServiceID:     svc.ID,
		ResourceID:    svc.ResourceID,
		Start:         req.Start,
		End:           req.Start.Add(svc.Duration()),
		Status:        model.StatusPending,
		PaymentStatus: model.PaymentUnpaid,
		ContactPhone:  req.ContactPhone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	replayed := false
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		keys := []string{appt.ResourceKey(), storage.OwnerKey(appt.OwnerID)}
		if req.IdempotencyKey != "" {
			keys = append(keys, storage.IdempotencyKey(appt.OwnerID, req.IdempotencyKey))
		}
		if err := tx.LockCalendars(ctx, keys...); err != nil {
			return err
		}

		if req.IdempotencyKey != "" {
			id, found, err := tx.FindIdempotent(ctx, appt.OwnerID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				prior, err := tx.Get(ctx, id)
				if err != nil {
					return err
				}
				appt, replayed = prior, true
				return nil
			}
		}

		busy, err := conflict.ResourceConflict(ctx, tx, svc, appt.Start, appt.End, "")
		if err != nil {
			return err
		}
		if busy {
			return ErrSlotUnavailable
		}
		if busy, err = conflict.OwnerConflict(ctx, tx, appt.OwnerID, appt.Start, appt.End, ""); err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%w: owner already has an appointment in this window", ErrSlotUnavailable)
		}

		if _, err := tx.Insert(ctx, &appt); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
			}
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.SaveIdempotent(ctx, appt.OwnerID, req.IdempotencyKey, appt.ID); err != nil {
				return err
			}
		}
		evt, err := createdEvent(appt)
		if err != nil {
			return err
		}
		return tx.Publish(ctx, evt)
	})
	if err != nil {
		if errors.Is(err, ErrSlotUnavailable) {
			e.metrics.SlotUnavailable.Inc()
			return model.Appointment{}, err
		}
		return model.Appointment{}, translate(err)
	}
	if replayed {
		e.logger.Info("idempotent create replayed", "appointment_id", appt.ID, "owner_id", appt.OwnerID)
		return appt, nil
	}

	e.metrics.AppointmentsCreated.Inc()
	e.logger.Info("appointment created",
		"appointment_id", appt.ID,
		"owner_id", appt.OwnerID,
		"service_id", appt.ServiceID,
		"resource_id", appt.ResourceID,
		"start_time", appt.Start,
	)
	return appt, nil
}

func (e *Engine) validateCreate(req *CreateRequest) error {
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.ContactPhone = strings.TrimSpace(req.ContactPhone)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.OwnerID == "" {
		req.OwnerID = req.Actor.ID
	}
	switch {
	case req.Actor.ID == "":
		return fmt.Errorf("%w: actor required", ErrInvalidInput)
	case !req.Actor.Privileged() && req.OwnerID != req.Actor.ID:
		return fmt.Errorf("%w: clients book for themselves only", ErrForbidden)
	case req.OwnerID == "":
		return fmt.Errorf("%w: owner_id required", ErrInvalidInput)
	case req.ServiceID == "":
		return fmt.Errorf("%w: service_id required", ErrInvalidInput)
	case req.Start.IsZero():
		return fmt.Errorf("%w: start required", ErrInvalidInput)
	case len(req.IdempotencyKey) > 128:
		return fmt.Errorf("%w: idempotency key too long", ErrInvalidInput)
	}
	if digits := countDigits(req.ContactPhone); digits < e.cfg.MinPhoneDigits {
		return fmt.Errorf("%w: contact phone needs at least %d digits", ErrInvalidInput, e.cfg.MinPhoneDigits)
	}
	return nil
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// bookableService resolves a service that is active and whose resource, if
// any, is active too.
func (e *Engine) bookableService(ctx context.Context, serviceID string) (model.Service, error) {
	svc, err := e.catalog.GetService(ctx, serviceID)
	if err != nil {
		return model.Service{}, translate(err)
	}
	if !svc.Active {
		return model.Service{}, fmt.Errorf("%w: service %s is inactive", ErrNotFound, serviceID)
	}
	if svc.ResourceID != "" {
		res, err := e.catalog.GetResource(ctx, svc.ResourceID)
		if err != nil {
			return model.Service{}, translate(err)
		}
		if !res.Active {
			return model.Service{}, fmt.Errorf("%w: resource %s is inactive", ErrNotFound, res.ID)
		}
	}
	return svc, nil
}

func (e *Engine) ListSlots(ctx context.Context, serviceID string, date time.Time, asStaff bool) (slots []availability.Slot, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.ListSlots", trace.WithAttributes(
		attribute.String("service_id", serviceID),
		attribute.Bool("as_staff", asStaff),
	))
	defer func() { endSpan(span, err) }()

	e.sweepQuietly(ctx)
	slots, err = e.planner.Plan(ctx, serviceID, date, asStaff)
	return slots, translate(err)
}

func (e *Engine) Services(ctx context.Context, f catalog.ServiceFilter) ([]model.Service, error) {
	return e.catalog.ListActiveServices(ctx, f)
}

func (e *Engine) Transition(ctx context.Context, id string, action lifecycle.Action, actor model.Actor) (appt model.Appointment, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.Transition", trace.WithAttributes(
		attribute.String("appointment_id", id),
		attribute.String("action", string(action)),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		e.metrics.Transitions.WithLabelValues(string(action), outcome).Inc()
		endSpan(span, err)
	}()

	e.sweepQuietly(ctx)
	now := e.clock.Now()

	var from model.Status
	noop := false
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		current, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		change, err := lifecycle.Plan(current, action, actor, now)
		if err != nil {
			return err
		}
		if change.NoOp {
			appt, noop = current, true
			return nil
		}

		if change.CheckResource {
			if err := e.checkResourceFree(ctx, tx, current, now); err != nil {
				return err
			}
		}

		appt, err = tx.UpdateStatus(ctx, id, statusChange(change, now))
		if err != nil {
			return err
		}
		from = change.From
		evt, err := statusChangedEvent(appt, from, string(action), actor)
		if err != nil {
			return err
		}
		return tx.Publish(ctx, evt)
	})
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	if !noop {
		e.logger.Info("appointment transitioned",
			"appointment_id", appt.ID,
			"action", action,
			"from", from,
			"to", appt.Status,
			"actor_id", actor.ID,
		)
	}
	return appt, nil
}

// checkResourceFree re-validates the calendar at the moment service starts:
// nothing else on the same calendar may be in progress today, whatever day
// the appointment being started was booked for.
func (e *Engine) checkResourceFree(ctx context.Context, tx storage.Tx, appt model.Appointment, now time.Time) error {
	key := appt.ResourceKey()
	if err := tx.LockCalendars(ctx, key); err != nil {
		return err
	}
	dayStart, dayEnd := e.cfg.Hours.Day(now)
	running, err := tx.FindInProgress(ctx, key, dayStart, dayEnd, appt.ID)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return &ResourceBusyError{BlockingID: running[0].ID}
	}
	return nil
}

func statusChange(c lifecycle.Change, now time.Time) storage.StatusChange {
	sc := storage.StatusChange{
		Expected: c.From,
		To:       c.To,
		At:       now,
		MarkPaid: c.MarkPaid,
	}
	if c.SetActualStart {
		sc.ActualStart = &now
	}
	if c.To == model.StatusCancelled {
		sc.CancelledAt = &now
	}
	return sc
}

func (e *Engine) CancelAppointment(ctx context.Context, id string, actor model.Actor) (model.Appointment, error) {
	return e.Transition(ctx, id, lifecycle.ActionCancel, actor)
}

// PaymentEvent is a successful payment reported by an external collaborator.
// Source and EventID identify the delivery so replays are ignored.
type PaymentEvent struct {
	Source        string
	EventID       string
	EventType     string
	AppointmentID string
	Reference     string
}

// ConfirmPayment marks the appointment paid and confirms a pending hold. It is
// idempotent when the appointment is already paid.
func (e *Engine) ConfirmPayment(ctx context.Context, id, reference string) (model.Appointment, error) {
	appt, _, err := e.ApplyPayment(ctx, PaymentEvent{AppointmentID: id, Reference: reference})
	return appt, err
}

// ApplyPayment is ConfirmPayment with delivery dedupe. The boolean is false
// when the event was a replay and nothing was applied.
func (e *Engine) ApplyPayment(ctx context.Context, evt PaymentEvent) (appt model.Appointment, applied bool, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.ApplyPayment", trace.WithAttributes(
		attribute.String("appointment_id", evt.AppointmentID),
		attribute.String("payment.source", evt.Source),
	))
	defer func() { endSpan(span, err) }()

	now := e.clock.Now()
	var from model.Status
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		if evt.EventID != "" {
			first, err := tx.RecordInbox(ctx, evt.Source, evt.EventID, evt.EventType)
			if err != nil {
				return err
			}
			if !first {
				return nil
			}
		}
		current, err := tx.Get(ctx, evt.AppointmentID)
		if err != nil {
			return err
		}
		change, err := lifecycle.PlanPayment(current)
		if err != nil {
			return err
		}
		if change.NoOp {
			appt = current
			return nil
		}
		sc := statusChange(change, now)
		sc.PaymentRef = evt.Reference
		if appt, err = tx.UpdateStatus(ctx, current.ID, sc); err != nil {
			return err
		}
		from, applied = change.From, true
		event, err := statusChangedEvent(appt, from, "payment", model.System)
		if err != nil {
			return err
		}
		return tx.Publish(ctx, event)
	})
	if err != nil {
		return model.Appointment{}, false, translate(err)
	}
	if !applied {
		e.metrics.PaymentsConfirmed.WithLabelValues("noop").Inc()
		e.logger.Info("payment already applied", "appointment_id", evt.AppointmentID, "event_id", evt.EventID)
		return appt, false, nil
	}
	e.metrics.PaymentsConfirmed.WithLabelValues("applied").Inc()
	e.logger.Info("payment confirmed",
		"appointment_id", appt.ID,
		"from", from,
		"to", appt.Status,
		"reference", evt.Reference,
		"source", evt.Source,
	)
	return appt, true, nil
}

// SweepExpired cancels every pending appointment older than the hold window.
func (e *Engine) SweepExpired(ctx context.Context) (n int, err error) {
	ctx, span := e.tracer.Start(ctx, "booking.SweepExpired")
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		e.metrics.SweepRuns.WithLabelValues(outcome).Inc()
		span.SetAttributes(attribute.Int("swept", n))
		endSpan(span, err)
	}()

	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.HoldWindow)
	var swept []model.Appointment
	err = e.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		swept, err = tx.SweepExpired(ctx, cutoff, now)
		if err != nil {
			return err
		}
		for _, a := range swept {
			evt, err := expiredEvent(a)
			if err != nil {
				return err
			}
			if err := tx.Publish(ctx, evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, translate(err)
	}
	if len(swept) > 0 {
		e.metrics.Expired.Add(float64(len(swept)))
		e.logger.Info("expired pending appointments", "count", len(swept), "cutoff", cutoff)
	}
	return len(swept), nil
}

// sweepQuietly runs the sweep ahead of an operation that reads the calendar.
// A failed sweep never blocks the operation.
func (e *Engine) sweepQuietly(ctx context.Context) {
	if _, err := e.SweepExpired(ctx); err != nil {
		e.logger.Warn("opportunistic sweep failed", "err", err)
	}
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

// ListAppointments returns appointments matching f. Clients only ever see
// their own appointments regardless of the owner filter they pass.
func (e *Engine) ListAppointments(ctx context.Context, f ListFilter, actor model.Actor) ([]model.Appointment, error) {
	if !actor.Privileged() {
		f.OwnerID = actor.ID
	}
	var out []model.Appointment
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.List(ctx, storage.ListFilter(f))
		return err
	})
	return out, translate(err)
}

// Get returns one appointment. Clients may only read their own.
func (e *Engine) Get(ctx context.Context, id string, actor model.Actor) (model.Appointment, error) {
	var appt model.Appointment
	err := e.store.InTx(ctx, func(tx storage.Tx) error {
		var err error
		appt, err = tx.Get(ctx, id)
		return err
	})
	if err != nil {
		return model.Appointment{}, translate(err)
	}
	if !actor.Privileged() && appt.OwnerID != actor.ID {
		return model.Appointment{}, ErrNotFound
	}
	return appt, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
