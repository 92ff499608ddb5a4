package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/clinicbook/libs/db"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var appointmentColumns = []string{
	"id::text",
	"owner_id",
	"service_id",
	"COALESCE(resource_id, '')",
	"start_time",
	"end_time",
	"status",
	"payment_status",
	"payment_ref",
	"contact_phone",
	"created_at",
	"updated_at",
	"actual_start",
	"cancelled_at",
}

// Postgres keeps the calendar in the appointments table. Transactions run at
// SERIALIZABLE and are retried on serialization failures; the exclusion
// constraints in the schema are the last line against double booking.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
	opts   db.TxOptions
}

func NewPostgres(pool *db.Pool, repo *outbox.Repository) *Postgres {
	return &Postgres{
		pool:   pool,
		outbox: repo,
		opts:   db.TxOptions{IsoLevel: pgx.Serializable, Attempts: 5},
	}
}

func (p *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	return p.pool.InTx(ctx, p.opts, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx, outbox: p.outbox})
	})
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) LockCalendars(ctx context.Context, keys ...string) error {
	// Sorted so two writers that need the same pair of locks never deadlock.
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	for _, key := range keys {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) Insert(ctx context.Context, appt *model.Appointment) (string, error) {
	if err := t.LockCalendars(ctx, appt.ResourceKey(), OwnerKey(appt.OwnerID)); err != nil {
		return "", err
	}

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

	var id string
	err = t.tx.QueryRow(ctx, `
		INSERT INTO appointments
			(owner_id, service_id, resource_id, start_time, end_time, status, payment_status,
			 payment_ref, contact_phone, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id::text
	`, appt.OwnerID, appt.ServiceID, appt.ResourceID, appt.Start, appt.End, appt.Status, appt.PaymentStatus,
		appt.PaymentRef, appt.ContactPhone, appt.CreatedAt, appt.UpdatedAt).Scan(&id)
	if err != nil {
		if db.IsExclusionViolation(err) {
			return "", ErrConflict
		}
		return "", err
	}
	appt.ID = id
	return id, nil
}

func (t *pgTx) Get(ctx context.Context, id string) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, ErrNotFound
	}
	appts, err := t.query(ctx, psql.Select(appointmentColumns...).From("appointments").Where(sq.Eq{"id": id}))
	if err != nil {
		return model.Appointment{}, err
	}
	if len(appts) == 0 {
		return model.Appointment{}, ErrNotFound
	}
	return appts[0], nil
}

func (t *pgTx) FindOverlapping(ctx context.Context, resourceID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.overlapping(ctx, sq.Eq{"resource_id": resourceID}, start, end, excludeID)
}

func (t *pgTx) FindServiceOverlapping(ctx context.Context, serviceID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.overlapping(ctx, sq.Eq{"resource_id": nil, "service_id": serviceID}, start, end, excludeID)
}

func (t *pgTx) FindOwnerOverlapping(ctx context.Context, ownerID string, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	return t.overlapping(ctx, sq.Eq{"owner_id": ownerID}, start, end, excludeID)
}

func (t *pgTx) overlapping(ctx context.Context, scope sq.Sqlizer, start, end time.Time, excludeID string) ([]model.Appointment, error) {
	q := psql.Select(appointmentColumns...).
		From("appointments").
		Where(scope).
		Where(sq.NotEq{"status": model.StatusCancelled}).
		Where(sq.Lt{"start_time": end}).
		Where(sq.Gt{"end_time": start}).
		OrderBy("start_time")
	if excludeID != "" {
		q = q.Where("id::text <> ?", excludeID)
	}
	return t.query(ctx, q)
}

func (t *pgTx) FindInProgress(ctx context.Context, calendarKey string, from, to time.Time, excludeID string) ([]model.Appointment, error) {
	var scope sq.Sqlizer
	switch kind, id, _ := strings.Cut(calendarKey, ":"); kind {
	case "resource":
		scope = sq.Eq{"resource_id": id}
	case "service":
		scope = sq.Eq{"resource_id": nil, "service_id": id}
	default:
		return nil, errors.New("storage: unknown calendar key " + calendarKey)
	}
	q := psql.Select(appointmentColumns...).
		From("appointments").
		Where(scope).
		Where(sq.Eq{"status": model.StatusInProgress}).
		Where(sq.GtOrEq{"start_time": from}).
		Where(sq.Lt{"start_time": to}).
		OrderBy("start_time")
	if excludeID != "" {
		q = q.Where("id::text <> ?", excludeID)
	}
	return t.query(ctx, q)
}

func (t *pgTx) UpdateStatus(ctx context.Context, id string, ch StatusChange) (model.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Appointment{}, ErrNotFound
	}
	paid := ""
	if ch.MarkPaid {
		paid = string(model.PaymentPaid)
	}
	q := psql.Update("appointments").
		Set("status", ch.To).
		Set("updated_at", ch.At).
		Set("actual_start", sq.Expr("COALESCE(?, actual_start)", ch.ActualStart)).
		Set("cancelled_at", sq.Expr("COALESCE(?, cancelled_at)", ch.CancelledAt)).
		Set("payment_status", sq.Expr("COALESCE(NULLIF(?, ''), payment_status)", paid)).
		Set("payment_ref", sq.Expr("COALESCE(NULLIF(?, ''), payment_ref)", ch.PaymentRef)).
		Where(sq.Eq{"id": id, "status": ch.Expected}).
		Suffix("RETURNING " + strings.Join(appointmentColumns, ", "))
	appts, err := t.query(ctx, q)
	if err != nil {
		return model.Appointment{}, err
	}
	if len(appts) == 1 {
		return appts[0], nil
	}

	// Nothing matched: either the row is gone or someone else moved it first.
	if _, err := t.Get(ctx, id); err != nil {
		return model.Appointment{}, err
	}
	return model.Appointment{}, ErrConflict
}

func (t *pgTx) SweepExpired(ctx context.Context, cutoff, at time.Time) ([]model.Appointment, error) {
	q := psql.Update("appointments").
		Set("status", model.StatusCancelled).
		Set("updated_at", at).
		Set("cancelled_at", at).
		Where(sq.Eq{"status": model.StatusPending}).
		Where(sq.LtOrEq{"created_at": cutoff}).
		Suffix("RETURNING " + strings.Join(appointmentColumns, ", "))
	appts, err := t.query(ctx, q)
	if err != nil {
		return nil, err
	}
	sortByStart(appts)
	return appts, nil
}

func (t *pgTx) List(ctx context.Context, f ListFilter) ([]model.Appointment, error) {
	q := psql.Select(appointmentColumns...).From("appointments")
	if f.OwnerID != "" {
		q = q.Where(sq.Eq{"owner_id": f.OwnerID})
	}
	if f.ResourceID != "" {
		q = q.Where(sq.Eq{"resource_id": f.ResourceID})
	}
	if f.ServiceID != "" {
		q = q.Where(sq.Eq{"service_id": f.ServiceID})
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if !f.From.IsZero() {
		q = q.Where(sq.Gt{"end_time": f.From})
	}
	if !f.To.IsZero() {
		q = q.Where(sq.Lt{"start_time": f.To})
	}
	q = q.OrderBy("start_time", "created_at").Limit(uint64(f.limit()))
	return t.query(ctx, q)
}

func (t *pgTx) Publish(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func (t *pgTx) FindIdempotent(ctx context.Context, ownerID, key string) (string, bool, error) {
	var id string
	err := t.tx.QueryRow(ctx, `
		SELECT appointment_id::text
		FROM booking_idempotency_keys
		WHERE owner_id = $1 AND idempotency_key = $2
	`, ownerID, key).Scan(&id)
	if db.IsNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (t *pgTx) SaveIdempotent(ctx context.Context, ownerID, key, appointmentID string) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (owner_id, idempotency_key, appointment_id)
		VALUES ($1, $2, $3)
	`, ownerID, key, appointmentID)
	if db.IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (t *pgTx) RecordInbox(ctx context.Context, source, eventID, eventType string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO inbox_events (source, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (source, event_id) DO NOTHING
	`, source, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) query(ctx context.Context, q sq.Sqlizer) ([]model.Appointment, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanAppointment)
}

func scanAppointment(row pgx.CollectableRow) (model.Appointment, error) {
	var a model.Appointment
	err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.ServiceID,
		&a.ResourceID,
		&a.Start,
		&a.End,
		&a.Status,
		&a.PaymentStatus,
		&a.PaymentRef,
		&a.ContactPhone,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ActualStart,
		&a.CancelledAt,
	)
	return a, err
}
