package booking

import (
	"time"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/outbox"
)

const (
	aggregateAppointment = "appointment"

	EventAppointmentCreated       = "booking.appointment.created.v1"
	EventAppointmentStatusChanged = "booking.appointment.status_changed.v1"
	EventAppointmentExpired       = "booking.appointment.expired.v1"
)

type AppointmentCreated struct {
	AppointmentID string    `json:"appointment_id"`
	OwnerID       string    `json:"owner_id"`
	ServiceID     string    `json:"service_id"`
	ResourceID    string    `json:"resource_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type AppointmentStatusChanged struct {
	AppointmentID string    `json:"appointment_id"`
	OwnerID       string    `json:"owner_id"`
	ResourceID    string    `json:"resource_id,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Action        string    `json:"action"`
	ActorID       string    `json:"actor_id"`
	PaymentStatus string    `json:"payment_status"`
	ChangedAt     time.Time `json:"changed_at"`
}

type AppointmentExpired struct {
	AppointmentID string    `json:"appointment_id"`
	OwnerID       string    `json:"owner_id"`
	StartTime     time.Time `json:"start_time"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiredAt     time.Time `json:"expired_at"`
}

func createdEvent(a model.Appointment) (outbox.Event, error) {
	return outbox.NewEvent(aggregateAppointment, a.ID, EventAppointmentCreated, AppointmentCreated{
		AppointmentID: a.ID,
		OwnerID:       a.OwnerID,
		ServiceID:     a.ServiceID,
		ResourceID:    a.ResourceID,
		StartTime:     a.Start.UTC(),
		EndTime:       a.End.UTC(),
		Status:        string(a.Status),
		CreatedAt:     a.CreatedAt.UTC(),
	})
}

func statusChangedEvent(a model.Appointment, from model.Status, action string, actor model.Actor) (outbox.Event, error) {
	return outbox.NewEvent(aggregateAppointment, a.ID, EventAppointmentStatusChanged, AppointmentStatusChanged{
		AppointmentID: a.ID,
		OwnerID:       a.OwnerID,
		ResourceID:    a.ResourceID,
		From:          string(from),
		To:            string(a.Status),
		Action:        action,
		ActorID:       actor.ID,
		PaymentStatus: string(a.PaymentStatus),
		ChangedAt:     a.UpdatedAt.UTC(),
	})
}

func expiredEvent(a model.Appointment) (outbox.Event, error) {
	expiredAt := a.UpdatedAt
	if a.CancelledAt != nil {
		expiredAt = *a.CancelledAt
	}
	return outbox.NewEvent(aggregateAppointment, a.ID, EventAppointmentExpired, AppointmentExpired{
		AppointmentID: a.ID,
		OwnerID:       a.OwnerID,
		StartTime:     a.Start.UTC(),
		CreatedAt:     a.CreatedAt.UTC(),
		ExpiredAt:     expiredAt.UTC(),
	})
}
