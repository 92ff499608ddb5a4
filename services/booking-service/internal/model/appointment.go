package model

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusArrived    Status = "arrived"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusArrived,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

func ParseStatus(s string) (Status, bool) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Blocking reports whether an appointment in this status still reserves its window.
func (s Status) Blocking() bool {
	return s != StatusCancelled
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
)

type Appointment struct {
	ID            string
	OwnerID       string
	ServiceID     string
	ResourceID    string // snapshot of the service's resource at booking time; empty if none
	Start         time.Time
	End           time.Time
	Status        Status
	PaymentStatus PaymentStatus
	PaymentRef    string
	ContactPhone  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ActualStart   *time.Time
	CancelledAt   *time.Time
}

// ResourceKey identifies the calendar the appointment occupies. Services without a
// resource are serialized per service.
func (a Appointment) ResourceKey() string {
	return CalendarKey(a.ResourceID, a.ServiceID)
}

func CalendarKey(resourceID, serviceID string) string {
	if resourceID != "" {
		return "resource:" + resourceID
	}
	return "service:" + serviceID
}
