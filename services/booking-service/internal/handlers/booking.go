package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/catalog"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

// Engine is the booking core as seen from HTTP.
type Engine interface {
	Hours() availability.Hours
	Services(ctx context.Context, f catalog.ServiceFilter) ([]model.Service, error)
	ListSlots(ctx context.Context, serviceID string, date time.Time, asStaff bool) ([]availability.Slot, error)
	CreateAppointment(ctx context.Context, req booking.CreateRequest) (model.Appointment, error)
	ListAppointments(ctx context.Context, f booking.ListFilter, actor model.Actor) ([]model.Appointment, error)
	Get(ctx context.Context, id string, actor model.Actor) (model.Appointment, error)
	Transition(ctx context.Context, id string, action lifecycle.Action, actor model.Actor) (model.Appointment, error)
	CancelAppointment(ctx context.Context, id string, actor model.Actor) (model.Appointment, error)
	SweepExpired(ctx context.Context) (int, error)
	ApplyPayment(ctx context.Context, evt booking.PaymentEvent) (model.Appointment, bool, error)
}

type BookingHandler struct {
	engine Engine
	logger *slog.Logger
}

func NewBookingHandler(engine Engine, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{engine: engine, logger: logger}
}

type serviceItem struct {
	ServiceID       string `json:"service_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
	ResourceID      string `json:"resource_id,omitempty"`
}

type slotItem struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Available bool   `json:"available"`
}

type createAppointmentRequest struct {
	OwnerID      string `json:"owner_id"`
	ServiceID    string `json:"service_id"`
	StartTime    string `json:"start_time"`
	ContactPhone string `json:"contact_phone"`
}

type transitionRequest struct {
	Action string `json:"action"`
}

type appointmentItem struct {
	AppointmentID string `json:"appointment_id"`
	OwnerID       string `json:"owner_id"`
	ServiceID     string `json:"service_id"`
	ResourceID    string `json:"resource_id,omitempty"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	ContactPhone  string `json:"contact_phone"`
	ActualStart   string `json:"actual_start,omitempty"`
	CancelledAt   string `json:"cancelled_at,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toItem(a model.Appointment) appointmentItem {
	item := appointmentItem{
		AppointmentID: a.ID,
		OwnerID:       a.OwnerID,
		ServiceID:     a.ServiceID,
		ResourceID:    a.ResourceID,
		StartTime:     a.Start.UTC().Format(time.RFC3339),
		EndTime:       a.End.UTC().Format(time.RFC3339),
		Status:        string(a.Status),
		PaymentStatus: string(a.PaymentStatus),
		ContactPhone:  a.ContactPhone,
		CreatedAt:     a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     a.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if a.ActualStart != nil {
		item.ActualStart = a.ActualStart.UTC().Format(time.RFC3339)
	}
	if a.CancelledAt != nil {
		item.CancelledAt = a.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}

// Register mounts the authenticated API on r. Every route here expects an
// Actor in the request context.
func (h *BookingHandler) Register(r *mux.Router) {
	r.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	r.HandleFunc("/services/{serviceID}/slots", h.Slots).Methods(http.MethodGet)
	r.HandleFunc("/appointments", h.Create).Methods(http.MethodPost)
	r.HandleFunc("/appointments", h.List).Methods(http.MethodGet)
	r.HandleFunc("/appointments/{appointmentID}", h.Get).Methods(http.MethodGet)
	r.HandleFunc("/appointments/{appointmentID}/transitions", h.Transition).Methods(http.MethodPost)
	r.HandleFunc("/appointments/{appointmentID}/cancel", h.Cancel).Methods(http.MethodPost)
	r.HandleFunc("/admin/sweep", h.Sweep).Methods(http.MethodPost)
}

func (h *BookingHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	services, err := h.engine.Services(r.Context(), catalog.ServiceFilter{
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
		Category:   strings.TrimSpace(q.Get("category")),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]serviceItem, 0, len(services))
	for _, s := range services {
		items = append(items, serviceItem{
			ServiceID:       s.ID,
			Name:            s.Name,
			DurationMinutes: s.DurationMinutes,
			PriceCents:      s.PriceCents,
			ResourceID:      s.ResourceID,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	actor := mustActor(r)
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateStr == "" {
		badRequest(w, "date is required (YYYY-MM-DD)")
		return
	}
	date, err := time.ParseInLocation("2006-01-02", dateStr, h.engine.Hours().Location)
	if err != nil {
		badRequest(w, "invalid date")
		return
	}

	slots, err := h.engine.ListSlots(r.Context(), mux.Vars(r)["serviceID"], date, actor.Privileged())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
			Available: s.Available,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	start, err := time.Parse(time.RFC3339, strings.TrimSpace(req.StartTime))
	if err != nil {
		badRequest(w, "invalid start_time")
		return
	}

	appt, err := h.engine.CreateAppointment(r.Context(), booking.CreateRequest{
		Actor:          mustActor(r),
		OwnerID:        req.OwnerID,
		ServiceID:      req.ServiceID,
		Start:          start,
		ContactPhone:   req.ContactPhone,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItem(appt))
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := booking.ListFilter{
		OwnerID:    strings.TrimSpace(q.Get("owner_id")),
		ResourceID: strings.TrimSpace(q.Get("resource_id")),
		ServiceID:  strings.TrimSpace(q.Get("service_id")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := model.ParseStatus(strings.TrimSpace(part))
			if !ok {
				badRequest(w, "unknown status "+part)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := strings.TrimSpace(q.Get(p.name))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(w, "invalid "+p.name)
			return
		}
		*p.dst = t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "invalid limit")
			return
		}
		f.Limit = n
	}

	appts, err := h.engine.ListAppointments(r.Context(), f, mustActor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	items := make([]appointmentItem, 0, len(appts))
	for _, a := range appts {
		items = append(items, toItem(a))
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) Get(w http.ResponseWriter, r *http.Request) {
	appt, err := h.engine.Get(r.Context(), mux.Vars(r)["appointmentID"], mustActor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	action := lifecycle.Action(strings.ToLower(strings.TrimSpace(req.Action)))
	appt, err := h.engine.Transition(r.Context(), mux.Vars(r)["appointmentID"], action, mustActor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	appt, err := h.engine.CancelAppointment(r.Context(), mux.Vars(r)["appointmentID"], mustActor(r))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toItem(appt))
}

func (h *BookingHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if !mustActor(r).Privileged() {
		writeError(w, r, h.logger, booking.ErrForbidden)
		return
	}
	n, err := h.engine.SweepExpired(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// mustActor returns the authenticated actor. Routes registered through
// Register always run behind Authenticator.Middleware.
func mustActor(r *http.Request) model.Actor {
	a, ok := ActorFromContext(r.Context())
	if !ok {
		panic("handlers: request reached an authenticated route without an actor")
	}
	return a
}
