package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/md-rashed-zaman/clinicbook/libs/httpx"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
)

type errorBody struct {
	Error                 string `json:"error"`
	Code                  string `json:"code"`
	BlockingAppointmentID string `json:"blocking_appointment_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps booking errors onto HTTP statuses. Anything unrecognised is
// logged and reported as a bare 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var busy *booking.ResourceBusyError
	switch {
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, errorBody{
			Error:                 "resource is busy with another appointment",
			Code:                  "resource_busy",
			BlockingAppointmentID: busy.BlockingID,
		})
	case errors.Is(err, booking.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Code: "not_found"})
	case errors.Is(err, booking.ErrSlotUnavailable):
		writeJSON(w, http.StatusConflict, errorBody{Error: "time slot unavailable, choose another time", Code: "slot_unavailable"})
	case errors.Is(err, booking.ErrConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: "appointment changed concurrently, reload and retry", Code: "conflict"})
	case errors.Is(err, booking.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, booking.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "forbidden"})
	case errors.Is(err, booking.ErrAlreadyPast):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "appointment time already passed", Code: "already_past"})
	case errors.Is(err, booking.ErrInvalidInput):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "invalid_input"})
	default:
		logger.Error("request failed",
			"err", err,
			"path", r.URL.Path,
			"request_id", httpx.RequestIDFromContext(r.Context()),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}
