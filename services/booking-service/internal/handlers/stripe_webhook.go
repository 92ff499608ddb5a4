package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/booking"
)

const appointmentMetadataKey = "appointment_id"

type PaymentHandler struct {
	engine    Engine
	logger    *slog.Logger
	secret    string
	tolerance time.Duration
}

func NewPaymentHandler(engine Engine, logger *slog.Logger, webhookSecret string, tolerance time.Duration) *PaymentHandler {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &PaymentHandler{engine: engine, logger: logger, secret: webhookSecret, tolerance: tolerance}
}

// StripeWebhook confirms appointments paid through Stripe. There is no JWT on
// this route; the signature is the authentication.
func (h *PaymentHandler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "stripe webhook not configured", Code: "unavailable"})
		return
	}
	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		badRequest(w, "missing Stripe-Signature header")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}
	evt, err := webhook.ConstructEventWithOptions(body, sigHeader, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		badRequest(w, "invalid signature")
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
	)

	var appointmentID, reference string
	switch evtType {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			badRequest(w, "invalid payment intent payload")
			return
		}
		appointmentID, reference = pi.Metadata[appointmentMetadataKey], pi.ID

	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			badRequest(w, "invalid checkout session payload")
			return
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		appointmentID, reference = session.Metadata[appointmentMetadataKey], session.ID
		if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
			reference = session.PaymentIntent.ID
		}

	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		h.logger.Warn("stripe: payment without appointment_id metadata", "provider_event_id", evt.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	_, applied, err := h.engine.ApplyPayment(r.Context(), booking.PaymentEvent{
		Source:        "stripe",
		EventID:       evt.ID,
		EventType:     evtType,
		AppointmentID: appointmentID,
		Reference:     reference,
	})
	switch {
	case err == nil && applied:
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, booking.ErrInvalidTransition):
		// Retrying will not change the outcome, so acknowledge and leave it to reconciliation.
		h.logger.Warn("stripe: payment not applicable",
			"provider_event_id", evt.ID,
			"appointment_id", appointmentID,
			"err", err,
		)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	default:
		writeError(w, r, h.logger, err)
	}
}
