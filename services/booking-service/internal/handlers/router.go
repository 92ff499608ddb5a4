package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/metrics"
)

// NewRouter builds the /api/v1 tree. The Stripe webhook sits outside the
// authenticated subrouter.
func NewRouter(bookings *BookingHandler, payments *PaymentHandler, authn *Authenticator, m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Use(m.Middleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/payments/stripe/webhook", payments.StripeWebhook).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(authn.Middleware)
	bookings.Register(authed)
	return r
}
