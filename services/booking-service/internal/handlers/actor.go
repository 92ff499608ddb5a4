package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/clinicbook/libs/auth"
	"github.com/md-rashed-zaman/clinicbook/libs/clock"
	"github.com/md-rashed-zaman/clinicbook/services/booking-service/internal/model"
)

type actorKey struct{}

func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(model.Actor)
	return a, ok
}

func ContextWithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// Authenticator turns the identity provider's bearer token into an Actor.
type Authenticator struct {
	secret string
	clock  clock.Clock
}

func NewAuthenticator(secret string, c clock.Clock) *Authenticator {
	return &Authenticator{secret: secret, clock: c}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: "unauthorized"})
			return
		}
		claims, err := auth.ParseAndVerifyHS256(strings.TrimSpace(token), a.secret, a.clock.Now())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid token", Code: "unauthorized"})
			return
		}
		role := model.Role(strings.ToLower(claims.Role))
		switch role {
		case "":
			role = model.RoleClient
		case model.RoleClient, model.RoleStaff, model.RoleAdmin:
		default:
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unknown role", Code: "unauthorized"})
			return
		}
		actor := model.Actor{ID: claims.Sub, Role: role}
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
	})
}
