package model

type Role string

const (
	RoleClient Role = "client"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Actor is the authenticated caller as asserted by the identity provider.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) Privileged() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

// System is used for transitions driven by the service itself (sweeps, payments).
var System = Actor{ID: "system", Role: RoleAdmin}
