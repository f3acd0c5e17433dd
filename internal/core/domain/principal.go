package domain

import "github.com/google/uuid"

// Principal identifies an authenticated caller. Connections without a
// credential carry a zero Principal.
type Principal struct {
	UserID  uuid.UUID
	Subject string
}

// Anonymous reports whether this principal carries no identity.
func (p Principal) Anonymous() bool {
	return p.UserID == uuid.Nil && p.Subject == ""
}
