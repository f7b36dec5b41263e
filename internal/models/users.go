package models

import "time"

// Role is a user's authorization role.
type Role string

// Roles. Admin and operator see every shipment; buyers see only their own.
const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleBuyer    Role = "buyer"
)

// Privileged reports whether the role sees the whole corpus.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleOperator
}

// Principal is the authenticated caller of a core operation.
type Principal struct {
	UserID  int64  `json:"user_id"`
	Role    Role   `json:"role"`
	BuyerID *int64 `json:"buyer_id,omitempty"`
}

// User is a row of the users table used to resolve API keys.
type User struct {
	ID         int64
	Name       string
	Role       Role
	BuyerID    *int64
	Active     bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Principal returns the authorization view of the user.
func (u *User) Principal() Principal {
	return Principal{UserID: u.ID, Role: u.Role, BuyerID: u.BuyerID}
}
