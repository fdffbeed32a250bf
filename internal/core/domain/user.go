package domain

import "time"

const (
	RoleAdmin = "admin"
	RoleClerk = "clerk"
)

// User is the stored credential record for a single identity. Records are
// immutable once saved.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
