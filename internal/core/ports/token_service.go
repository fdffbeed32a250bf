package ports

import "time"

// TokenService mints and verifies bearer tokens.
type TokenService interface {
	Issue(identity, role string) (string, error)
	Decode(token string) (identity, role string, err error)
	ExtractIdentity(token string) (string, error)
	ExtractRole(token string) (string, error)
	Validate(token string) bool
	TTL() time.Duration
}
