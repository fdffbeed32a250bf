// Package password hashes and verifies user passwords with bcrypt.
package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher produces salted one-way hashes and checks passwords against them.
type Hasher interface {
	Hash(password string) (string, error)
	Check(hash, password string) bool
}

// BcryptHasher is a Hasher backed by bcrypt. Every call to Hash draws a fresh
// random salt, so hashing the same password twice yields different output.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher with the given cost. Values outside
// bcrypt's accepted range fall back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (h *BcryptHasher) Check(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Cost reports the work factor new hashes are generated with.
func (h *BcryptHasher) Cost() int {
	return h.cost
}
