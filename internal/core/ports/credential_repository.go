package ports

import (
	"context"

	"github.com/retail/inventory-auth/internal/core/domain"
)

// CredentialRepository is the persistence boundary for credential records.
// Username must be uniquely indexed by every implementation.
type CredentialRepository interface {
	// FindByUsername returns domain.ErrUserNotFound when no record exists.
	FindByUsername(ctx context.Context, username string) (*domain.User, error)
	// Save returns domain.ErrUserExists when the unique index rejects the insert.
	Save(ctx context.Context, user *domain.User) (*domain.User, error)
}
