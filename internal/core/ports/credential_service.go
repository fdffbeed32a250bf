package ports

import (
	"context"

	"github.com/retail/inventory-auth/internal/core/domain"
)

type CredentialService interface {
	Register(ctx context.Context, username, password, role string) (*domain.User, error)
	FindByIdentity(ctx context.Context, username string) (*domain.User, bool, error)
	Authenticate(ctx context.Context, username, password string) (*domain.User, error)
}
