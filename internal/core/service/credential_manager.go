package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
	"github.com/retail/inventory-auth/internal/pkg/password"
)

// CredentialManager registers and looks up users against a CredentialRepository.
//
// Register checks for an existing username before writing, but the check and
// the write are not atomic: two concurrent registrations of the same username
// can both pass the check. The repository's unique index decides the winner and
// the loser gets domain.ErrUserExists, the same as a pre-check hit.
type CredentialManager struct {
	repo   ports.CredentialRepository
	hasher password.Hasher
	now    func() time.Time
	log    zerolog.Logger
}

func NewCredentialManager(repo ports.CredentialRepository, hasher password.Hasher, log zerolog.Logger) *CredentialManager {
	return &CredentialManager{
		repo:   repo,
		hasher: hasher,
		now:    time.Now,
		log:    log,
	}
}

// Register hashes rawPassword and stores a new record for username. An existing
// record yields domain.ErrUserExists and nothing is written.
func (m *CredentialManager) Register(ctx context.Context, username, rawPassword, role string) (*domain.User, error) {
	if username == "" || rawPassword == "" {
		return nil, domain.ErrInvalidCredentials
	}

	// 1. Fast-path duplicate check.
	_, found, err := m.FindByIdentity(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if found {
		m.log.Debug().Str("username", username).Msg("registration rejected, username taken")
		return nil, domain.ErrUserExists
	}

	// 2. Hash with a fresh salt.
	hash, err := m.hasher.Hash(rawPassword)
	if err != nil {
		return nil, fmt.Errorf("register: %w: %w", domain.ErrInvalidCredentials, err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    m.now().UTC(),
	}

	// 3. Persist. The unique index is the real guard against concurrent signups.
	saved, err := m.repo.Save(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			m.log.Debug().Str("username", username).Msg("registration lost race on unique index")
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("register: %w", err)
	}

	m.log.Info().
		Str("username", saved.Username).
		Str("role", saved.Role).
		Msg("user registered")

	return saved, nil
}

// FindByIdentity returns the stored record for username. A missing record is
// reported as found == false with a nil error.
func (m *CredentialManager) FindByIdentity(ctx context.Context, username string) (*domain.User, bool, error) {
	user, err := m.repo.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return user, true, nil
}

// Authenticate checks rawPassword against the stored hash. Unknown usernames and
// wrong passwords both return domain.ErrInvalidCredentials.
func (m *CredentialManager) Authenticate(ctx context.Context, username, rawPassword string) (*domain.User, error) {
	if username == "" || rawPassword == "" {
		return nil, domain.ErrInvalidCredentials
	}

	user, found, err := m.FindByIdentity(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !found || !m.hasher.Check(user.PasswordHash, rawPassword) {
		return nil, domain.ErrInvalidCredentials
	}
	return user, nil
}
