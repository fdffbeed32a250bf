package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/retail/inventory-auth/internal/core/domain"
)

const uniqueViolation = "23505"

// CredentialRepository persists credentials in PostgreSQL.
type CredentialRepository struct {
	pool *pgxpool.Pool
}

func NewCredentialRepository(pool *pgxpool.Pool) *CredentialRepository {
	return &CredentialRepository{pool: pool}
}

func (r *CredentialRepository) Save(ctx context.Context, user *domain.User) (*domain.User, error) {
	const query = `
INSERT INTO credentials (id, username, password_hash, role, created_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, username, password_hash, role, created_at
`
	row := r.pool.QueryRow(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		user.Role,
		user.CreatedAt,
	)
	saved, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("insert credential: %w", err)
	}
	return saved, nil
}

func (r *CredentialRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	const query = `
SELECT id, username, password_hash, role, created_at
FROM credentials WHERE username = $1
`
	user, err := scanUser(r.pool.QueryRow(ctx, query, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}
	return user, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
