package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/retail/inventory-auth/internal/core/domain"
	"github.com/retail/inventory-auth/internal/core/ports"
)

const defaultCacheTTL = 5 * time.Minute

// CachedCredentialRepository wraps a CredentialRepository with a Redis
// read-through cache for FindByUsername.
// Key format: credential:<username>
//
// Only hits are cached. Records are immutable, so an entry never goes stale;
// misses always reach the backing store so a fresh registration is visible
// at once. Redis failures are logged and the call falls through.
//
// Entries hold the bcrypt hash, so Redis stores credential material and needs
// the same access control and encryption as the primary store.
type CachedCredentialRepository struct {
	next   ports.CredentialRepository
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCachedCredentialRepository(next ports.CredentialRepository, client *redis.Client, ttl time.Duration, log zerolog.Logger) *CachedCredentialRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedCredentialRepository{next: next, client: client, ttl: ttl, log: log}
}

type cachedCredential struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *CachedCredentialRepository) FindByUsername(ctx context.Context, username string) (*domain.User, error) {
	user, err := c.get(ctx, username)
	switch {
	case err == nil:
		return user, nil
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("username", username).Msg("credential cache read failed, using store")
	}

	user, err = c.next.FindByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	c.put(ctx, user)
	return user, nil
}

func (c *CachedCredentialRepository) Save(ctx context.Context, user *domain.User) (*domain.User, error) {
	saved, err := c.next.Save(ctx, user)
	if err != nil {
		return nil, err
	}
	c.put(ctx, saved)
	return saved, nil
}

func (c *CachedCredentialRepository) get(ctx context.Context, username string) (*domain.User, error) {
	raw, err := c.client.Get(ctx, c.key(username)).Bytes()
	if err != nil {
		return nil, err
	}
	return decodeCredential(raw)
}

func (c *CachedCredentialRepository) put(ctx context.Context, user *domain.User) {
	raw, err := encodeCredential(user)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(user.Username), raw, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("username", user.Username).Msg("credential cache write failed")
	}
}

// encodeCredential serialises the full record, password hash included.
func encodeCredential(user *domain.User) ([]byte, error) {
	return json.Marshal(cachedCredential{
		ID:           user.ID,
		Username:     user.Username,
		PasswordHash: user.PasswordHash,
		Role:         user.Role,
		CreatedAt:    user.CreatedAt,
	})
}

func decodeCredential(raw []byte) (*domain.User, error) {
	var cc cachedCredential
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode cached credential: %w", err)
	}
	return &domain.User{
		ID:           cc.ID,
		Username:     cc.Username,
		PasswordHash: cc.PasswordHash,
		Role:         cc.Role,
		CreatedAt:    cc.CreatedAt,
	}, nil
}

func (c *CachedCredentialRepository) key(username string) string {
	return fmt.Sprintf("credential:%s", username)
}
