package service

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/retail/inventory-auth/internal/core/domain"
)

const (
	// DefaultTokenTTL is the validity window of an issued token.
	DefaultTokenTTL = time.Hour
	// SigningKeySize is the length in bytes of generated HS256 keys.
	SigningKeySize = 32
)

var (
	errMissingRole     = errors.New("missing role claim")
	errMissingIssuedAt = errors.New("missing iat claim")
)

// tokenClaims is the payload carried by every token: sub, role, iat, exp.
// Role is a pointer so an absent claim can be told apart from an empty one.
// sub is not required: Issue("", role) omits it (omitempty) and the token
// must still decode to an empty identity.
//
// iat and exp shadow the registered fields so they keep nanosecond precision
// on the wire; jwt.NumericDate truncates to whole seconds.
type tokenClaims struct {
	Role      *string    `json:"role"`
	IssuedAt  *exactDate `json:"iat,omitempty"`
	ExpiresAt *exactDate `json:"exp,omitempty"`
	jwt.RegisteredClaims
}

func (c tokenClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return c.ExpiresAt.numeric(), nil
}

func (c tokenClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return c.IssuedAt.numeric(), nil
}

// Validate is invoked by the jwt parser after the registered claims pass.
func (c tokenClaims) Validate() error {
	if c.Role == nil {
		return errMissingRole
	}
	if c.IssuedAt == nil {
		return errMissingIssuedAt
	}
	return nil
}

// TokenService issues and verifies HS256 tokens. The signing key is copied at
// construction and never mutated, so one instance is safe for concurrent use.
type TokenService struct {
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

// TokenOption customises a TokenService at construction.
type TokenOption func(*TokenService)

// WithClock replaces the time source used for iat, exp and expiry checks.
func WithClock(now func() time.Time) TokenOption {
	return func(s *TokenService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenService builds a TokenService bound to key. A non-positive ttl
// falls back to DefaultTokenTTL.
func NewTokenService(key []byte, ttl time.Duration, opts ...TokenOption) (*TokenService, error) {
	if len(key) == 0 {
		return nil, errors.New("token service: signing key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	s := &TokenService{
		key: append([]byte(nil), key...),
		ttl: ttl,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	return s, nil
}

// GenerateSigningKey returns a fresh random key suitable for NewTokenService.
func GenerateSigningKey() ([]byte, error) {
	key := make([]byte, SigningKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// TTL reports how long issued tokens stay valid.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for identity carrying role. Inputs are not validated.
func (s *TokenService) Issue(identity, role string) (string, error) {
	now := s.now()
	claims := tokenClaims{
		Role:      &role,
		IssuedAt:  &exactDate{now},
		ExpiresAt: &exactDate{now.Add(s.ttl)},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: identity,
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Decode verifies the token and returns its subject and role claim. Every
// failure wraps domain.ErrInvalidToken.
func (s *TokenService) Decode(token string) (string, string, error) {
	claims := &tokenClaims{}
	parsed, err := s.parser.ParseWithClaims(token, claims, s.keyFunc)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return "", "", domain.ErrInvalidToken
	}

	// Checked here as well so expiry never depends on parser options alone.
	if claims.ExpiresAt == nil || !s.now().Before(claims.ExpiresAt.Time) {
		return "", "", fmt.Errorf("%w: %w", domain.ErrInvalidToken, jwt.ErrTokenExpired)
	}

	return claims.Subject, *claims.Role, nil
}

func (s *TokenService) ExtractIdentity(token string) (string, error) {
	identity, _, err := s.Decode(token)
	return identity, err
}

func (s *TokenService) ExtractRole(token string) (string, error) {
	_, role, err := s.Decode(token)
	return role, err
}

// Validate reports whether Decode would succeed. Callers learn nothing about
// why a token was rejected.
func (s *TokenService) Validate(token string) bool {
	_, _, err := s.Decode(token)
	return err == nil
}

func (s *TokenService) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return s.key, nil
}

// exactDate is a NumericDate (seconds since the epoch, as a JSON number) that
// round-trips to the nanosecond. Fractional seconds are written as an exact
// decimal and parsed without going through float64.
type exactDate struct {
	time.Time
}

func (d *exactDate) numeric() *jwt.NumericDate {
	if d == nil {
		return nil
	}
	return &jwt.NumericDate{Time: d.Time}
}

func (d exactDate) MarshalJSON() ([]byte, error) {
	sec, nsec := d.Unix(), d.Nanosecond()
	if nsec == 0 {
		return strconv.AppendInt(nil, sec, 10), nil
	}
	frac := strings.TrimRight(fmt.Sprintf("%09d", nsec), "0")
	return []byte(strconv.FormatInt(sec, 10) + "." + frac), nil
}

func (d *exactDate) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("could not parse numeric date: %w", err)
	}
	t, err := parseNumericDate(n.String())
	if err != nil {
		return fmt.Errorf("could not parse numeric date: %w", err)
	}
	d.Time = t
	return nil
}

// parseNumericDate reads plain decimals exactly and falls back to float64 for
// exponent forms.
func parseNumericDate(s string) (time.Time, error) {
	if !strings.ContainsAny(s, "eE") {
		whole, frac, _ := strings.Cut(s, ".")
		sec, err := strconv.ParseInt(whole, 10, 64)
		if err == nil && len(frac) <= 9 && !strings.HasPrefix(whole, "-") {
			var nsec int64
			if frac != "" {
				nsec, err = strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
			}
			if err == nil {
				return time.Unix(sec, nsec).UTC(), nil
			}
		}
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
