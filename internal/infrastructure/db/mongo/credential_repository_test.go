package mongo

import (
	"testing"
	"time"
)

func TestCredentialDoc_ToDomain(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 123_000_000, time.UTC)
	doc := credentialDoc{
		ID:           "u1",
		Username:     "alice",
		PasswordHash: "$2a$10$hash",
		Role:         "clerk",
		CreatedAt:    created.UnixMilli(),
	}

	user := doc.toDomain()
	if user.ID != "u1" || user.Username != "alice" || user.PasswordHash != "$2a$10$hash" || user.Role != "clerk" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if !user.CreatedAt.Equal(created) {
		t.Fatalf("expected %s, got %s", created, user.CreatedAt)
	}
}

func TestMillisToTime_Zero(t *testing.T) {
	if !millisToTime(0).IsZero() {
		t.Fatalf("expected zero time for 0 millis")
	}
}
