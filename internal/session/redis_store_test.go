package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestIssueAndLookup(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	token, err := store.Issue(ctx, "user-123", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}

	data, err := store.Lookup(ctx, token)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if data.UserID != "user-123" || data.Username != "alice" {
		t.Errorf("unexpected token data: %+v", data)
	}
}

func TestLookupStoresOnlyHashes(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	defer store.Close()
	defer s.Close()

	token, err := store.Issue(context.Background(), "user-123", "alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if s.Exists("token:" + token) {
		t.Error("raw token must never be a redis key")
	}
	if !s.Exists("token:" + HashToken(token)) {
		t.Error("expected the token hash as the redis key")
	}
}

func TestLookupExpiredToken(t *testing.T) {
	store, s := setupTestRedis(t, time.Second)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	token, err := store.Issue(ctx, "user-456", "bob")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	if _, err := store.Lookup(ctx, token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound for expired token, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	token, err := store.Issue(ctx, "user-789", "carol")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := store.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := store.Lookup(ctx, token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("expected ErrTokenNotFound after revoke, got %v", err)
	}

	// Revoking again is a no-op.
	if err := store.Revoke(ctx, token); err != nil {
		t.Errorf("Revoke of unknown token failed: %v", err)
	}
}

func TestTokensAreIndependent(t *testing.T) {
	store, s := setupTestRedis(t, time.Hour)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	first, err := store.Issue(ctx, "user-1", "alice")
	if err != nil {
		t.Fatalf("Issue 1 failed: %v", err)
	}
	second, err := store.Issue(ctx, "user-2", "bob")
	if err != nil {
		t.Fatalf("Issue 2 failed: %v", err)
	}

	if err := store.Revoke(ctx, first); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	data, err := store.Lookup(ctx, second)
	if err != nil {
		t.Fatalf("Lookup after revoke failed: %v", err)
	}
	if data.UserID != "user-2" {
		t.Errorf("expected user-2, got %s", data.UserID)
	}
}
