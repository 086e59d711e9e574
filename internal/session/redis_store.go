// Package session stores the opaque bearer tokens issued at sign-in.
// Tokens live only in Redis; revoking one is a key delete and expiry is
// the key TTL.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound covers unknown, expired and revoked tokens alike.
var ErrTokenNotFound = errors.New("token not found or expired")

// TokenData is what a valid token resolves to.
type TokenData struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements auth token storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "token:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// HashToken maps a raw bearer token to its storage key. Only the hash ever
// touches Redis.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a fresh token for the user and stores its hash with the
// configured TTL. The raw token is returned once and never persisted.
func (s *RedisStore) Issue(ctx context.Context, userID, username string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	data := TokenData{
		UserID:    userID,
		Username:  username,
		CreatedAt: time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal token data: %w", err)
	}

	if err := s.client.Set(ctx, s.key(HashToken(token)), jsonData, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("save token: %w", err)
	}
	return token, nil
}

// Lookup resolves a raw bearer token to its user.
func (s *RedisStore) Lookup(ctx context.Context, token string) (TokenData, error) {
	jsonData, err := s.client.Get(ctx, s.key(HashToken(token))).Result()
	if err == redis.Nil {
		return TokenData{}, ErrTokenNotFound
	}
	if err != nil {
		return TokenData{}, fmt.Errorf("lookup token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return TokenData{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return data, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(HashToken(token))).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
