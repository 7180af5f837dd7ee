package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList invalidates operator tokens before they expire
type RevocationList interface {
	// Revoke revokes one token by its JTI. ttl should be the token's remaining lifetime.
	Revoke(ctx context.Context, jti string, ttl time.Duration) error

	// IsRevoked checks if a token's JTI has been revoked
	IsRevoked(ctx context.Context, jti string) (bool, error)

	// RevokeOperator revokes every token issued to operator up to now
	RevokeOperator(ctx context.Context, operator string, ttl time.Duration) error

	// IsOperatorRevoked checks if a token issued at issuedAt predates the operator's revocation
	IsOperatorRevoked(ctx context.Context, operator string, issuedAt time.Time) (bool, error)
}

// RedisRevocationList implements RevocationList using Redis, so every
// server process sees the same revocations
type RedisRevocationList struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedisRevocationList creates a revocation list on an existing Redis client
func NewRedisRevocationList(client *redis.Client, keyPrefix string) *RedisRevocationList {
	if keyPrefix == "" {
		keyPrefix = "marketsync:revoked:"
	}
	return &RedisRevocationList{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func (l *RedisRevocationList) jtiKey(jti string) string {
	return l.keyPrefix + "jti:" + jti
}

func (l *RedisRevocationList) operatorKey(operator string) string {
	return l.keyPrefix + "operator:" + operator
}

// Revoke stores the JTI with ttl
func (l *RedisRevocationList) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.jtiKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked checks if a token's JTI has been revoked
func (l *RedisRevocationList) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := l.client.Exists(ctx, l.jtiKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists > 0, nil
}

// RevokeOperator stores the current Unix time as the operator's revocation time
func (l *RedisRevocationList) RevokeOperator(ctx context.Context, operator string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.operatorKey(operator), l.now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke operator tokens: %w", err)
	}
	return nil
}

// IsOperatorRevoked checks if a token was issued at or before the operator's revocation time
func (l *RedisRevocationList) IsOperatorRevoked(ctx context.Context, operator string, issuedAt time.Time) (bool, error) {
	value, err := l.client.Get(ctx, l.operatorKey(operator)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check operator revocation: %w", err)
	}
	revokedAt, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return false, fmt.Errorf("failed to parse revocation timestamp: %w", err)
	}
	return issuedAt.Unix() <= revokedAt, nil
}

// Ensure RedisRevocationList implements RevocationList
var _ RevocationList = (*RedisRevocationList)(nil)

// InMemoryRevocationList keeps revocations in process memory. Revocations are
// lost on restart and not shared between processes.
type InMemoryRevocationList struct {
	mu        sync.Mutex
	tokens    map[string]time.Time // JTI -> expiration
	operators map[string]time.Time // operator -> revocation time
	now       func() time.Time
}

// NewInMemoryRevocationList creates a new in-memory revocation list
func NewInMemoryRevocationList() *InMemoryRevocationList {
	return &InMemoryRevocationList{
		tokens:    make(map[string]time.Time),
		operators: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Revoke revokes a token until ttl elapses
func (l *InMemoryRevocationList) Revoke(_ context.Context, jti string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens[jti] = l.now().Add(ttl)
	return nil
}

// IsRevoked checks if a token's JTI is revoked and not yet expired
func (l *InMemoryRevocationList) IsRevoked(_ context.Context, jti string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiration, exists := l.tokens[jti]
	if !exists {
		return false, nil
	}
	if l.now().After(expiration) {
		delete(l.tokens, jti)
		return false, nil
	}
	return true, nil
}

// RevokeOperator revokes every token issued to operator up to now
func (l *InMemoryRevocationList) RevokeOperator(_ context.Context, operator string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.operators[operator] = l.now()
	return nil
}

// IsOperatorRevoked checks if a token was issued at or before the operator's revocation time
func (l *InMemoryRevocationList) IsOperatorRevoked(_ context.Context, operator string, issuedAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	revokedAt, exists := l.operators[operator]
	if !exists {
		return false, nil
	}
	return !issuedAt.After(revokedAt), nil
}

// Ensure InMemoryRevocationList implements RevocationList
var _ RevocationList = (*InMemoryRevocationList)(nil)
