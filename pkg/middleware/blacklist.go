package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Blacklist is a key-expiry store for revoked session tokens. Entries
// expire on their own once the underlying session would have expired
// anyway, so the store never needs explicit cleanup.
type Blacklist interface {
	Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// RedisBlacklist shares revocations across instances
type RedisBlacklist struct {
	client *redis.Client
	prefix string
}

// NewRedisBlacklist creates a Redis-backed token blacklist
func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client, prefix: "blacklist:"}
}

// Revoke marks a token hash revoked until ttl elapses
func (b *RedisBlacklist) Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := b.client.Set(ctx, b.prefix+tokenHash, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token hash has been revoked
func (b *RedisBlacklist) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := b.client.Exists(ctx, b.prefix+tokenHash).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return n > 0, nil
}

// MemoryBlacklist is a single-instance fallback used in tests and when
// Redis is not configured.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryBlacklist creates an in-memory token blacklist
func NewMemoryBlacklist() *MemoryBlacklist {
	return &MemoryBlacklist{entries: make(map[string]time.Time)}
}

// Revoke marks a token hash revoked until ttl elapses
func (b *MemoryBlacklist) Revoke(_ context.Context, tokenHash string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tokenHash] = time.Now().Add(ttl)
	return nil
}

// IsRevoked reports whether a token hash has been revoked
func (b *MemoryBlacklist) IsRevoked(_ context.Context, tokenHash string) (bool, error) {
	b.mu.RLock()
	expiry, ok := b.entries[tokenHash]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		b.mu.Lock()
		delete(b.entries, tokenHash)
		b.mu.Unlock()
		return false, nil
	}
	return true, nil
}
