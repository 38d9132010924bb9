// Package lock provides the lease that keeps concurrent scanner replicas
// from processing the same candidates at once.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive, expiring leases by key.
type Locker interface {
	// Acquire takes the lease if it is free. acquired is false when another
	// holder has it. The returned release func is nil unless acquired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, acquired bool, err error)

	Ping(ctx context.Context) error
}

// ScanLockKey is the lease key used by the escalation scanner.
const ScanLockKey = "escalate:scan"

// --- MemoryLocker ---

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memLease
	now    func() time.Time
}

type memLease struct {
	token     string
	expiresAt time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memLease), now: time.Now}
}

// Acquire takes the lease if it is free or expired.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if held, ok := l.leases[key]; ok && l.now().Before(held.expiresAt) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memLease{token: token, expiresAt: l.now().Add(ttl)}

	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.leases[key]; ok && held.token == token {
			delete(l.leases, key)
		}
		return nil
	}
	return release, true, nil
}

// Ping always succeeds.
func (l *MemoryLocker) Ping(context.Context) error { return nil }

// --- RedisLocker ---

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Redis-backed Locker using SET NX PX leases.
type RedisLocker struct {
	client redis.Cmdable
}

// NewRedisLocker creates a Redis-backed locker.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// Acquire sets key to a fresh token unless it already exists.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("redis release %q: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Ping checks Redis connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
