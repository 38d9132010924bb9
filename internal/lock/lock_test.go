package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// --- MemoryLocker ---

func TestMemoryLocker_exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, ScanLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want acquired", ok, err)
	}

	_, ok, err = l.Acquire(ctx, ScanLockKey, time.Minute)
	if err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if ok {
		t.Fatal("second Acquire should not get the lease")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}
	if _, ok, _ := l.Acquire(ctx, ScanLockKey, time.Minute); !ok {
		t.Error("Acquire after release should succeed")
	}
}

func TestMemoryLocker_expiredLeaseIsReclaimed(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleRelease, ok, _ := l.Acquire(ctx, ScanLockKey, time.Minute)
	if !ok {
		t.Fatal("first Acquire failed")
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := l.Acquire(ctx, ScanLockKey, time.Minute); !ok {
		t.Fatal("expired lease should be reclaimable")
	}

	// The stale holder must not release the new lease.
	_ = staleRelease(ctx)
	if _, ok, _ := l.Acquire(ctx, ScanLockKey, time.Minute); ok {
		t.Error("stale release removed the current lease")
	}
}

// --- RedisLocker ---

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_exclusive(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, ScanLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire = (%v, %v), want acquired", ok, err)
	}
	if !mr.Exists(ScanLockKey) {
		t.Fatal("lease key not set")
	}
	if ttl := mr.TTL(ScanLockKey); ttl != time.Minute {
		t.Errorf("TTL = %v, want 1m", ttl)
	}

	if _, ok, _ := l.Acquire(ctx, ScanLockKey, time.Minute); ok {
		t.Fatal("second Acquire should not get the lease")
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}
	if mr.Exists(ScanLockKey) {
		t.Error("lease key still present after release")
	}
}

func TestRedisLocker_leaseExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	staleRelease, ok, _ := l.Acquire(ctx, ScanLockKey, time.Second)
	if !ok {
		t.Fatal("first Acquire failed")
	}
	mr.FastForward(2 * time.Second)

	_, ok, err := l.Acquire(ctx, ScanLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire after expiry = (%v, %v), want acquired", ok, err)
	}

	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release error: %v", err)
	}
	if !mr.Exists(ScanLockKey) {
		t.Error("stale release removed the current lease")
	}
}

func TestRedisLocker_backendDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	l := NewRedisLocker(client)
	mr.Close()

	if _, _, err := l.Acquire(context.Background(), ScanLockKey, time.Minute); err == nil {
		t.Fatal("expected error when redis is unavailable")
	}
	if err := l.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error when redis is unavailable")
	}
}
