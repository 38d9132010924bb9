// Package idempotency deduplicates retried escalation rule creation. A
// client that repeats a create request with the same idempotency key gets
// the rule created by the first request instead of a duplicate.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/escalate/model"
)

// Store records the rule created for an idempotency key.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the stored rule. If the key exists but
	// the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (rule *model.EscalationRule, found bool, err error)

	// Save stores the rule created for key until ttl elapses.
	Save(ctx context.Context, key, inputHash string, rule model.EscalationRule, ttl time.Duration) error
}

type entry struct {
	InputHash string               `json:"input_hash"`
	Rule      model.EscalationRule `json:"rule"`
}

// Key builds the stored key for a client key within a workflow.
func Key(workflowID, clientKey string) string {
	return fmt.Sprintf("idem:escalation-rule:%s:%s", workflowID, clientKey)
}

// HashInput hashes a request payload for comparison across retries.
func HashInput(input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("idempotency: hash input: %w", err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

func mismatch(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-process Store for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check looks up key, dropping it when expired.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.EscalationRule, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	if e.data.InputHash != inputHash {
		return nil, true, mismatch(key)
	}
	rule := e.data.Rule
	return &rule, true, nil
}

// Save stores rule under key.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, rule model.EscalationRule, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Rule: rule},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore keeps entries in Redis so every replica sees them.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("idempotency: redis ping: %w", err)
	}
	return nil
}

// Check looks up key in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.EscalationRule, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode entry %q: %w", key, err)
	}
	if e.InputHash != inputHash {
		return nil, true, mismatch(key)
	}
	return &e.Rule, true, nil
}

// Save stores rule under key with a Redis TTL.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, rule model.EscalationRule, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Rule: rule})
	if err != nil {
		return fmt.Errorf("idempotency: encode entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set %q: %w", key, err)
	}
	return nil
}
