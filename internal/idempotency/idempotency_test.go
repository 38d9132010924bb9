package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/escalate/model"
)

func testRule() model.EscalationRule {
	step := "manager-review"
	return model.EscalationRule{
		ID:                  "rule-1",
		WorkflowID:          "purchase-approval",
		StepID:              &step,
		Name:                "Overdue review",
		IsActive:            true,
		EscalationChain:     model.EscalationChain{model.UserTarget{UserID: "u-lead"}},
		MaxEscalationLevels: 3,
	}
}

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, s Store, expire func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	key := Key("purchase-approval", "client-key-1")

	if _, found, err := s.Check(ctx, key, "hash-a"); err != nil || found {
		t.Fatalf("Check on empty store = (%v, %v), want not found", found, err)
	}

	if err := s.Save(ctx, key, "hash-a", testRule(), time.Minute); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rule, found, err := s.Check(ctx, key, "hash-a")
	if err != nil || !found {
		t.Fatalf("Check = (%v, %v), want found", found, err)
	}
	if rule.ID != "rule-1" || rule.StepID == nil || *rule.StepID != "manager-review" {
		t.Errorf("rule = %+v", rule)
	}
	if len(rule.EscalationChain) != 1 {
		t.Errorf("chain = %v", rule.EscalationChain)
	}

	_, found, err = s.Check(ctx, key, "hash-b")
	if !found || !model.HasCode(err, model.ErrConflict) {
		t.Errorf("Check with other input = (%v, %v), want CONFLICT", found, err)
	}

	expire(2 * time.Minute)
	if _, found, err := s.Check(ctx, key, "hash-a"); err != nil || found {
		t.Errorf("Check after ttl = (%v, %v), want not found", found, err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	storeContract(t, s, func(d time.Duration) { now = now.Add(d) })

	if s.Len() != 0 {
		t.Errorf("Len() = %d, expired entry not dropped", s.Len())
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	storeContract(t, s, mr.FastForward)
}

func TestRedisStore_backendFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	s := NewRedisStore(client)
	if _, _, err := s.Check(context.Background(), "k", "h"); err == nil {
		t.Error("Check with Redis down should fail")
	}
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck with Redis down should fail")
	}
}

func TestHashInput(t *testing.T) {
	a, err := HashInput(map[string]any{"name": "x", "levels": 2})
	if err != nil {
		t.Fatalf("HashInput: %v", err)
	}
	b, _ := HashInput(map[string]any{"levels": 2, "name": "x"})
	c, _ := HashInput(map[string]any{"name": "y", "levels": 2})

	if a != b {
		t.Error("hash depends on map order")
	}
	if a == c {
		t.Error("different inputs share a hash")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestKey(t *testing.T) {
	if got := Key("wf-1", "abc"); got != "idem:escalation-rule:wf-1:abc" {
		t.Errorf("Key() = %q", got)
	}
}
