package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/escalate/internal/lock"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t)

	resp := h.GET("/healthz", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		var body map[string]string
		h.AssertJSON(t, h.GET("/healthz", ""), http.StatusOK, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %q, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/readyz", ""), http.StatusOK, &body)
		for _, name := range []string{"store", "lock", "notifier", "idempotency"} {
			if body.Checks[name]["status"] != "ok" {
				t.Errorf("check %s = %v", name, body.Checks[name])
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/metrics", ""), http.StatusOK)
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/v1/escalations/statistics", ""), http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(AdminClaims())
		h.AssertStatus(t, h.GET("/v1/escalations/statistics", token), http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		h.AssertStatus(t, h.GET("/v1/escalations/statistics", "invalid-token"), http.StatusUnauthorized)
	})

	t.Run("valid token passes", func(t *testing.T) {
		token := h.GenerateToken(AdminClaims())
		h.AssertStatus(t, h.GET("/v1/escalations/statistics", token), http.StatusOK)
	})
}

func TestHarness_SeededRules(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	groups, err := h.Store.ListActiveConditionGroups(ctx, "purchase-approval")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "high-value" {
		t.Errorf("groups = %s", FormatJSON(groups))
	}

	rules, err := h.Store.ListActiveEscalationRules(ctx, "purchase-approval")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "manager-review-overdue" || !rules[0].AppliesTo("manager-review") {
		t.Errorf("rules = %s", FormatJSON(rules))
	}
}

func TestHarness_ScanLeaseHeld(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(OperatorClaims())
	h.SeedPurchase(PurchaseFixture{InstanceID: "wi-1", StepID: "st-1", Amount: 120, Category: "office", StartedHoursAgo: 30})

	release, ok, err := h.Locker.Acquire(context.Background(), lock.ScanLockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire() = %v, %v", ok, err)
	}

	h.AssertErrorCode(t, h.POST("/v1/escalations/scan", nil, token), http.StatusConflict, "SCAN_IN_PROGRESS")
	if n := len(h.Escalations("st-1")); n != 0 {
		t.Errorf("escalations created while lease held: %d", n)
	}

	if err := release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}
	if summary := scan(t, h, token); summary.NewEscalations != 1 {
		t.Errorf("scan after release = %s", FormatJSON(summary))
	}
}
