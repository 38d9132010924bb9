package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/escalation"
	"github.com/pitabwire/escalate/internal/idempotency"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/model"
)

// EscalationService is the engine surface exposed over HTTP.
type EscalationService interface {
	EvaluateWorkflowConditions(ctx context.Context, instanceID string, extra map[string]any) (escalation.EvaluationReport, error)
	ProcessEscalations(ctx context.Context) (escalation.RunSummary, error)
	CreateEscalationRule(ctx context.Context, workflowID string, stepID *string, spec escalation.RuleSpec) (model.EscalationRule, error)
	GetEscalationStatistics(ctx context.Context, workflowID string) (escalation.Statistics, error)
	ResolveEscalation(ctx context.Context, escalationID, method string) (model.EscalationInstance, error)
}

func handleEvaluate(svc EscalationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Context map[string]any `json:"context"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		report, err := svc.EvaluateWorkflowConditions(r.Context(), instanceID, body.Context)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handleScan(svc EscalationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := svc.ProcessEscalations(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		if summary.LeaseHeld {
			WriteError(w, model.NewScanInProgressError())
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

// IdempotencyKeyHeader lets clients retry rule creation without creating
// duplicates.
const IdempotencyKeyHeader = "X-Idempotency-Key"

func handleCreateRule(svc EscalationService, idem idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflowID := chi.URLParam(r, "workflowId")

		var body struct {
			StepID *string `json:"step_id"`
			escalation.RuleSpec
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		var key, hash string
		if clientKey := r.Header.Get(IdempotencyKeyHeader); clientKey != "" && idem != nil {
			var err error
			key = idempotency.Key(workflowID, clientKey)
			hash, err = idempotency.HashInput(body)
			if err != nil {
				WriteError(w, err)
				return
			}
			cached, found, err := idem.Check(r.Context(), key, hash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				WriteJSON(w, http.StatusCreated, cached)
				return
			}
		}

		rule, err := svc.CreateEscalationRule(r.Context(), workflowID, body.StepID, body.RuleSpec)
		if err != nil {
			WriteError(w, err)
			return
		}

		if key != "" {
			if err := idem.Save(r.Context(), key, hash, rule, ttl); err != nil {
				observability.LoggerFrom(r.Context(), zap.NewNop()).Warn("idempotency save failed",
					zap.String("rule_id", rule.ID), zap.Error(err))
			}
		}
		WriteJSON(w, http.StatusCreated, rule)
	}
}

func handleStatistics(svc EscalationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.GetEscalationStatistics(r.Context(), r.URL.Query().Get("workflow_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func handleResolve(svc EscalationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		escalationID := chi.URLParam(r, "escalationId")

		var body struct {
			Method string `json:"method"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		esc, err := svc.ResolveEscalation(r.Context(), escalationID, body.Method)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, esc)
	}
}
