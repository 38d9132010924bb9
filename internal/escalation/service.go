package escalation

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/action"
	"github.com/pitabwire/escalate/internal/condition"
	"github.com/pitabwire/escalate/internal/definition"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

// RuleSpec is the caller-supplied part of a new escalation rule.
type RuleSpec struct {
	Name                       string                   `json:"name"`
	IsActive                   *bool                    `json:"is_active,omitempty"`
	TriggerAfterHours          *float64                 `json:"trigger_after_hours,omitempty"`
	TriggerConditions          *model.TriggerConditions `json:"trigger_conditions,omitempty"`
	EscalationChain            model.EscalationChain    `json:"escalation_chain"`
	MaxEscalationLevels        int                      `json:"max_escalation_levels,omitempty"`
	NotificationIntervals      []float64                `json:"notification_intervals,omitempty"`
	BusinessHoursOnly          bool                     `json:"business_hours_only"`
	ExcludeWeekends            bool                     `json:"exclude_weekends"`
	AutoApproveAfterEscalation bool                     `json:"auto_approve_after_escalation"`
	PriorityMultiplier         float64                  `json:"priority_multiplier,omitempty"`
}

// GroupReport is the outcome of one condition group in an evaluation.
type GroupReport struct {
	GroupID          string                  `json:"group_id"`
	Name             string                  `json:"name"`
	Result           bool                    `json:"result"`
	ConditionResults []model.ConditionResult `json:"condition_results"`
	EvaluationID     string                  `json:"evaluation_id"`
	// Action counts are zero when the group was false or has no actions.
	ActionsSucceeded int  `json:"actions_succeeded"`
	ActionsFailed    int  `json:"actions_failed"`
	PartialSuccess   bool `json:"partial_success"`
}

// EvaluationReport is the result of EvaluateWorkflowConditions.
type EvaluationReport struct {
	WorkflowInstanceID string                  `json:"workflow_instance_id"`
	ConditionGroups    []GroupReport           `json:"condition_groups"`
	ActionsExecuted    []model.ActionExecution `json:"actions_executed"`
	// Priority is the workflow priority after all actions ran.
	Priority int `json:"priority"`
}

// Statistics aggregates escalations, optionally for one workflow.
type Statistics struct {
	WorkflowID             string  `json:"workflow_id,omitempty"`
	TotalEscalations       int     `json:"total_escalations"`
	ActiveEscalations      int     `json:"active_escalations"`
	ResolvedEscalations    int     `json:"resolved_escalations"`
	ResolutionRate         float64 `json:"resolution_rate"`
	AverageResolutionHours float64 `json:"average_resolution_hours"`
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store     store.Store
	Evaluator *condition.Evaluator
	Executor  *action.Executor
	Scanner   *Scanner
	Machine   *Machine
	Validator *definition.Validator
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Service exposes the engine's operations.
type Service struct {
	store     store.Store
	evaluator *condition.Evaluator
	executor  *action.Executor
	scanner   *Scanner
	machine   *Machine
	validator *definition.Validator
	now       func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewService creates a service.
func NewService(cfg ServiceConfig) *Service {
	s := &Service{
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		executor:  cfg.Executor,
		scanner:   cfg.Scanner,
		machine:   cfg.Machine,
		validator: cfg.Validator,
		now:       cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if s.validator == nil {
		s.validator = definition.NewValidator()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// EvaluateWorkflowConditions evaluates every active condition group of the
// instance's workflow in creation order and runs the actions of satisfied
// groups. Each group sees the changes made by earlier groups' actions. The
// evaluation row of a group is written before its actions run; everything
// commits together.
func (s *Service) EvaluateWorkflowConditions(ctx context.Context, instanceID string, extra map[string]any) (report EvaluationReport, err error) {
	ctx, span := observability.StartSpan(ctx, "conditions.evaluate",
		observability.AttrWorkflowInstanceID.String(instanceID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	report = EvaluationReport{
		WorkflowInstanceID: instanceID,
		ConditionGroups:    []GroupReport{},
		ActionsExecuted:    []model.ActionExecution{},
	}
	var recorded []func()

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		inst, err := tx.GetWorkflowInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		span.SetAttributes(observability.AttrWorkflowID.String(inst.WorkflowID))
		original := inst

		groups, err := tx.ListActiveConditionGroups(ctx, inst.WorkflowID)
		if err != nil {
			return fmt.Errorf("list condition groups: %w", err)
		}

		for _, group := range groups {
			span.AddEvent("condition_group", trace.WithAttributes(
				observability.AttrConditionGroupID.String(group.ID),
			))
			res := s.evaluator.EvaluateGroup(ctx, group, inst, extra)
			ev := model.ConditionEvaluation{
				ID:                 uuid.NewString(),
				ConditionGroupID:   group.ID,
				WorkflowInstanceID: inst.ID,
				Result:             res.Result,
				ConditionResults:   res.ConditionResults,
				Context:            res.ActualValues,
				EvaluatedAt:        s.now(),
			}
			if err := tx.AppendConditionEvaluation(ctx, ev); err != nil {
				s.logger.Warn("condition evaluation not recorded",
					zap.String("group_id", group.ID), zap.Error(err))
				return fmt.Errorf("record evaluation of group %s: %w", group.ID, err)
			}
			recorded = append(recorded, func() {
				s.metrics.RecordConditionEvaluation(inst.WorkflowID, res.Result)
			})
			gr := GroupReport{
				GroupID:          group.ID,
				Name:             group.Name,
				Result:           res.Result,
				ConditionResults: res.ConditionResults,
				EvaluationID:     ev.ID,
			}
			if !res.Result || len(group.Actions) == 0 {
				report.ConditionGroups = append(report.ConditionGroups, gr)
				continue
			}

			outcome := s.executor.ExecuteActions(ctx, group, inst)
			for _, ex := range outcome.Executions {
				if err := tx.AppendActionExecution(ctx, ex); err != nil {
					s.logger.Warn("action execution not recorded",
						zap.String("action_id", ex.ConditionalActionID), zap.Error(err))
					return fmt.Errorf("record execution of action %s: %w", ex.ConditionalActionID, err)
				}
				recorded = append(recorded, func() {
					s.metrics.RecordActionExecution(string(ex.ActionType), ex.Status)
				})
			}
			gr.ActionsSucceeded = outcome.Succeeded
			gr.ActionsFailed = outcome.Failed
			gr.PartialSuccess = outcome.PartialSuccess()
			report.ConditionGroups = append(report.ConditionGroups, gr)
			report.ActionsExecuted = append(report.ActionsExecuted, outcome.Executions...)
			inst = outcome.Instance
		}

		report.Priority = inst.Priority
		if inst.Priority != original.Priority || !reflect.DeepEqual(inst.ContextData, original.ContextData) {
			if err := tx.UpdateWorkflowInstance(ctx, inst); err != nil {
				return fmt.Errorf("update workflow instance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return EvaluationReport{}, err
	}

	for _, record := range recorded {
		record()
	}
	observability.RequestLogger(ctx, s.logger).Info("workflow conditions evaluated",
		zap.String("workflow_instance_id", instanceID),
		zap.Int("groups", len(report.ConditionGroups)),
		zap.Int("actions", len(report.ActionsExecuted)),
	)
	return report, nil
}

// ProcessEscalations runs one escalation scan.
func (s *Service) ProcessEscalations(ctx context.Context) (RunSummary, error) {
	return s.scanner.ProcessEscalations(ctx)
}

// CreateEscalationRule validates spec and stores it as a new active rule
// for the workflow, optionally scoped to one step.
func (s *Service) CreateEscalationRule(ctx context.Context, workflowID string, stepID *string, spec RuleSpec) (model.EscalationRule, error) {
	if stepID != nil && *stepID == "" {
		stepID = nil
	}
	rule := model.EscalationRule{
		ID:                         uuid.NewString(),
		WorkflowID:                 workflowID,
		StepID:                     stepID,
		Name:                       spec.Name,
		IsActive:                   spec.IsActive == nil || *spec.IsActive,
		TriggerAfterHours:          spec.TriggerAfterHours,
		TriggerConditions:          spec.TriggerConditions,
		EscalationChain:            spec.EscalationChain,
		MaxEscalationLevels:        spec.MaxEscalationLevels,
		NotificationIntervals:      spec.NotificationIntervals,
		BusinessHoursOnly:          spec.BusinessHoursOnly,
		ExcludeWeekends:            spec.ExcludeWeekends,
		AutoApproveAfterEscalation: spec.AutoApproveAfterEscalation,
		PriorityMultiplier:         spec.PriorityMultiplier,
		CreatedAt:                  s.now().UTC(),
	}.WithDefaults()

	if errs := s.validator.ValidateEscalationRule("rule", rule); len(errs) > 0 {
		return model.EscalationRule{}, model.NewValidationError(definition.FieldErrors(errs))
	}
	if err := s.store.CreateEscalationRule(ctx, rule); err != nil {
		return model.EscalationRule{}, fmt.Errorf("create escalation rule: %w", err)
	}

	observability.RequestLogger(ctx, s.logger).Info("escalation rule created",
		zap.String("rule_id", rule.ID),
		zap.String("workflow_id", workflowID),
		zap.String("actor", model.RequestContextFrom(ctx).Actor()),
	)
	return rule, nil
}

// GetEscalationStatistics aggregates escalations. An empty workflowID
// covers every workflow.
func (s *Service) GetEscalationStatistics(ctx context.Context, workflowID string) (Statistics, error) {
	t, err := s.store.EscalationTotals(ctx, workflowID)
	if err != nil {
		return Statistics{}, fmt.Errorf("escalation totals: %w", err)
	}
	stats := Statistics{
		WorkflowID:          workflowID,
		TotalEscalations:    t.Total,
		ActiveEscalations:   t.Active,
		ResolvedEscalations: t.Resolved,
	}
	if t.Total > 0 {
		stats.ResolutionRate = round2(float64(t.Resolved) / float64(t.Total) * 100)
	}
	if t.Resolved > 0 {
		stats.AverageResolutionHours = round2(t.ResolvedDuration.Hours() / float64(t.Resolved))
	}
	return stats, nil
}

// ResolveEscalation closes an active escalation by hand. An empty method
// records a manual resolution. Auto-approval is reserved for the final
// escalation level and cannot be requested.
func (s *Service) ResolveEscalation(ctx context.Context, escalationID, method string) (model.EscalationInstance, error) {
	switch method {
	case "":
		method = model.ResolutionManual
	case model.ResolutionManual, model.ResolutionStepCompleted, model.ResolutionStepSkipped:
	default:
		return model.EscalationInstance{}, model.NewValidationError([]model.FieldError{{
			Field:   "method",
			Code:    "INVALID_ENUM",
			Message: fmt.Sprintf("must be one of %s, %s, %s", model.ResolutionManual, model.ResolutionStepCompleted, model.ResolutionStepSkipped),
		}})
	}
	var resolved model.EscalationInstance
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Store) error {
		esc, err := tx.GetEscalation(ctx, escalationID)
		if err != nil {
			return err
		}
		resolved, err = s.machine.Resolve(ctx, tx, esc, method, s.now())
		return err
	})
	if err != nil {
		return model.EscalationInstance{}, err
	}
	observability.RequestLogger(ctx, s.logger).Info("escalation resolved by request",
		zap.String("escalation_id", escalationID),
		zap.String("method", method),
		zap.String("actor", model.RequestContextFrom(ctx).Actor()),
	)
	return resolved, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
