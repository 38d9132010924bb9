package escalation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/condition"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

// Keys of the extra context visible to condition-based triggers.
const (
	KeyStepStartedAt = "step_started_at"
	KeyHoursElapsed  = "hours_elapsed"
	KeyStepStatus    = "step_status"
	KeyAssignedTo    = "assigned_to"
	KeyApprovalCount = "approval_count"
)

// TriggerResolver decides whether an escalation rule fires for a step.
type TriggerResolver struct {
	workflows store.WorkflowRepository
	evaluator *condition.Evaluator
	calendar  *Calendar
	logger    *zap.Logger
}

// NewTriggerResolver creates a resolver. A nil calendar means
// DefaultCalendar.
func NewTriggerResolver(workflows store.WorkflowRepository, evaluator *condition.Evaluator, calendar *Calendar, logger *zap.Logger) *TriggerResolver {
	if calendar == nil {
		calendar = DefaultCalendar()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerResolver{
		workflows: workflows,
		evaluator: evaluator,
		calendar:  calendar,
		logger:    logger,
	}
}

// ShouldTrigger reports whether rule fires for step at now. The time-based
// trigger takes precedence over condition-based triggers. Errors never
// propagate; they are logged and the rule does not fire.
func (r *TriggerResolver) ShouldTrigger(ctx context.Context, step model.WorkflowStepInstance, rule model.EscalationRule, now time.Time) bool {
	if step.StartedAt == nil {
		return false
	}
	hours := now.Sub(*step.StartedAt).Hours()

	if rule.TriggerAfterHours != nil {
		return r.timeTriggered(step, rule, hours, now)
	}
	if rule.TriggerConditions != nil {
		ok, err := r.conditionsTriggered(ctx, step, *rule.TriggerConditions, hours)
		if err != nil {
			r.logger.Warn("escalation trigger conditions not evaluated",
				zap.String("rule_id", rule.ID),
				zap.String("step_instance_id", step.ID),
				zap.Error(err),
			)
			return false
		}
		return ok
	}
	return false
}

func (r *TriggerResolver) timeTriggered(step model.WorkflowStepInstance, rule model.EscalationRule, hours float64, now time.Time) bool {
	if hours < *rule.TriggerAfterHours {
		return false
	}
	if rule.BusinessHoursOnly && !r.calendar.InBusinessHours(now) {
		r.logger.Debug("escalation deferred to business hours",
			zap.String("rule_id", rule.ID),
			zap.String("step_instance_id", step.ID),
			zap.Time("resume_at", r.calendar.NextBusinessStart(now)),
		)
		return false
	}
	if rule.ExcludeWeekends && r.calendar.IsWeekend(now) {
		return false
	}
	return true
}

func (r *TriggerResolver) conditionsTriggered(ctx context.Context, step model.WorkflowStepInstance, tc model.TriggerConditions, hours float64) (bool, error) {
	if len(tc.Conditions) == 0 {
		return false, nil
	}
	group, needsApprovals, err := compileTrigger(tc)
	if err != nil {
		return false, err
	}

	inst, err := r.workflows.GetWorkflowInstance(ctx, step.WorkflowInstanceID)
	if err != nil {
		return false, fmt.Errorf("load workflow instance: %w", err)
	}

	approvals := 0
	if needsApprovals {
		approvals, err = r.approvedSiblings(ctx, step)
		if err != nil {
			return false, err
		}
	}

	extra := map[string]any{
		KeyStepStartedAt: *step.StartedAt,
		KeyHoursElapsed:  hours,
		KeyStepStatus:    string(step.Status),
		KeyAssignedTo:    step.AssignedTo,
		KeyApprovalCount: approvals,
	}
	return r.evaluator.EvaluateGroup(ctx, group, inst, extra).Result, nil
}

// approvedSiblings counts the other steps of the workflow instance that
// were approved.
func (r *TriggerResolver) approvedSiblings(ctx context.Context, step model.WorkflowStepInstance) (int, error) {
	steps, err := r.workflows.ListStepInstances(ctx, step.WorkflowInstanceID)
	if err != nil {
		return 0, fmt.Errorf("list step instances: %w", err)
	}
	n := 0
	for _, s := range steps {
		if s.ID != step.ID && s.Decision == model.DecisionApproved {
			n++
		}
	}
	return n, nil
}

// compileTrigger turns built-in trigger kinds into a standard condition
// group. It reports whether any condition reads approval_count.
func compileTrigger(tc model.TriggerConditions) (model.ConditionGroup, bool, error) {
	op := tc.Operator
	if op == "" {
		op = model.LogicalAnd
	}
	if !op.Valid() {
		return model.ConditionGroup{}, false, fmt.Errorf("unknown trigger operator %q", op)
	}

	group := model.ConditionGroup{
		Name:            "escalation trigger",
		LogicalOperator: op,
		IsActive:        true,
		Conditions:      make([]model.Condition, 0, len(tc.Conditions)),
	}
	needsApprovals := false
	for i, c := range tc.Conditions {
		cond := model.Condition{ID: "trigger-" + strconv.Itoa(i)}
		switch c.Kind {
		case model.TriggerTime:
			cond.ConditionType = model.ConditionWorkflowData
			cond.Operator = model.OpGreaterThanOrEqual
			cond.FieldPath = KeyHoursElapsed
			cond.ExpectedValue = c.Hours
		case model.TriggerDocumentValue:
			cond.ConditionType = model.ConditionDocumentField
			cond.Operator = model.OpEquals
			cond.FieldPath = c.FieldPath
			cond.ExpectedValue = c.Value
		case model.TriggerApprovalCount:
			cond.ConditionType = model.ConditionWorkflowData
			cond.Operator = model.OpLessThan
			cond.FieldPath = KeyApprovalCount
			cond.ExpectedValue = c.RequiredCount
			needsApprovals = true
		case model.TriggerContext:
			cond.ConditionType = model.ConditionWorkflowData
			cond.Operator = c.Operator
			if cond.Operator == "" {
				cond.Operator = model.OpEquals
			}
			cond.FieldPath = c.FieldPath
			cond.ExpectedValue = c.Value
		default:
			return model.ConditionGroup{}, false, fmt.Errorf("trigger condition %d: unknown type %q", i, c.Kind)
		}
		if cond.FieldPath == "" {
			return model.ConditionGroup{}, false, fmt.Errorf("trigger condition %d: %s requires field_path", i, c.Kind)
		}
		if !cond.Operator.Valid() {
			return model.ConditionGroup{}, false, fmt.Errorf("trigger condition %d: unknown operator %q", i, cond.Operator)
		}
		group.Conditions = append(group.Conditions, cond)
	}
	return group, needsApprovals, nil
}
