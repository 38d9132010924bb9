// Package action runs the conditional actions of a satisfied condition
// group.
package action

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/notify"
	"github.com/pitabwire/escalate/model"
)

// Named priority levels accepted by SET_PRIORITY.
var namedPriorities = map[string]int{
	"low":    2,
	"normal": 5,
	"high":   8,
	"urgent": 10,
}

// ContextKeyRequiresApproval is set on the workflow context by the default
// approval runtime.
const ContextKeyRequiresApproval = "requires_additional_approval"

// ApprovalRuntime is the workflow runtime hook behind
// REQUIRE_ADDITIONAL_APPROVAL. It may modify inst and returns result data
// for the audit row.
type ApprovalRuntime interface {
	RequireAdditionalApproval(ctx context.Context, inst *model.WorkflowInstance, params map[string]any) (map[string]any, error)
}

// RoleLookup lists users by role for role-addressed notifications.
type RoleLookup interface {
	UsersByRole(ctx context.Context, role string) ([]model.User, error)
}

// ContextFlagRuntime is the default ApprovalRuntime. It flags the workflow
// context and records approver hints for the runtime to pick up.
type ContextFlagRuntime struct{}

// RequireAdditionalApproval sets requires_additional_approval and copies
// approver hints into the context.
func (ContextFlagRuntime) RequireAdditionalApproval(_ context.Context, inst *model.WorkflowInstance, params map[string]any) (map[string]any, error) {
	if inst.ContextData == nil {
		inst.ContextData = make(map[string]any)
	}
	inst.ContextData[ContextKeyRequiresApproval] = true
	result := map[string]any{ContextKeyRequiresApproval: true}
	for _, hint := range []string{"approver_role", "approvers", "reason"} {
		if v, ok := params[hint]; ok {
			key := "additional_approval_" + hint
			inst.ContextData[key] = v
			result[key] = v
		}
	}
	return result, nil
}

// Outcome is the aggregate result of one ExecuteActions call.
type Outcome struct {
	Executions []model.ActionExecution
	// Instance carries every change the successful actions made.
	Instance  model.WorkflowInstance
	Succeeded int
	Failed    int
}

// PartialSuccess reports whether some but not all actions failed.
func (o Outcome) PartialSuccess() bool {
	return o.Failed > 0 && o.Succeeded > 0
}

// Option configures an Executor.
type Option func(*Executor)

// WithApprovalRuntime replaces the default ContextFlagRuntime.
func WithApprovalRuntime(r ApprovalRuntime) Option {
	return func(e *Executor) { e.approvals = r }
}

// WithNotifier enables SEND_NOTIFICATION.
func WithNotifier(n notify.Notifier, roles RoleLookup) Option {
	return func(e *Executor) {
		e.notifier = n
		e.roles = roles
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs conditional actions against a workflow instance.
type Executor struct {
	approvals ApprovalRuntime
	notifier  notify.Notifier
	roles     RoleLookup
	logger    *zap.Logger
	now       func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		approvals: ContextFlagRuntime{},
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type handler func(ctx context.Context, params map[string]any, inst *model.WorkflowInstance) (map[string]any, error)

// ExecuteActions runs the group's actions in ascending execution order. A
// failed action is recorded and leaves the instance as it was before that
// action; later actions still run. The input instance is not modified.
func (e *Executor) ExecuteActions(ctx context.Context, group model.ConditionGroup, inst model.WorkflowInstance) Outcome {
	actions := slices.Clone(group.Actions)
	slices.SortStableFunc(actions, func(a, b model.ConditionalAction) int {
		return cmp.Compare(a.ExecutionOrder, b.ExecutionOrder)
	})

	out := Outcome{
		Executions: make([]model.ActionExecution, 0, len(actions)),
		Instance:   copyInstance(inst),
	}
	for _, a := range actions {
		working := copyInstance(out.Instance)
		exec := model.ActionExecution{
			ID:                  uuid.NewString(),
			ConditionalActionID: a.ID,
			ConditionGroupID:    group.ID,
			WorkflowInstanceID:  inst.ID,
			ActionType:          a.ActionType,
		}

		data, err := e.run(ctx, a, &working)
		exec.ExecutedAt = e.now().UTC()
		if err != nil {
			exec.Status = model.ActionStatusFailed
			exec.Error = err.Error()
			out.Failed++
			e.logger.Warn("conditional action failed",
				zap.String("group_id", group.ID),
				zap.String("action_id", a.ID),
				zap.String("action_type", string(a.ActionType)),
				zap.Error(err),
			)
		} else {
			exec.Status = model.ActionStatusSuccess
			exec.ResultData = data
			out.Succeeded++
			out.Instance = working
		}
		out.Executions = append(out.Executions, exec)
	}
	return out
}

func (e *Executor) run(ctx context.Context, a model.ConditionalAction, inst *model.WorkflowInstance) (map[string]any, error) {
	var h handler
	switch a.ActionType {
	case model.ActionSetPriority:
		h = e.setPriority
	case model.ActionRequireAdditionalApproval:
		h = e.requireApproval
	case model.ActionSendNotification:
		h = e.sendNotification
	case model.ActionSetContextValue:
		h = e.setContextValue
	default:
		return nil, fmt.Errorf("unsupported action type %q", a.ActionType)
	}
	return h(ctx, a.ActionParameters, inst)
}

func (e *Executor) setPriority(_ context.Context, params map[string]any, inst *model.WorkflowInstance) (map[string]any, error) {
	p, err := ParsePriority(params["priority"])
	if err != nil {
		return nil, err
	}
	previous := inst.Priority
	inst.Priority = p
	return map[string]any{"previous_priority": previous, "priority": p}, nil
}

func (e *Executor) requireApproval(ctx context.Context, params map[string]any, inst *model.WorkflowInstance) (map[string]any, error) {
	if e.approvals == nil {
		return nil, errors.New("no approval runtime configured")
	}
	return e.approvals.RequireAdditionalApproval(ctx, inst, params)
}

func (e *Executor) sendNotification(ctx context.Context, params map[string]any, inst *model.WorkflowInstance) (map[string]any, error) {
	if e.notifier == nil {
		return nil, errors.New("no notifier configured")
	}

	var recipients []string
	if id, _ := params["user_id"].(string); id != "" {
		recipients = append(recipients, id)
	}
	if role, _ := params["role"].(string); role != "" {
		if e.roles == nil {
			return nil, fmt.Errorf("cannot resolve role %q without a directory", role)
		}
		users, err := e.roles.UsersByRole(ctx, role)
		if err != nil {
			return nil, fmt.Errorf("resolve role %q: %w", role, err)
		}
		for _, u := range users {
			recipients = append(recipients, u.ID)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("notification has no recipients")
	}

	title, _ := params["title"].(string)
	if title == "" {
		title = fmt.Sprintf("Workflow %s requires attention", inst.WorkflowName)
	}
	message, _ := params["message"].(string)

	var sent []string
	for _, uid := range recipients {
		err := e.notifier.Send(ctx, notify.Notification{
			UserID:  uid,
			Type:    notify.TypeWorkflowAction,
			Title:   title,
			Message: message,
			Data: map[string]any{
				"workflow_instance_id": inst.ID,
				"workflow_id":          inst.WorkflowID,
			},
		})
		if err != nil {
			return map[string]any{"notified": sent}, fmt.Errorf("notify %q: %w", uid, err)
		}
		sent = append(sent, uid)
	}
	return map[string]any{"notified": sent}, nil
}

func (e *Executor) setContextValue(_ context.Context, params map[string]any, inst *model.WorkflowInstance) (map[string]any, error) {
	key, _ := params["key"].(string)
	if key == "" {
		return nil, errors.New("set context value requires a key")
	}
	value, ok := params["value"]
	if !ok {
		return nil, fmt.Errorf("set context value %q requires a value", key)
	}
	if inst.ContextData == nil {
		inst.ContextData = make(map[string]any)
	}
	previous := inst.ContextData[key]
	inst.ContextData[key] = value
	return map[string]any{"key": key, "value": value, "previous_value": previous}, nil
}

// ParsePriority accepts an integer in [0,10], its string form, or one of
// the named levels low, normal, high and urgent.
func ParsePriority(v any) (int, error) {
	var f float64
	switch p := v.(type) {
	case nil:
		return 0, errors.New("priority is required")
	case int:
		f = float64(p)
	case int32:
		f = float64(p)
	case int64:
		f = float64(p)
	case float32:
		f = float64(p)
	case float64:
		f = p
	case string:
		s := strings.ToLower(strings.TrimSpace(p))
		if named, ok := namedPriorities[s]; ok {
			return named, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unknown priority %q", p)
		}
		f = float64(n)
	default:
		return 0, fmt.Errorf("unsupported priority value %v (%T)", v, v)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("priority %v is not a whole number", f)
	}
	if f < model.MinPriority || f > model.MaxPriority {
		return 0, fmt.Errorf("priority %v outside [%d,%d]", f, model.MinPriority, model.MaxPriority)
	}
	return int(f), nil
}

func copyInstance(inst model.WorkflowInstance) model.WorkflowInstance {
	if inst.ContextData != nil {
		ctxData := make(map[string]any, len(inst.ContextData))
		for k, v := range inst.ContextData {
			ctxData[k] = v
		}
		inst.ContextData = ctxData
	}
	return inst
}
