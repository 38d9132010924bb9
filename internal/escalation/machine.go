package escalation

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/escalate/internal/notify"
	"github.com/pitabwire/escalate/internal/observability"
	"github.com/pitabwire/escalate/internal/store"
	"github.com/pitabwire/escalate/model"
)

// DefaultIntervals are the hours to wait at each level before escalating
// further. The last value repeats for deeper levels.
var DefaultIntervals = []float64{24, 48, 72}

// Directory resolves escalation targets to users.
type Directory interface {
	User(ctx context.Context, id string) (model.User, error)
	UsersByRole(ctx context.Context, role string) ([]model.User, error)
}

// Transition is what one Create or Continue call did to an escalation.
type Transition string

// Transitions.
const (
	TransitionNone         Transition = "none"
	TransitionCreated      Transition = "created"
	TransitionAdvanced     Transition = "advanced"
	TransitionResolved     Transition = "resolved"
	TransitionAutoApproved Transition = "auto_approved"
	TransitionFinalLevel   Transition = "final_level"
)

// MachineConfig wires a Machine.
type MachineConfig struct {
	Directory Directory
	Notifier  notify.Notifier
	// Selector picks among role holders. Nil means FirstSelector.
	Selector TargetSelector
	// Intervals is used for rules without notification intervals. Nil
	// means DefaultIntervals.
	Intervals []float64
	Logger    *zap.Logger
	Metrics   *observability.Metrics
}

// Machine moves escalation instances through their levels. Every method
// that writes takes the transactional store it must write through.
type Machine struct {
	directory Directory
	notifier  notify.Notifier
	selector  TargetSelector
	intervals []float64
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewMachine creates a state machine.
func NewMachine(cfg MachineConfig) *Machine {
	m := &Machine{
		directory: cfg.Directory,
		notifier:  cfg.Notifier,
		selector:  cfg.Selector,
		intervals: slices.Clone(cfg.Intervals),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
	if m.selector == nil {
		m.selector = FirstSelector{}
	}
	if len(m.intervals) == 0 {
		m.intervals = slices.Clone(DefaultIntervals)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Create opens an escalation at level 0 for step and executes that level.
// A CONFLICT from the store means another scanner won the race for this
// step and is returned unchanged.
func (m *Machine) Create(ctx context.Context, tx store.Store, rule model.EscalationRule, step model.WorkflowStepInstance, now time.Time) (model.EscalationInstance, error) {
	esc := model.EscalationInstance{
		ID:                 uuid.NewString(),
		RuleID:             rule.ID,
		StepInstanceID:     step.ID,
		WorkflowInstanceID: step.WorkflowInstanceID,
		WorkflowID:         rule.WorkflowID,
		CurrentLevel:       0,
		Status:             model.EscalationStatusActive,
		EscalationHistory:  []model.EscalationHistoryEntry{},
		LastEscalatedAt:    now,
		CreatedAt:          now,
	}
	if err := tx.CreateEscalation(ctx, esc); err != nil {
		return model.EscalationInstance{}, err
	}

	reason := fmt.Sprintf("rule %q triggered", rule.Name)
	if step.StartedAt != nil {
		reason = fmt.Sprintf("step %q pending for %.1f hours, rule %q triggered",
			step.StepName, now.Sub(*step.StartedAt).Hours(), rule.Name)
	}
	if err := m.ExecuteLevel(ctx, tx, &esc, rule, step, 0, reason, now); err != nil {
		return model.EscalationInstance{}, err
	}

	m.metrics.RecordEscalationTransition(rule.WorkflowID, string(TransitionCreated))
	m.logger.Info("escalation created", observability.EscalationFields(esc)...)
	return esc, nil
}

// Continue advances an active escalation. A terminal step resolves it
// before anything else; otherwise the level's interval must have elapsed
// since the last escalation.
func (m *Machine) Continue(ctx context.Context, tx store.Store, esc model.EscalationInstance, rule model.EscalationRule, step model.WorkflowStepInstance, now time.Time) (Transition, error) {
	if !esc.IsActive() {
		return TransitionNone, nil
	}

	if step.Status.IsTerminal() {
		method := model.ResolutionStepCompleted
		if step.Status == model.StepStatusSkipped {
			method = model.ResolutionStepSkipped
		}
		if err := m.resolve(ctx, tx, &esc, method, now); err != nil {
			return TransitionNone, err
		}
		return TransitionResolved, nil
	}

	elapsed := now.Sub(esc.LastEscalatedAt).Hours()
	if elapsed < m.interval(rule, esc.CurrentLevel) {
		return TransitionNone, nil
	}

	maxLevels := rule.MaxEscalationLevels
	if maxLevels <= 0 {
		maxLevels = model.DefaultMaxEscalationLevels
	}
	next := esc.CurrentLevel + 1
	if next >= maxLevels {
		return m.finalLevel(ctx, tx, esc, rule, step, now)
	}

	reason := fmt.Sprintf("no decision %.1f hours after level %d", elapsed, esc.CurrentLevel)
	if err := m.ExecuteLevel(ctx, tx, &esc, rule, step, next, reason, now); err != nil {
		return TransitionNone, err
	}
	m.metrics.RecordEscalationTransition(rule.WorkflowID, string(TransitionAdvanced))
	m.logger.Info("escalation advanced", observability.EscalationFields(esc)...)
	return TransitionAdvanced, nil
}

// ExecuteLevel reassigns step to the chain target of level, records the
// level on esc, applies the rule's priority multiplier and notifies the new
// assignee. Levels never decrease. A failed notification fails the level so
// the caller's transaction rolls back.
func (m *Machine) ExecuteLevel(ctx context.Context, tx store.Store, esc *model.EscalationInstance, rule model.EscalationRule, step model.WorkflowStepInstance, level int, reason string, now time.Time) error {
	if level < esc.CurrentLevel {
		return model.NewEscalationError("escalation %s cannot move back from level %d to %d", esc.ID, esc.CurrentLevel, level)
	}
	target, ok := rule.EscalationChain.At(level)
	if !ok {
		return model.NewEscalationError("rule %q has no escalation target for level %d (chain length %d)",
			rule.ID, level, len(rule.EscalationChain))
	}
	userID, err := m.resolveTarget(ctx, target, step)
	if err != nil {
		return err
	}

	at := now
	step.AssignedTo = userID
	step.Escalated = true
	step.EscalatedAt = &at
	step.EscalatedTo = userID
	if err := tx.UpdateStepInstance(ctx, step); err != nil {
		return fmt.Errorf("update step instance: %w", err)
	}

	inst, err := tx.GetWorkflowInstance(ctx, step.WorkflowInstanceID)
	if err != nil {
		return fmt.Errorf("load workflow instance: %w", err)
	}
	if p, changed := applyMultiplier(inst.Priority, rule.PriorityMultiplier); changed {
		inst.Priority = p
		if err := tx.UpdateWorkflowInstance(ctx, inst); err != nil {
			return fmt.Errorf("update workflow priority: %w", err)
		}
	}

	esc.CurrentLevel = level
	esc.LastEscalatedAt = now
	esc.EscalatedTo = userID
	esc.EscalationHistory = append(esc.EscalationHistory, model.EscalationHistoryEntry{
		Level:       level,
		EscalatedAt: now,
		Target:      target.Ref(),
		EscalatedTo: userID,
		Reason:      reason,
	})
	if err := tx.UpdateEscalation(ctx, *esc); err != nil {
		return fmt.Errorf("update escalation: %w", err)
	}

	doc, err := documentFor(ctx, tx, inst)
	if err != nil {
		return err
	}
	data := map[string]any{
		"escalation_id":        esc.ID,
		"rule_id":              rule.ID,
		"workflow_instance_id": step.WorkflowInstanceID,
		"step_instance_id":     step.ID,
		"level":                level,
		"priority":             inst.Priority,
	}
	message := fmt.Sprintf("%s has been escalated to you (level %d): %s", describe(inst, doc, step), level+1, reason)
	if doc.Title != "" {
		data["document_title"] = doc.Title
	}
	if step.DueDate != nil {
		due := step.DueDate.UTC().Format(time.RFC3339)
		data["due_date"] = due
		message += fmt.Sprintf(". Originally due %s", due)
	}
	return m.send(ctx, notify.Notification{
		UserID:  userID,
		Type:    notify.TypeEscalation,
		Title:   fmt.Sprintf("Approval escalated: %s", step.StepName),
		Message: message,
		Data:    data,
	})
}

// documentFor loads the document of inst. Instances without a document, or
// whose document is gone, yield an empty document.
func documentFor(ctx context.Context, tx store.Store, inst model.WorkflowInstance) (model.Document, error) {
	if inst.DocumentID == "" {
		return model.Document{}, nil
	}
	doc, err := tx.GetDocument(ctx, inst.DocumentID)
	if model.IsNotFound(err) {
		return model.Document{}, nil
	}
	if err != nil {
		return model.Document{}, fmt.Errorf("load document: %w", err)
	}
	return doc, nil
}

// Resolve closes an active escalation through tx.
func (m *Machine) Resolve(ctx context.Context, tx store.Store, esc model.EscalationInstance, method string, now time.Time) (model.EscalationInstance, error) {
	if !esc.IsActive() {
		return esc, model.NewConflictError(fmt.Sprintf("escalation %s is already resolved", esc.ID))
	}
	if err := m.resolve(ctx, tx, &esc, method, now); err != nil {
		return model.EscalationInstance{}, err
	}
	return esc, nil
}

func (m *Machine) resolve(ctx context.Context, tx store.Store, esc *model.EscalationInstance, method string, now time.Time) error {
	at := now
	esc.Status = model.EscalationStatusResolved
	esc.ResolvedAt = &at
	esc.ResolutionMethod = method
	if err := tx.UpdateEscalation(ctx, *esc); err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	transition := TransitionResolved
	if method == model.ResolutionAutoApproved {
		transition = TransitionAutoApproved
	}
	m.metrics.RecordEscalationTransition(esc.WorkflowID, string(transition))
	m.logger.Info("escalation resolved",
		append(observability.EscalationFields(*esc), zap.String("method", method))...)
	return nil
}

// finalLevel handles an escalation whose chain is exhausted: the step is
// auto-approved when the rule allows it, otherwise the assignee is warned
// and the escalation stays at its level.
func (m *Machine) finalLevel(ctx context.Context, tx store.Store, esc model.EscalationInstance, rule model.EscalationRule, step model.WorkflowStepInstance, now time.Time) (Transition, error) {
	if rule.AutoApproveAfterEscalation {
		at := now
		stamp := fmt.Sprintf("Auto-approved by escalation rule %q after level %d at %s",
			rule.Name, esc.CurrentLevel, now.UTC().Format(time.RFC3339))
		step.Status = model.StepStatusApproved
		step.Decision = model.DecisionApproved
		if step.Comments == "" {
			step.Comments = stamp
		} else {
			step.Comments += "\n" + stamp
		}
		step.CompletedAt = &at
		if err := tx.UpdateStepInstance(ctx, step); err != nil {
			return TransitionNone, fmt.Errorf("auto-approve step: %w", err)
		}
		if err := m.resolve(ctx, tx, &esc, model.ResolutionAutoApproved, now); err != nil {
			return TransitionNone, err
		}
		return TransitionAutoApproved, nil
	}

	m.logger.Warn("escalation reached its final level without auto-approval",
		append(observability.EscalationFields(esc), zap.String("assigned_to", step.AssignedTo))...)

	// Restart the interval so the warning repeats once per interval.
	esc.LastEscalatedAt = now
	if err := tx.UpdateEscalation(ctx, esc); err != nil {
		return TransitionNone, fmt.Errorf("update escalation: %w", err)
	}
	if step.AssignedTo != "" {
		err := m.send(ctx, notify.Notification{
			UserID:  step.AssignedTo,
			Type:    notify.TypeEscalationWarn,
			Title:   fmt.Sprintf("Final escalation: %s", step.StepName),
			Message: fmt.Sprintf("Step %q is still waiting for a decision at the last escalation level", step.StepName),
			Data: map[string]any{
				"escalation_id":    esc.ID,
				"step_instance_id": step.ID,
				"level":            esc.CurrentLevel,
			},
		})
		if err != nil {
			m.logger.Warn("final level warning not delivered", zap.String("escalation_id", esc.ID), zap.Error(err))
		}
	}
	m.metrics.RecordEscalationTransition(rule.WorkflowID, string(TransitionFinalLevel))
	return TransitionFinalLevel, nil
}

// resolveTarget maps a chain target to a user ID.
func (m *Machine) resolveTarget(ctx context.Context, target model.EscalationTarget, step model.WorkflowStepInstance) (string, error) {
	switch t := target.(type) {
	case model.UserTarget:
		return t.UserID, nil
	case model.RoleTarget:
		users, err := m.directory.UsersByRole(ctx, t.Role)
		if err != nil {
			return "", fmt.Errorf("look up role %q: %w", t.Role, err)
		}
		if len(users) == 0 {
			return "", model.NewEscalationError("no users hold role %q", t.Role)
		}
		u, err := m.selector.Select(ctx, t.Role, users)
		if err != nil {
			return "", err
		}
		return u.ID, nil
	case model.ManagerTarget:
		return m.managerOf(ctx, step)
	}
	return "", model.NewEscalationError("unsupported escalation target %T", target)
}

// managerOf resolves exactly one hop up from the current assignee.
func (m *Machine) managerOf(ctx context.Context, step model.WorkflowStepInstance) (string, error) {
	if step.AssignedTo == "" {
		return "", model.NewEscalationError("step %s has no assignee to resolve a manager for", step.ID)
	}
	u, err := m.directory.User(ctx, step.AssignedTo)
	if err != nil {
		if model.IsNotFound(err) {
			return "", model.NewEscalationError("assignee %q of step %s is not in the directory", step.AssignedTo, step.ID)
		}
		return "", fmt.Errorf("look up assignee %q: %w", step.AssignedTo, err)
	}
	switch u.ManagerID {
	case "":
		return "", model.NewEscalationError("assignee %q has no manager", u.ID)
	case u.ID:
		return "", model.NewEscalationError("assignee %q is recorded as their own manager", u.ID)
	}
	return u.ManagerID, nil
}

func (m *Machine) send(ctx context.Context, n notify.Notification) error {
	if m.notifier == nil {
		return nil
	}
	if err := m.notifier.Send(ctx, n); err != nil {
		m.metrics.RecordNotification(n.Type, "failed")
		return fmt.Errorf("notify %q: %w", n.UserID, err)
	}
	m.metrics.RecordNotification(n.Type, "sent")
	return nil
}

// interval returns the wait in hours before leaving level.
func (m *Machine) interval(rule model.EscalationRule, level int) float64 {
	intervals := rule.NotificationIntervals
	if len(intervals) == 0 {
		intervals = m.intervals
	}
	if level >= len(intervals) {
		return intervals[len(intervals)-1]
	}
	if level < 0 {
		return intervals[0]
	}
	return intervals[level]
}

// applyMultiplier scales a priority and clamps it to the valid range. It
// reports false when the multiplier leaves priorities untouched.
func applyMultiplier(priority int, multiplier float64) (int, bool) {
	if multiplier <= 0 || multiplier == 1 {
		return priority, false
	}
	p := int(math.Round(float64(priority) * multiplier))
	p = min(max(p, model.MinPriority), model.MaxPriority)
	return p, p != priority
}

func describe(inst model.WorkflowInstance, doc model.Document, step model.WorkflowStepInstance) string {
	s := fmt.Sprintf("Step %q", step.StepName)
	if doc.Title != "" {
		s += fmt.Sprintf(" for %q", doc.Title)
	}
	if inst.WorkflowName != "" {
		s += " of " + inst.WorkflowName
	}
	return s
}
