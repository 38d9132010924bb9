// Package store persists workflow runtime state, rule definitions,
// escalation instances and audit rows.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/escalate/model"
)

// WorkflowRepository reads and updates the workflow runtime rows the engine
// observes. The workflow runtime owns creation of these rows.
type WorkflowRepository interface {
	GetWorkflowInstance(ctx context.Context, id string) (model.WorkflowInstance, error)

	// UpdateWorkflowInstance persists priority and context data changes.
	UpdateWorkflowInstance(ctx context.Context, inst model.WorkflowInstance) error

	// GetStepInstance loads a step instance. Inside a transaction the row is
	// locked until commit.
	GetStepInstance(ctx context.Context, id string) (model.WorkflowStepInstance, error)

	UpdateStepInstance(ctx context.Context, step model.WorkflowStepInstance) error

	// ListStepInstances returns the steps of one workflow instance ordered
	// by step order.
	ListStepInstances(ctx context.Context, workflowInstanceID string) ([]model.WorkflowStepInstance, error)

	// FindEscalationCandidates returns open steps (PENDING or IN_PROGRESS)
	// that have started, oldest first.
	FindEscalationCandidates(ctx context.Context) ([]model.WorkflowStepInstance, error)

	// CountOpenAssignments counts open steps assigned to a user.
	CountOpenAssignments(ctx context.Context, userID string) (int, error)

	GetDocument(ctx context.Context, id string) (model.Document, error)
}

// RuleRepository stores condition groups and escalation rules.
type RuleRepository interface {
	// ListActiveConditionGroups returns the active groups of a workflow in
	// creation order.
	ListActiveConditionGroups(ctx context.Context, workflowID string) ([]model.ConditionGroup, error)

	UpsertConditionGroup(ctx context.Context, group model.ConditionGroup) error

	// CreateEscalationRule inserts a rule. Returns CONFLICT when the ID is
	// taken.
	CreateEscalationRule(ctx context.Context, rule model.EscalationRule) error

	UpsertEscalationRule(ctx context.Context, rule model.EscalationRule) error

	GetEscalationRule(ctx context.Context, id string) (model.EscalationRule, error)

	// ListActiveEscalationRules returns the active rules of a workflow in
	// creation order.
	ListActiveEscalationRules(ctx context.Context, workflowID string) ([]model.EscalationRule, error)
}

// EscalationRepository stores escalation instances.
type EscalationRepository interface {
	// FindActiveEscalation returns the active escalation of a step instance,
	// if any.
	FindActiveEscalation(ctx context.Context, stepInstanceID string) (model.EscalationInstance, bool, error)

	// CreateEscalation inserts a new instance. Returns CONFLICT when the
	// step instance already has an active escalation.
	CreateEscalation(ctx context.Context, esc model.EscalationInstance) error

	UpdateEscalation(ctx context.Context, esc model.EscalationInstance) error

	GetEscalation(ctx context.Context, id string) (model.EscalationInstance, error)

	ListEscalations(ctx context.Context, filter EscalationFilter) ([]model.EscalationInstance, error)

	// EscalationTotals aggregates escalations, optionally for one workflow.
	EscalationTotals(ctx context.Context, workflowID string) (EscalationTotals, error)
}

// AuditLog appends immutable evaluation and execution rows.
type AuditLog interface {
	AppendConditionEvaluation(ctx context.Context, ev model.ConditionEvaluation) error
	AppendActionExecution(ctx context.Context, ex model.ActionExecution) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	WorkflowRepository
	RuleRepository
	EscalationRepository
	AuditLog

	// RunInTx runs fn inside one transaction. fn must use the Store it is
	// given. Returning an error rolls back every write made through it.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
}

// EscalationFilter narrows ListEscalations.
type EscalationFilter struct {
	WorkflowID     string
	StepInstanceID string
	Status         string
}

// EscalationTotals are raw escalation counts.
type EscalationTotals struct {
	Total    int
	Active   int
	Resolved int
	// ResolvedDuration is the summed created-to-resolved time of resolved
	// escalations.
	ResolvedDuration time.Duration
}
