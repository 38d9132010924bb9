package model

import "time"

// ConditionType selects where a condition's field path is resolved.
type ConditionType string

// Condition types.
const (
	ConditionWorkflowData  ConditionType = "WORKFLOW_DATA"
	ConditionDocumentField ConditionType = "DOCUMENT_FIELD"
)

// ConditionTypes lists every supported ConditionType.
var ConditionTypes = []ConditionType{ConditionWorkflowData, ConditionDocumentField}

// Valid reports whether t is a known condition type.
func (t ConditionType) Valid() bool {
	switch t {
	case ConditionWorkflowData, ConditionDocumentField:
		return true
	}
	return false
}

// Operator compares a resolved value with a condition's expected value.
type Operator string

// Comparison operators.
const (
	OpEquals             Operator = "EQUALS"
	OpNotEquals          Operator = "NOT_EQUALS"
	OpGreaterThan        Operator = "GREATER_THAN"
	OpGreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	OpLessThan           Operator = "LESS_THAN"
	OpLessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	OpContains           Operator = "CONTAINS"
	OpNotContains        Operator = "NOT_CONTAINS"
	OpIn                 Operator = "IN"
)

// Operators lists every supported Operator.
var Operators = []Operator{
	OpEquals, OpNotEquals,
	OpGreaterThan, OpGreaterThanOrEqual,
	OpLessThan, OpLessThanOrEqual,
	OpContains, OpNotContains, OpIn,
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual,
		OpLessThan, OpLessThanOrEqual, OpContains, OpNotContains, OpIn:
		return true
	}
	return false
}

// LogicalOperator composes the conditions of a group.
type LogicalOperator string

// Logical operators.
const (
	LogicalAnd LogicalOperator = "AND"
	LogicalOr  LogicalOperator = "OR"
)

// Valid reports whether l is a known logical operator.
func (l LogicalOperator) Valid() bool {
	return l == LogicalAnd || l == LogicalOr
}

// ActionType identifies the side effect of a ConditionalAction.
type ActionType string

// Action types.
const (
	ActionSetPriority               ActionType = "SET_PRIORITY"
	ActionRequireAdditionalApproval ActionType = "REQUIRE_ADDITIONAL_APPROVAL"
	ActionSendNotification          ActionType = "SEND_NOTIFICATION"
	ActionSetContextValue           ActionType = "SET_CONTEXT_VALUE"
)

// ActionTypes lists every supported ActionType.
var ActionTypes = []ActionType{
	ActionSetPriority, ActionRequireAdditionalApproval,
	ActionSendNotification, ActionSetContextValue,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionSetPriority, ActionRequireAdditionalApproval,
		ActionSendNotification, ActionSetContextValue:
		return true
	}
	return false
}

// Action execution statuses.
const (
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
)

// ConditionGroup is a named AND/OR composition of conditions together with
// the actions to run when it is satisfied.
type ConditionGroup struct {
	ID              string              `json:"id" yaml:"id"`
	WorkflowID      string              `json:"workflow_id" yaml:"workflow_id" validate:"required"`
	Name            string              `json:"name" yaml:"name" validate:"required"`
	LogicalOperator LogicalOperator     `json:"logical_operator" yaml:"logical_operator" validate:"required,enum"`
	IsActive        bool                `json:"is_active" yaml:"is_active"`
	Conditions      []Condition         `json:"conditions" yaml:"conditions" validate:"dive"`
	Actions         []ConditionalAction `json:"actions" yaml:"actions" validate:"dive"`
}

// Condition is one field lookup plus operator plus expected value.
type Condition struct {
	ID            string        `json:"id" yaml:"id"`
	ConditionType ConditionType `json:"condition_type" yaml:"condition_type" validate:"required,enum"`
	Operator      Operator      `json:"operator" yaml:"operator" validate:"required,enum"`
	FieldPath     string        `json:"field_path" yaml:"field_path" validate:"required"`
	ExpectedValue any           `json:"expected_value" yaml:"expected_value"`
}

// ConditionalAction is a side effect run when its group is satisfied.
type ConditionalAction struct {
	ID               string         `json:"id" yaml:"id"`
	ActionType       ActionType     `json:"action_type" yaml:"action_type" validate:"required,enum"`
	ActionParameters map[string]any `json:"action_parameters" yaml:"action_parameters"`
	ExecutionOrder   int            `json:"execution_order" yaml:"execution_order" validate:"gte=0"`
}

// ConditionResult is the outcome of one condition inside a group evaluation.
type ConditionResult struct {
	ConditionID string `json:"condition_id"`
	FieldPath   string `json:"field_path"`
	ActualValue any    `json:"actual_value"`
	Result      bool   `json:"result"`
}

// ConditionEvaluation is the immutable audit row written for every group
// evaluation, whatever the result.
type ConditionEvaluation struct {
	ID                 string            `json:"id"`
	ConditionGroupID   string            `json:"condition_group_id"`
	WorkflowInstanceID string            `json:"workflow_instance_id"`
	Result             bool              `json:"result"`
	ConditionResults   []ConditionResult `json:"condition_results"`
	Context            map[string]any    `json:"context,omitempty"`
	EvaluatedAt        time.Time         `json:"evaluated_at"`
}

// ActionExecution is the immutable audit row written for every action run.
type ActionExecution struct {
	ID                  string         `json:"id"`
	ConditionalActionID string         `json:"conditional_action_id"`
	ConditionGroupID    string         `json:"condition_group_id"`
	WorkflowInstanceID  string         `json:"workflow_instance_id"`
	ActionType          ActionType     `json:"action_type"`
	Status              string         `json:"status"`
	ResultData          map[string]any `json:"result_data,omitempty"`
	Error               string         `json:"error,omitempty"`
	ExecutedAt          time.Time      `json:"executed_at"`
}
