package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Escalation instance statuses.
const (
	EscalationStatusActive   = "active"
	EscalationStatusResolved = "resolved"
)

// Resolution methods recorded when an escalation is closed.
const (
	ResolutionStepCompleted = "step_completed"
	ResolutionStepSkipped   = "step_skipped"
	ResolutionAutoApproved  = "auto_approved"
	ResolutionManual        = "manual"
)

// DefaultMaxEscalationLevels applies when a rule leaves the level count unset.
const DefaultMaxEscalationLevels = 3

// TargetType names the kind of an escalation target.
type TargetType string

// Target types.
const (
	TargetUser    TargetType = "user"
	TargetRole    TargetType = "role"
	TargetManager TargetType = "manager"
)

// EscalationTarget is one link of an escalation chain. The set of
// implementations is closed: UserTarget, RoleTarget and ManagerTarget.
type EscalationTarget interface {
	Ref() TargetRef
	escalationTarget()
}

// UserTarget escalates to a fixed user.
type UserTarget struct {
	UserID string
}

// RoleTarget escalates to a user holding Role.
type RoleTarget struct {
	Role string
}

// ManagerTarget escalates to the manager of the current assignee.
type ManagerTarget struct{}

func (UserTarget) escalationTarget()    {}
func (RoleTarget) escalationTarget()    {}
func (ManagerTarget) escalationTarget() {}

// Ref returns the wire form of the target.
func (t UserTarget) Ref() TargetRef { return TargetRef{Type: TargetUser, Value: t.UserID} }

// Ref returns the wire form of the target.
func (t RoleTarget) Ref() TargetRef { return TargetRef{Type: TargetRole, Value: t.Role} }

// Ref returns the wire form of the target.
func (ManagerTarget) Ref() TargetRef { return TargetRef{Type: TargetManager} }

// TargetRef is the serialized {type, value} form of an EscalationTarget.
type TargetRef struct {
	Type  TargetType `json:"type" yaml:"type"`
	Value string     `json:"value,omitempty" yaml:"value,omitempty"`
}

// String renders the reference as type:value.
func (r TargetRef) String() string {
	if r.Value == "" {
		return string(r.Type)
	}
	return string(r.Type) + ":" + r.Value
}

// Target converts the reference into its typed variant.
func (r TargetRef) Target() (EscalationTarget, error) {
	switch r.Type {
	case TargetUser:
		if r.Value == "" {
			return nil, fmt.Errorf("user target requires a value")
		}
		return UserTarget{UserID: r.Value}, nil
	case TargetRole:
		if r.Value == "" {
			return nil, fmt.Errorf("role target requires a value")
		}
		return RoleTarget{Role: r.Value}, nil
	case TargetManager:
		return ManagerTarget{}, nil
	}
	return nil, fmt.Errorf("unknown escalation target type %q", r.Type)
}

// EscalationChain is the ordered list of fallback targets, one per level.
// A bare string element decodes to a UserTarget.
type EscalationChain []EscalationTarget

// Refs returns the wire form of every target in the chain.
func (c EscalationChain) Refs() []TargetRef {
	refs := make([]TargetRef, len(c))
	for i, t := range c {
		refs[i] = t.Ref()
	}
	return refs
}

// At returns the target for level, or false when the chain is too short.
func (c EscalationChain) At(level int) (EscalationTarget, bool) {
	if level < 0 || level >= len(c) {
		return nil, false
	}
	return c[level], true
}

// MarshalJSON encodes the chain as a list of {type, value} objects.
func (c EscalationChain) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Refs())
}

// UnmarshalJSON decodes objects and bare user-id strings.
func (c *EscalationChain) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("escalation chain: %w", err)
	}
	chain := make(EscalationChain, 0, len(raw))
	for i, item := range raw {
		var ref TargetRef
		if bytes.HasPrefix(bytes.TrimSpace(item), []byte(`"`)) {
			if err := json.Unmarshal(item, &ref.Value); err != nil {
				return fmt.Errorf("escalation chain[%d]: %w", i, err)
			}
			ref.Type = TargetUser
		} else if err := json.Unmarshal(item, &ref); err != nil {
			return fmt.Errorf("escalation chain[%d]: %w", i, err)
		}
		t, err := ref.Target()
		if err != nil {
			return fmt.Errorf("escalation chain[%d]: %w", i, err)
		}
		chain = append(chain, t)
	}
	*c = chain
	return nil
}

// MarshalYAML encodes the chain as a list of {type, value} mappings.
func (c EscalationChain) MarshalYAML() (any, error) {
	return c.Refs(), nil
}

// UnmarshalYAML decodes mappings and bare user-id scalars.
func (c *EscalationChain) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("escalation chain: expected a sequence at line %d", node.Line)
	}
	chain := make(EscalationChain, 0, len(node.Content))
	for i, item := range node.Content {
		var ref TargetRef
		if item.Kind == yaml.ScalarNode {
			ref = TargetRef{Type: TargetUser, Value: item.Value}
		} else if err := item.Decode(&ref); err != nil {
			return fmt.Errorf("escalation chain[%d]: %w", i, err)
		}
		t, err := ref.Target()
		if err != nil {
			return fmt.Errorf("escalation chain[%d]: %w", i, err)
		}
		chain = append(chain, t)
	}
	*c = chain
	return nil
}

// TriggerKind names a built-in condition-based trigger.
type TriggerKind string

// Trigger kinds.
const (
	TriggerTime          TriggerKind = "time"
	TriggerDocumentValue TriggerKind = "document_value"
	TriggerApprovalCount TriggerKind = "approval_count"
	TriggerContext       TriggerKind = "context"
)

// Valid reports whether k is a known trigger kind.
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerTime, TriggerDocumentValue, TriggerApprovalCount, TriggerContext:
		return true
	}
	return false
}

// TriggerConditions is the condition-based trigger of an escalation rule.
type TriggerConditions struct {
	Operator   LogicalOperator    `json:"operator" yaml:"operator" validate:"omitempty,enum"`
	Conditions []TriggerCondition `json:"conditions" yaml:"conditions" validate:"dive"`
}

// TriggerCondition is one built-in trigger check.
//
//	time            hours_elapsed >= Hours
//	document_value  document field FieldPath EQUALS Value
//	approval_count  approved sibling steps < RequiredCount
//	context         context key FieldPath <Operator> Value
type TriggerCondition struct {
	Kind          TriggerKind `json:"type" yaml:"type" validate:"required,enum"`
	Hours         float64     `json:"hours,omitempty" yaml:"hours,omitempty" validate:"gte=0"`
	FieldPath     string      `json:"field_path,omitempty" yaml:"field_path,omitempty"`
	Operator      Operator    `json:"operator,omitempty" yaml:"operator,omitempty" validate:"omitempty,enum"`
	Value         any         `json:"value,omitempty" yaml:"value,omitempty"`
	RequiredCount int         `json:"required_count,omitempty" yaml:"required_count,omitempty" validate:"gte=0"`
}

// EscalationRule describes when and how approval steps of a workflow are
// escalated.
type EscalationRule struct {
	ID                         string             `json:"id" yaml:"id"`
	WorkflowID                 string             `json:"workflow_id" yaml:"workflow_id" validate:"required"`
	StepID                     *string            `json:"step_id,omitempty" yaml:"step_id,omitempty"`
	Name                       string             `json:"name" yaml:"name" validate:"required"`
	IsActive                   bool               `json:"is_active" yaml:"is_active"`
	TriggerAfterHours          *float64           `json:"trigger_after_hours,omitempty" yaml:"trigger_after_hours,omitempty" validate:"omitempty,gte=0"`
	TriggerConditions          *TriggerConditions `json:"trigger_conditions,omitempty" yaml:"trigger_conditions,omitempty"`
	EscalationChain            EscalationChain    `json:"escalation_chain" yaml:"escalation_chain" validate:"min=1"`
	MaxEscalationLevels        int                `json:"max_escalation_levels" yaml:"max_escalation_levels" validate:"gte=1"`
	NotificationIntervals      []float64          `json:"notification_intervals,omitempty" yaml:"notification_intervals,omitempty" validate:"dive,gte=0"`
	BusinessHoursOnly          bool               `json:"business_hours_only" yaml:"business_hours_only"`
	ExcludeWeekends            bool               `json:"exclude_weekends" yaml:"exclude_weekends"`
	AutoApproveAfterEscalation bool               `json:"auto_approve_after_escalation" yaml:"auto_approve_after_escalation"`
	PriorityMultiplier         float64            `json:"priority_multiplier" yaml:"priority_multiplier" validate:"gte=0"`
	CreatedAt                  time.Time          `json:"created_at" yaml:"-"`
}

// WithDefaults fills the level count and priority multiplier when unset.
func (r EscalationRule) WithDefaults() EscalationRule {
	if r.MaxEscalationLevels == 0 {
		r.MaxEscalationLevels = DefaultMaxEscalationLevels
	}
	if r.PriorityMultiplier == 0 {
		r.PriorityMultiplier = 1
	}
	return r
}

// AppliesTo reports whether the rule covers the given workflow step.
func (r EscalationRule) AppliesTo(stepID string) bool {
	return r.StepID == nil || *r.StepID == stepID
}

// EscalationHistoryEntry records one executed escalation level.
type EscalationHistoryEntry struct {
	Level       int       `json:"level"`
	EscalatedAt time.Time `json:"escalated_at"`
	Target      TargetRef `json:"target"`
	EscalatedTo string    `json:"escalated_to"`
	Reason      string    `json:"reason"`
}

// EscalationInstance is the live or historical record of one escalation of
// a step instance. At most one active instance exists per step instance.
type EscalationInstance struct {
	ID                 string                   `json:"id"`
	RuleID             string                   `json:"rule_id"`
	StepInstanceID     string                   `json:"step_instance_id"`
	WorkflowInstanceID string                   `json:"workflow_instance_id"`
	WorkflowID         string                   `json:"workflow_id"`
	CurrentLevel       int                      `json:"current_level"`
	Status             string                   `json:"status"`
	EscalationHistory  []EscalationHistoryEntry `json:"escalation_history"`
	LastEscalatedAt    time.Time                `json:"last_escalated_at"`
	EscalatedTo        string                   `json:"escalated_to,omitempty"`
	CreatedAt          time.Time                `json:"created_at"`
	ResolvedAt         *time.Time               `json:"resolved_at,omitempty"`
	ResolutionMethod   string                   `json:"resolution_method,omitempty"`
}

// IsActive reports whether the escalation is still open.
func (e EscalationInstance) IsActive() bool {
	return e.Status == EscalationStatusActive
}
