package model

import (
	"strings"
	"time"
)

// Workflow instance status constants.
const (
	WorkflowStatusActive    = "active"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusCancelled = "cancelled"
)

// Priority bounds for workflow instances.
const (
	MinPriority = 0
	MaxPriority = 10
)

// StepStatus is the lifecycle state of a WorkflowStepInstance.
type StepStatus string

// Step status constants.
const (
	StepStatusPending    StepStatus = "PENDING"
	StepStatusInProgress StepStatus = "IN_PROGRESS"
	StepStatusApproved   StepStatus = "APPROVED"
	StepStatusRejected   StepStatus = "REJECTED"
	StepStatusSkipped    StepStatus = "SKIPPED"
)

// DecisionApproved is the decision value recorded on approved steps.
const DecisionApproved = "approved"

// IsTerminal reports whether no further transitions are possible.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusApproved, StepStatusRejected, StepStatusSkipped:
		return true
	case StepStatusPending, StepStatusInProgress:
		return false
	}
	return false
}

// IsOpen reports whether the step is waiting on an approver.
func (s StepStatus) IsOpen() bool {
	return s == StepStatusPending || s == StepStatusInProgress
}

// WorkflowInstance is one running execution of a workflow over a document.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	WorkflowID       string         `json:"workflow_id"`
	WorkflowName     string         `json:"workflow_name"`
	DocumentID       string         `json:"document_id,omitempty"`
	Status           string         `json:"status"`
	Priority         int            `json:"priority"`
	CurrentStepOrder int            `json:"current_step_order"`
	ContextData      map[string]any `json:"context_data,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// WorkflowStepInstance is one execution of a workflow step.
type WorkflowStepInstance struct {
	ID                 string     `json:"id"`
	WorkflowInstanceID string     `json:"workflow_instance_id"`
	StepID             string     `json:"step_id"`
	StepName           string     `json:"step_name"`
	StepOrder          int        `json:"step_order"`
	Status             StepStatus `json:"status"`
	Decision           string     `json:"decision,omitempty"`
	Comments           string     `json:"comments,omitempty"`
	AssignedTo         string     `json:"assigned_to,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	DueDate            *time.Time `json:"due_date,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	Escalated          bool       `json:"escalated"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
	EscalatedTo        string     `json:"escalated_to,omitempty"`
}

// Document is the subject of a workflow. Metadata holds free-form
// attributes; Content holds the structured body.
type Document struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	DocumentType string         `json:"document_type"`
	Status       string         `json:"status"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Content      map[string]any `json:"content,omitempty"`
}

// Attribute returns a named document attribute. Built-in columns win over
// metadata keys of the same name.
func (d Document) Attribute(name string) (any, bool) {
	switch strings.ToLower(name) {
	case "id":
		return d.ID, true
	case "title":
		return d.Title, true
	case "document_type", "type":
		return d.DocumentType, true
	case "status":
		return d.Status, true
	case "created_by":
		return d.CreatedBy, true
	case "created_at":
		return d.CreatedAt, true
	}
	v, ok := d.Metadata[name]
	return v, ok
}

// User is an entry of the user directory.
type User struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Email     string   `json:"email" yaml:"email"`
	Roles     []string `json:"roles" yaml:"roles"`
	ManagerID string   `json:"manager_id,omitempty" yaml:"manager_id"`
}

// HasRole reports whether the user holds role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
