// Package notify delivers notifications to users. Delivery results are not
// inspected beyond the returned error.
package notify

import (
	"context"
	"errors"
)

// Notification types.
const (
	TypeEscalation     = "escalation"
	TypeEscalationWarn = "escalation_final_level"
	TypeWorkflowAction = "workflow_action"
)

// Notification is one message for one user.
type Notification struct {
	UserID  string         `json:"user_id"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// ErrNoRecipient is returned for a notification without a user.
var ErrNoRecipient = errors.New("notify: notification has no recipient")
