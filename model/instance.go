package model

import (
	"fmt"
	"time"
)

// Workflow instance status constants.
const (
	InstanceStatusDraft            = "draft"
	InstanceStatusPending          = "pending"
	InstanceStatusInProgress       = "in_progress"
	InstanceStatusApproved         = "approved"
	InstanceStatusRejected         = "rejected"
	InstanceStatusChangesRequested = "changes_requested"
	InstanceStatusCancelled        = "cancelled"
)

// terminalInstanceStatuses are statuses from which no further transition is
// allowed.
var terminalInstanceStatuses = map[string]bool{
	InstanceStatusApproved:  true,
	InstanceStatusRejected:  true,
	InstanceStatusCancelled: true,
}

// IsTerminalInstanceStatus reports whether the status admits no further
// transitions.
func IsTerminalInstanceStatus(status string) bool {
	return terminalInstanceStatuses[status]
}

// WorkflowInstance is one running (or finished) execution of a workflow
// definition. ID is the globally unique storage identifier; DisplayNumber is
// the per-tenant human-readable sequence number.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	DisplayNumber int64          `json:"display_number"`
	DefinitionID  string         `json:"definition_id"`
	Title         string         `json:"title"`
	FormData      map[string]any `json:"form_data,omitempty"`
	Status        string         `json:"status"`
	CurrentStepID string         `json:"current_step_id,omitempty"`
	Version       int64          `json:"version"`
	InitiatorID   string         `json:"initiator_id"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DisplayID renders the externally visible identifier, e.g. "RGI-42".
func (i WorkflowInstance) DisplayID(prefix string) string {
	return FormatDisplayID(prefix, i.DisplayNumber)
}

// FormatDisplayID renders a {PREFIX}-{N} display identifier.
func FormatDisplayID(prefix string, n int64) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

// InstanceView is the aggregate returned by get_instance: the instance with
// its steps in display-number order.
type InstanceView struct {
	Instance WorkflowInstance `json:"instance"`
	Steps    []WorkflowStep   `json:"steps"`
}

// InstanceFilters are optional filters for listing workflow instances.
type InstanceFilters struct {
	Status       string
	DefinitionID string
	InitiatorID  string
	Limit        int
	Offset       int
}
