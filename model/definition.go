package model

import "time"

// Workflow definition status constants. A definition is authored as a draft,
// frozen by publishing, and eventually archived. Published documents are
// immutable; changes require a new version.
const (
	DefinitionStatusDraft     = "draft"
	DefinitionStatusPublished = "published"
	DefinitionStatusArchived  = "archived"
)

// Step node kinds inside a definition document.
const (
	StepKindStart    = "start"
	StepKindApproval = "approval"
	StepKindEnd      = "end"
)

// WorkflowDefinition is a versioned, tenant-owned description of an
// approval chain.
type WorkflowDefinition struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenant_id"`
	DisplayNumber int64              `json:"display_number"`
	Name          string             `json:"name"`
	Version       int                `json:"version"`
	Status        string             `json:"status"`
	Document      DefinitionDocument `json:"document"`
	CreatedBy     string             `json:"created_by"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// DisplayID renders the externally visible identifier, e.g. "DEF-7".
func (d WorkflowDefinition) DisplayID(prefix string) string {
	return FormatDisplayID(prefix, d.DisplayNumber)
}

// DefinitionDocument is the ordered structured document a definition is
// authored as. Document order is execution order.
type DefinitionDocument struct {
	Nodes []StepNode `json:"nodes" yaml:"nodes"`
}

// StepNode is a single node in a definition document.
type StepNode struct {
	StepID string `json:"step_id" yaml:"step_id"`
	Name   string `json:"name" yaml:"name"`
	Kind   string `json:"kind" yaml:"kind"`
}

// ChainStep is one approval step extracted from a definition document by the
// parser, in execution order.
type ChainStep struct {
	StepID string `json:"step_id"`
	Name   string `json:"name"`
}

// ApproverAssignment binds an approver to one step of the chain at
// submission time. The assignment list must match the parsed chain exactly:
// same step ids, same order.
type ApproverAssignment struct {
	StepID     string     `json:"step_id"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
}
