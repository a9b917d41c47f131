// Package definition extracts and validates the ordered approval chain
// described by a workflow definition document.
package definition

import (
	"fmt"

	"github.com/pitabwire/ringi/model"
)

// ParseChain validates a definition document and extracts the ordered list
// of approval steps. Document order is execution order. It is a pure
// function: no I/O, no clock, no state.
//
// A well-formed document is exactly one start node, followed by one or more
// approval nodes, followed by exactly one end node.
func ParseChain(doc model.DefinitionDocument) ([]model.ChainStep, error) {
	var details []model.FieldError

	if len(doc.Nodes) == 0 {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "nodes", Code: "REQUIRED", Message: "document has no nodes",
		}})
	}

	seen := make(map[string]bool, len(doc.Nodes))
	starts, ends := 0, 0
	var chain []model.ChainStep

	for i, node := range doc.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)

		if node.StepID == "" {
			details = append(details, model.FieldError{
				Field: path + ".step_id", Code: "REQUIRED", Message: "step_id is required",
			})
		} else if seen[node.StepID] {
			details = append(details, model.FieldError{
				Field: path + ".step_id", Code: "DUPLICATE",
				Message: fmt.Sprintf("step_id %q appears more than once", node.StepID),
			})
		}
		seen[node.StepID] = true

		switch node.Kind {
		case model.StepKindStart:
			starts++
			if i != 0 {
				details = append(details, model.FieldError{
					Field: path + ".kind", Code: "ORDER", Message: "start node must be first",
				})
			}
		case model.StepKindEnd:
			ends++
			if i != len(doc.Nodes)-1 {
				details = append(details, model.FieldError{
					Field: path + ".kind", Code: "ORDER", Message: "end node must be last",
				})
			}
		case model.StepKindApproval:
			if node.Name == "" {
				details = append(details, model.FieldError{
					Field: path + ".name", Code: "REQUIRED", Message: "approval step name is required",
				})
			}
			chain = append(chain, model.ChainStep{StepID: node.StepID, Name: node.Name})
		default:
			details = append(details, model.FieldError{
				Field: path + ".kind", Code: "INVALID",
				Message: fmt.Sprintf("unknown node kind %q", node.Kind),
			})
		}
	}

	if starts != 1 {
		details = append(details, model.FieldError{
			Field: "nodes", Code: "START_MARKER",
			Message: fmt.Sprintf("document must contain exactly one start node, found %d", starts),
		})
	}
	if ends != 1 {
		details = append(details, model.FieldError{
			Field: "nodes", Code: "END_MARKER",
			Message: fmt.Sprintf("document must contain exactly one end node, found %d", ends),
		})
	}
	if len(chain) == 0 {
		details = append(details, model.FieldError{
			Field: "nodes", Code: "NO_APPROVAL",
			Message: "document must contain at least one approval step",
		})
	}

	if len(details) > 0 {
		return nil, model.NewValidationError(details)
	}
	return chain, nil
}

// ValidateAssignments checks that the supplied approver assignments match
// the parsed chain exactly: same step ids, same order. It runs before any
// write.
func ValidateAssignments(chain []model.ChainStep, assignments []model.ApproverAssignment) error {
	var details []model.FieldError

	if len(assignments) != len(chain) {
		details = append(details, model.FieldError{
			Field: "assignments", Code: "LENGTH",
			Message: fmt.Sprintf("definition has %d approval steps, got %d assignments", len(chain), len(assignments)),
		})
		return model.NewValidationError(details)
	}

	for i, a := range assignments {
		if a.StepID != chain[i].StepID {
			details = append(details, model.FieldError{
				Field: fmt.Sprintf("assignments[%d].step_id", i), Code: "MISMATCH",
				Message: fmt.Sprintf("expected step %q, got %q", chain[i].StepID, a.StepID),
			})
		}
	}

	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}
