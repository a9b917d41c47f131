package definition

import (
	"testing"

	"github.com/pitabwire/ringi/model"
)

func doc(nodes ...model.StepNode) model.DefinitionDocument {
	return model.DefinitionDocument{Nodes: nodes}
}

func start() model.StepNode {
	return model.StepNode{StepID: "start", Name: "Start", Kind: model.StepKindStart}
}

func end() model.StepNode {
	return model.StepNode{StepID: "end", Name: "End", Kind: model.StepKindEnd}
}

func approval(id, name string) model.StepNode {
	return model.StepNode{StepID: id, Name: name, Kind: model.StepKindApproval}
}

func TestParseChain_valid(t *testing.T) {
	chain, err := ParseChain(doc(
		start(),
		approval("manager", "Manager Approval"),
		approval("finance", "Finance Approval"),
		approval("director", "Director Approval"),
		end(),
	))
	if err != nil {
		t.Fatalf("ParseChain error: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d, want 3", len(chain))
	}
	want := []string{"manager", "finance", "director"}
	for i, stepID := range want {
		if chain[i].StepID != stepID {
			t.Errorf("chain[%d].StepID = %q, want %q", i, chain[i].StepID, stepID)
		}
	}
	if chain[0].Name != "Manager Approval" {
		t.Errorf("chain[0].Name = %q", chain[0].Name)
	}
}

func TestParseChain_invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  model.DefinitionDocument
	}{
		{"empty document", doc()},
		{"no approval step", doc(start(), end())},
		{"missing start", doc(approval("a", "A"), end())},
		{"missing end", doc(start(), approval("a", "A"))},
		{"two starts", doc(start(), model.StepNode{StepID: "s2", Kind: model.StepKindStart}, approval("a", "A"), end())},
		{"start not first", doc(approval("a", "A"), start(), end())},
		{"end not last", doc(start(), end(), approval("a", "A"))},
		{"duplicate step ids", doc(start(), approval("a", "A"), approval("a", "A again"), end())},
		{"unknown kind", doc(start(), model.StepNode{StepID: "x", Kind: "parallel"}, approval("a", "A"), end())},
		{"approval without name", doc(start(), approval("a", ""), end())},
		{"missing step id", doc(start(), model.StepNode{Name: "A", Kind: model.StepKindApproval}, end())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChain(tt.doc)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !model.IsCode(err, model.ErrValidationError) {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}

func TestParseChain_orderIsDocumentOrder(t *testing.T) {
	chain, err := ParseChain(doc(
		start(),
		approval("third", "C"),
		approval("first", "A"),
		approval("second", "B"),
		end(),
	))
	if err != nil {
		t.Fatalf("ParseChain error: %v", err)
	}
	got := []string{chain[0].StepID, chain[1].StepID, chain[2].StepID}
	want := []string{"third", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q (document order)", i, got[i], want[i])
		}
	}
}

func TestValidateAssignments(t *testing.T) {
	chain := []model.ChainStep{
		{StepID: "manager", Name: "Manager"},
		{StepID: "finance", Name: "Finance"},
	}

	tests := []struct {
		name        string
		assignments []model.ApproverAssignment
		wantErr     bool
	}{
		{
			name: "exact match",
			assignments: []model.ApproverAssignment{
				{StepID: "manager", AssigneeID: "u1"},
				{StepID: "finance", AssigneeID: "u2"},
			},
			wantErr: false,
		},
		{
			name: "wrong order",
			assignments: []model.ApproverAssignment{
				{StepID: "finance", AssigneeID: "u2"},
				{StepID: "manager", AssigneeID: "u1"},
			},
			wantErr: true,
		},
		{
			name: "missing step",
			assignments: []model.ApproverAssignment{
				{StepID: "manager", AssigneeID: "u1"},
			},
			wantErr: true,
		},
		{
			name: "extra step",
			assignments: []model.ApproverAssignment{
				{StepID: "manager", AssigneeID: "u1"},
				{StepID: "finance", AssigneeID: "u2"},
				{StepID: "legal", AssigneeID: "u3"},
			},
			wantErr: true,
		},
		{
			name: "unknown step id",
			assignments: []model.ApproverAssignment{
				{StepID: "manager", AssigneeID: "u1"},
				{StepID: "legal", AssigneeID: "u3"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAssignments(chain, tt.assignments)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAssignments() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !model.IsCode(err, model.ErrValidationError) {
				t.Errorf("error = %v, want VALIDATION_ERROR", err)
			}
		})
	}
}
