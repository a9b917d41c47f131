package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepPhase identifies which state variant a step is in.
type StepPhase string

// Step phases.
const (
	StepPhasePending   StepPhase = "pending"
	StepPhaseActive    StepPhase = "active"
	StepPhaseCompleted StepPhase = "completed"
	StepPhaseSkipped   StepPhase = "skipped"
)

// Decision is the outcome recorded on a completed step.
type Decision string

// Step decisions.
const (
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionChangesRequested Decision = "changes_requested"
)

// StepState is the tagged per-phase state of a workflow step. Each variant
// carries exactly the fields that phase needs, so invalid combinations (an
// active step without a start time, a completed step without a decision)
// cannot be constructed.
type StepState interface {
	Phase() StepPhase
}

// StatePending is a step waiting for earlier steps to complete.
type StatePending struct{}

// Phase implements StepState.
func (StatePending) Phase() StepPhase { return StepPhasePending }

// StateActive is the step currently awaiting a decision.
type StateActive struct {
	StartedAt time.Time
}

// Phase implements StepState.
func (StateActive) Phase() StepPhase { return StepPhaseActive }

// StateCompleted is a step that received a decision.
type StateCompleted struct {
	Decision    Decision
	Comment     string
	StartedAt   time.Time
	CompletedAt time.Time
}

// Phase implements StepState.
func (StateCompleted) Phase() StepPhase { return StepPhaseCompleted }

// StateSkipped is a step that will never activate because the instance was
// rejected, sent back for changes, or cancelled before the step's turn.
type StateSkipped struct{}

// Phase implements StepState.
func (StateSkipped) Phase() StepPhase { return StepPhaseSkipped }

// WorkflowStep is one approval step materialized from a definition at
// submission time. DisplayNumber is the per-instance sequence number; it is
// contiguous and continues across resubmissions.
type WorkflowStep struct {
	ID            string
	TenantID      string
	InstanceID    string
	DisplayNumber int64
	StepID        string
	Name          string
	AssigneeID    string
	DueAt         *time.Time
	State         StepState
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StepRecord is the flat storage representation of a step's state. Phase
// discriminates; the remaining columns are nullable and only meaningful for
// the phases that own them.
type StepRecord struct {
	Phase       string
	Decision    string
	Comment     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Record flattens a StepState into its storage representation.
func Record(state StepState) StepRecord {
	switch s := state.(type) {
	case StateActive:
		started := s.StartedAt
		return StepRecord{Phase: string(StepPhaseActive), StartedAt: &started}
	case StateCompleted:
		started, completed := s.StartedAt, s.CompletedAt
		return StepRecord{
			Phase:       string(StepPhaseCompleted),
			Decision:    string(s.Decision),
			Comment:     s.Comment,
			StartedAt:   &started,
			CompletedAt: &completed,
		}
	case StateSkipped:
		return StepRecord{Phase: string(StepPhaseSkipped)}
	default:
		return StepRecord{Phase: string(StepPhasePending)}
	}
}

// StateFromRecord reconstructs the tagged state from a flat record. It fails
// with a STATE_CORRUPT error when a phase's required fields are missing
// rather than defaulting them silently.
func StateFromRecord(r StepRecord) (StepState, error) {
	switch StepPhase(r.Phase) {
	case StepPhasePending:
		return StatePending{}, nil
	case StepPhaseActive:
		if r.StartedAt == nil {
			return nil, NewStateCorruptError("active step has no start time")
		}
		if r.Decision != "" {
			return nil, NewStateCorruptError(
				fmt.Sprintf("active step carries decision %q", r.Decision),
			)
		}
		return StateActive{StartedAt: *r.StartedAt}, nil
	case StepPhaseCompleted:
		if r.Decision == "" {
			return nil, NewStateCorruptError("completed step has no decision")
		}
		if r.StartedAt == nil || r.CompletedAt == nil {
			return nil, NewStateCorruptError("completed step is missing timestamps")
		}
		switch Decision(r.Decision) {
		case DecisionApproved, DecisionRejected, DecisionChangesRequested:
		default:
			return nil, NewStateCorruptError(
				fmt.Sprintf("completed step has unknown decision %q", r.Decision),
			)
		}
		return StateCompleted{
			Decision:    Decision(r.Decision),
			Comment:     r.Comment,
			StartedAt:   *r.StartedAt,
			CompletedAt: *r.CompletedAt,
		}, nil
	case StepPhaseSkipped:
		return StateSkipped{}, nil
	default:
		return nil, NewStateCorruptError(fmt.Sprintf("unknown step phase %q", r.Phase))
	}
}

// stepJSON is the wire shape of a step: identification fields plus the
// flattened state record.
type stepJSON struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	InstanceID    string     `json:"instance_id"`
	DisplayNumber int64      `json:"display_number"`
	StepID        string     `json:"step_id"`
	Name          string     `json:"name"`
	AssigneeID    string     `json:"assignee_id,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	Phase         string     `json:"phase"`
	Decision      string     `json:"decision,omitempty"`
	Comment       string     `json:"comment,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// MarshalJSON implements json.Marshaler.
func (s WorkflowStep) MarshalJSON() ([]byte, error) {
	r := Record(s.State)
	return json.Marshal(stepJSON{
		ID:            s.ID,
		TenantID:      s.TenantID,
		InstanceID:    s.InstanceID,
		DisplayNumber: s.DisplayNumber,
		StepID:        s.StepID,
		Name:          s.Name,
		AssigneeID:    s.AssigneeID,
		DueAt:         s.DueAt,
		Phase:         r.Phase,
		Decision:      r.Decision,
		Comment:       r.Comment,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		Version:       s.Version,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Reconstruction goes through
// StateFromRecord so malformed payloads fail explicitly.
func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	var w stepJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	state, err := StateFromRecord(StepRecord{
		Phase:       w.Phase,
		Decision:    w.Decision,
		Comment:     w.Comment,
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
	})
	if err != nil {
		return err
	}
	*s = WorkflowStep{
		ID:            w.ID,
		TenantID:      w.TenantID,
		InstanceID:    w.InstanceID,
		DisplayNumber: w.DisplayNumber,
		StepID:        w.StepID,
		Name:          w.Name,
		AssigneeID:    w.AssigneeID,
		DueAt:         w.DueAt,
		State:         state,
		Version:       w.Version,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	return nil
}
