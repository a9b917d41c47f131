package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ringi/internal/engine"
	"github.com/pitabwire/ringi/model"
)

type decisionKind int

const (
	decisionApprove decisionKind = iota
	decisionReject
	decisionRequestChanges
)

// handleStepDecision serves the three decision routes. Reject and
// request-changes require a comment; approval comments are optional.
func handleStepDecision(eng *engine.Engine, kind decisionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")
		stepID := chi.URLParam(r, "stepId")

		var body struct {
			Comment string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if kind != decisionApprove && body.Comment == "" {
			WriteError(w, model.NewValidationError([]model.FieldError{
				{Field: "comment", Message: "comment is required for this decision"},
			}))
			return
		}

		var decide func(context.Context, *model.RequestContext, string, string, string) (model.InstanceView, error)
		switch kind {
		case decisionApprove:
			decide = eng.Approve
		case decisionReject:
			decide = eng.Reject
		default:
			decide = eng.RequestChanges
		}

		view, err := decide(r.Context(), rctx, instanceID, stepID, body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}
