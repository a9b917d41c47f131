package transport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ringi/internal/engine"
	"github.com/pitabwire/ringi/model"
)

func handleInstanceCreate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body struct {
			DefinitionID string         `json:"definition_id"`
			Title        string         `json:"title"`
			Form         map[string]any `json:"form"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}
		if body.DefinitionID == "" {
			WriteError(w, model.NewValidationError([]model.FieldError{
				{Field: "definition_id", Message: "definition_id is required"},
			}))
			return
		}

		inst, err := eng.Create(r.Context(), rctx, body.DefinitionID, body.Title, body.Form)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		view, err := eng.Get(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		filters := model.InstanceFilters{
			Status:       r.URL.Query().Get("status"),
			DefinitionID: r.URL.Query().Get("definition_id"),
			InitiatorID:  r.URL.Query().Get("initiator_id"),
			Limit:        queryInt(r, "limit", 20),
			Offset:       queryInt(r, "offset", 0),
		}

		instances, err := eng.List(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if instances == nil {
			instances = []model.WorkflowInstance{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   instances,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleInstanceUpdateDraft(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		var body struct {
			Title string         `json:"title"`
			Form  map[string]any `json:"form"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		inst, err := eng.UpdateDraft(r.Context(), rctx, instanceID, body.Title, body.Form)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

type submitBody struct {
	Assignments []model.ApproverAssignment `json:"assignments"`
}

func handleInstanceSubmit(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		view, err := eng.Submit(r.Context(), rctx, instanceID, body.Assignments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceResubmit(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		view, err := eng.Resubmit(r.Context(), rctx, instanceID, body.Assignments)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleInstanceCancel(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		instanceID := chi.URLParam(r, "instanceId")

		view, err := eng.Cancel(r.Context(), rctx, instanceID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
