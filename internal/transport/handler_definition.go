package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/ringi/internal/engine"
	"github.com/pitabwire/ringi/model"
)

type definitionBody struct {
	Name     string                   `json:"name"`
	Document model.DefinitionDocument `json:"document"`
}

func handleDefinitionCreate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var body definitionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		def, err := eng.CreateDefinition(r.Context(), rctx, body.Name, body.Document)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func handleDefinitionGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		definitionID := chi.URLParam(r, "definitionId")

		def, err := eng.GetDefinition(r.Context(), rctx, definitionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		defs, err := eng.ListDefinitions(r.Context(), rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		if defs == nil {
			defs = []model.WorkflowDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": defs})
	}
}

func handleDefinitionUpdate(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		definitionID := chi.URLParam(r, "definitionId")

		var body definitionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		def, err := eng.UpdateDefinition(r.Context(), rctx, definitionID, body.Name, body.Document)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionPublish(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		definitionID := chi.URLParam(r, "definitionId")

		def, err := eng.PublishDefinition(r.Context(), rctx, definitionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionArchive(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		definitionID := chi.URLParam(r, "definitionId")

		def, err := eng.ArchiveDefinition(r.Context(), rctx, definitionID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}
