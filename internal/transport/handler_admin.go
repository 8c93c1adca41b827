package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/reviewflow/internal/definition"
	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

// definitionSummary is the listing shape of a workflow definition.
type definitionSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Stages      int    `json:"stages"`
}

// requireCapability rejects the request unless the actor's role holds cap.
func requireCapability(authz workflow.RoleAuthorizer, cap string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		if authz == nil || !authz.Can(actor.Role, cap) {
			WriteForbidden(w, "role lacks "+cap)
			return
		}
		next(w, r)
	}
}

func handleListDefinitions(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		defs := registry.All()
		out := make([]definitionSummary, 0, len(defs))
		for _, def := range defs {
			out = append(out, definitionSummary{
				ID:          def.ID,
				Name:        def.Name,
				Version:     def.Version,
				Description: def.Description,
				Stages:      len(def.Stages),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     out,
			"checksum": registry.Checksum(),
		})
	}
}

func handleGetDefinition(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := registry.GetDefinition(chi.URLParam(r, "workflowId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleListInstances(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filters := workflow.InstanceFilters{
			WorkflowID: q.Get("workflowId"),
			StageID:    q.Get("stageId"),
			DocumentID: q.Get("documentId"),
		}
		if v := q.Get("active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				WriteError(w, model.NewBadRequestError("active must be true or false"))
				return
			}
			filters.Active = &active
		}
		var ok bool
		if filters.Limit, ok = queryInt(w, r, "limit"); !ok {
			return
		}
		if filters.Offset, ok = queryInt(w, r, "offset"); !ok {
			return
		}

		instances, err := m.ListInstances(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": instances,
			"meta": map[string]int{"count": len(instances)},
		})
	}
}

func handleReconcileAll(m *workflow.Manager, concurrency int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		reports, err := m.ReconcileAll(r.Context(), actor, concurrency)
		if err != nil && reports == nil {
			WriteError(w, err)
			return
		}
		changed := 0
		failed := 0
		for _, rep := range reports {
			if rep.Error != "" {
				failed++
			} else if rep.Changed() {
				changed++
			}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data": reports,
			"meta": map[string]int{"documents": len(reports), "changed": changed, "failed": failed},
		})
	}
}

func handleReloadDefinitions(registry *definition.Registry, reload func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reload == nil {
			WriteError(w, model.NewBadRequestError("definition reload is not configured"))
			return
		}
		if err := reload(r.Context()); err != nil {
			if _, ok := model.AsEnvelope(err); !ok {
				err = model.NewBadRequestError("reload failed: " + err.Error())
			}
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"definitions": registry.Len(),
			"checksum":    registry.Checksum(),
		})
	}
}

// queryInt parses an optional integer query parameter. Zero is returned
// when the parameter is absent.
func queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		WriteError(w, model.NewBadRequestError(name+" must be an integer"))
		return 0, false
	}
	return n, true
}
