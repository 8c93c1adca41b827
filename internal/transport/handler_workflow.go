package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/reviewflow/internal/idempotency"
	"github.com/pitabwire/reviewflow/internal/observability"
	"github.com/pitabwire/reviewflow/internal/workflow"
	"github.com/pitabwire/reviewflow/model"
)

const (
	maxBodyBytes = 1 << 20

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type startRequest struct {
	WorkflowID string `json:"workflowId"`
}

type advanceRequest struct {
	Action   string         `json:"action"`
	Comment  string         `json:"comment,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type resetRequest struct {
	WorkflowID string `json:"workflowId"`
}

// actorFrom returns the actor resolved by the Actor middleware.
func actorFrom(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewBadRequestError("missing request context"))
		return model.Actor{}, false
	}
	return rctx.Actor(), true
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}

// keyedWrite runs write at most once per Idempotency-Key. Retries with the
// same key and body replay the stored instance.
type keyedWrite struct {
	store  idempotency.Store
	ttl    time.Duration
	logger *zap.Logger
}

func (k keyedWrite) run(w http.ResponseWriter, r *http.Request, op string, actor model.Actor, documentID string, body any,
	write func() (model.WorkflowInstance, error),
) (model.WorkflowInstance, bool, error) {
	key := r.Header.Get(headerIdempotencyKey)
	if k.store == nil || key == "" {
		inst, err := write()
		return inst, false, err
	}

	storeKey := idempotency.FormatKey(op, actor.ID, documentID, key)
	hash, err := idempotency.HashInput(body)
	if err != nil {
		return model.WorkflowInstance{}, false, model.NewBadRequestError("unhashable request body")
	}

	cached, found, err := k.store.Check(r.Context(), storeKey, hash)
	if err != nil {
		if model.HasCode(err, model.ErrConflict) {
			return model.WorkflowInstance{}, false, err
		}
		// The write still runs; only replay is lost.
		observability.RequestLogger(r.Context(), k.logger).Warn("idempotency lookup failed", zap.Error(err))
	}
	if found && cached != nil {
		w.Header().Set(headerReplayed, "true")
		return *cached, true, nil
	}

	inst, err := write()
	if err != nil {
		return inst, false, err
	}
	if err := k.store.Save(r.Context(), storeKey, hash, inst, k.ttl); err != nil {
		observability.RequestLogger(r.Context(), k.logger).Warn("idempotency save failed", zap.Error(err))
	}
	return inst, false, nil
}

func handleGetInstance(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		view, err := m.GetInstance(r.Context(), actor, chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, view)
	}
}

func handleGetHistory(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := m.GetHistory(r.Context(), chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": history})
	}
}

func handleGetActions(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		actions, err := m.AvailableActions(r.Context(), actor, chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": actions})
	}
}

func handleStart(m *workflow.Manager, keyed keyedWrite) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body startRequest
		if !decodeBody(w, r, &body) {
			return
		}
		documentID := chi.URLParam(r, "documentId")

		inst, replayed, err := keyed.run(w, r, "start", actor, documentID, body, func() (model.WorkflowInstance, error) {
			return m.Start(r.Context(), actor, documentID, body.WorkflowID)
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		WriteJSON(w, status, inst)
	}
}

func handleAdvance(m *workflow.Manager, keyed keyedWrite) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body advanceRequest
		if !decodeBody(w, r, &body) {
			return
		}
		if body.Action == "" {
			WriteError(w, model.NewBadRequestError("action is required"))
			return
		}
		documentID := chi.URLParam(r, "documentId")

		inst, _, err := keyed.run(w, r, "advance", actor, documentID, body, func() (model.WorkflowInstance, error) {
			return m.Advance(r.Context(), documentID, workflow.TransitionRequest{
				Action:   body.Action,
				Actor:    actor,
				Comment:  body.Comment,
				Metadata: body.Metadata,
			})
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleReset(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		var body resetRequest
		if !decodeBody(w, r, &body) {
			return
		}
		inst, err := m.Reset(r.Context(), actor, chi.URLParam(r, "documentId"), body.WorkflowID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleReconcile(m *workflow.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFrom(w, r)
		if !ok {
			return
		}
		report, err := m.Reconcile(r.Context(), actor, chi.URLParam(r, "documentId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}
