package findingapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/workflow"
)

type forceRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.run.id", id))

	run, ok, err := a.runs.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get run", "run_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("warden.run.state", string(run.CurrentState)))
	writeJSON(w, http.StatusOK, run)
}

func (a *API) handleForceDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.run.id", id))

	var req forceRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid payload")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	err = a.runs.ForceDeadLetter(r.Context(), id, req.Reason)
	switch {
	case err == nil:
		a.logger.Info(r.Context(), "run dead-lettered by operator", "run_id", id, "reason", req.Reason)
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "terminal_state": string(workflow.DeadLettered)})
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, workflow.ErrRunTerminal):
		writeError(w, http.StatusConflict, "run already terminal")
	default:
		a.logger.Error(r.Context(), err, "failed to dead-letter run", "run_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
