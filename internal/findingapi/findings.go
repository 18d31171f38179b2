package findingapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/triage"
)

// ingestResponse reports per-outcome counts and the per-finding results.
type ingestResponse struct {
	Accepted int                   `json:"accepted"`
	Skipped  int                   `json:"skipped"`
	Rejected int                   `json:"rejected"`
	Failed   int                   `json:"failed"`
	Results  []triage.SubmitResult `json:"results"`
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable payload")
		return
	}

	results, err := a.findings.Submit(r.Context(), body)
	if err != nil {
		a.logger.Warn(r.Context(), "undecodable finding payload", "err", err, "bytes", len(body))
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	resp := ingestResponse{Results: results}
	for _, res := range results {
		switch res.Outcome {
		case triage.OutcomeAccepted:
			resp.Accepted++
		case triage.OutcomeSkipped:
			resp.Skipped++
		case triage.OutcomeRejected:
			resp.Rejected++
		case triage.OutcomeFailed:
			resp.Failed++
		}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("warden.findings.received", len(results)),
		attribute.Int("warden.findings.accepted", resp.Accepted),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.finding.id", id))

	st, err := a.findings.Status(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get finding status", "finding_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !st.Found() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if st.Run != nil {
		span.SetAttributes(attribute.String("warden.run.state", string(st.Run.CurrentState)))
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	findingID := r.URL.Query().Get("finding_id")

	entries, err := a.findings.DeadLetters(r.Context(), findingID)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list dead letters", "finding_id", findingID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
