// Package findingapi is the HTTP surface of warden: finding intake, status
// queries, and the operator dead-letter action.
package findingapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/deadletter"
	"github.com/linnemanlabs/warden/internal/triage"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// maxBodyBytes bounds an ingest request.
const maxBodyBytes = 5 << 20

// FindingService defines the intake and query operations the API needs.
type FindingService interface {
	Submit(ctx context.Context, raw []byte) ([]triage.SubmitResult, error)
	Status(ctx context.Context, findingID string) (*triage.FindingStatus, error)
	DeadLetters(ctx context.Context, findingID string) ([]deadletter.Entry, error)
}

// RunService defines the workflow run operations the API needs.
type RunService interface {
	Get(ctx context.Context, runID string) (*workflow.Run, bool, error)
	ForceDeadLetter(ctx context.Context, runID, reason string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	findings FindingService
	runs     RunService
}

// New creates a new API handler.
func New(logger log.Logger, findings FindingService, runs RunService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if findings == nil || runs == nil {
		panic(xerrors.New("finding and run services are required"))
	}
	return &API{
		logger:   logger,
		findings: findings,
		runs:     runs,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/findings", a.handleIngest)
		r.Get("/findings/{id}", a.handleGetFinding)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Post("/runs/{id}/dead-letter", a.handleForceDeadLetter)
		r.Get("/deadletters", a.handleListDeadLetters)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
