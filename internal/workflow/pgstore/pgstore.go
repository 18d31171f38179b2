// Package pgstore provides a PostgreSQL implementation of workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists workflow runs in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `run_id, finding_id, current_state, attempts, started_at, updated_at,
	terminal_state, completed_at, last_error, evidence_location, subject_type, subject_id,
	severity, category, compensated_state`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// CreateIfAbsent inserts run unless its finding already has one, in which
// case the existing run is returned.
func (s *Store) CreateIfAbsent(ctx context.Context, run *workflow.Run) (*workflow.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateIfAbsent", "INSERT")
	defer span.End()

	args, err := runArgs(run)
	if err != nil {
		return nil, false, fail(span, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (finding_id) DO NOTHING`, args...)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("insert run: %w", err))
	}
	created := tag.RowsAffected() == 1

	stored, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE finding_id = $1`, run.FindingID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if stored == nil {
		return nil, false, fail(span, fmt.Errorf("run for finding %s vanished after insert", run.FindingID))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(attribute.Bool("warden.run_created", created))
	return stored, created, nil
}

// Get retrieves a run by ID.
//
//nolint:dupl // similar structure to GetByFinding is intentional
func (s *Store) Get(ctx context.Context, runID string) (*workflow.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`, runID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetByFinding retrieves the run for a finding.
//
//nolint:dupl // similar structure to Get is intentional
func (s *Store) GetByFinding(ctx context.Context, findingID string) (*workflow.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFinding", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE finding_id = $1`, findingID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Update replaces a non-terminal run. The terminal check is part of the
// UPDATE predicate so concurrent finalizers cannot both succeed.
func (s *Store) Update(ctx context.Context, run *workflow.Run) error {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	args, err := runArgs(run)
	if err != nil {
		return fail(span, err)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE workflow_runs SET
		current_state     = $3,
		attempts          = $4,
		started_at        = $5,
		updated_at        = $6,
		terminal_state    = $7,
		completed_at      = $8,
		last_error        = $9,
		evidence_location = $10,
		subject_type      = $11,
		subject_id        = $12,
		severity          = $13,
		category          = $14,
		compensated_state = $15
	WHERE run_id = $1 AND finding_id = $2 AND terminal_state IS NULL`, args...)
	if err != nil {
		return fail(span, fmt.Errorf("update run: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var terminal *string
	err = s.pool.QueryRow(ctx, `SELECT terminal_state FROM workflow_runs WHERE run_id = $1`, run.RunID).Scan(&terminal)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return workflow.ErrNotFound
	case err != nil:
		return fail(span, fmt.Errorf("check run: %w", err))
	case terminal != nil:
		return workflow.ErrRunTerminal
	default:
		return fail(span, fmt.Errorf("run %s changed identity", run.RunID))
	}
}

// ListActive returns non-terminal runs, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]*workflow.Run, error) {
	ctx, span := startSpan(ctx, "pgstore.ListActive", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM workflow_runs
		WHERE terminal_state IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query active runs: %w", err))
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate runs: %w", err))
	}
	return out, nil
}

func runArgs(r *workflow.Run) ([]any, error) {
	attempts, err := json.Marshal(r.Attempts)
	if err != nil {
		return nil, fmt.Errorf("marshal attempts: %w", err)
	}
	var terminal *string
	if r.TerminalState != "" {
		t := string(r.TerminalState)
		terminal = &t
	}
	var completedAt *time.Time
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}
	return []any{
		r.RunID, r.FindingID, string(r.CurrentState), attempts, r.StartedAt, r.UpdatedAt,
		terminal, completedAt, r.LastError, r.EvidenceLocation, r.Subject.Type, r.Subject.ID,
		r.Severity, r.Category, string(r.Compensated),
	}, nil
}

// scanRun scans a single row. Returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		r            workflow.Run
		state        string
		attemptsJSON []byte
		terminal     *string
		completedAt  *time.Time
		compensated  string
		subj         finding.Subject
	)
	err := row.Scan(
		&r.RunID, &r.FindingID, &state, &attemptsJSON, &r.StartedAt, &r.UpdatedAt,
		&terminal, &completedAt, &r.LastError, &r.EvidenceLocation, &subj.Type, &subj.ID,
		&r.Severity, &r.Category, &compensated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.CurrentState = workflow.StateName(state)
	r.Subject = subj
	r.Compensated = workflow.StateName(compensated)
	if terminal != nil {
		r.TerminalState = workflow.TerminalState(*terminal)
	}
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	r.Attempts = make(map[workflow.StateName]int)
	if len(attemptsJSON) > 0 {
		if err := json.Unmarshal(attemptsJSON, &r.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return &r, nil
}
