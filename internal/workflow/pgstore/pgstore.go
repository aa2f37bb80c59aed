// Package pgstore provides a PostgreSQL implementation of workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/quell/internal/workflow/pgstore")

//go:embed schema.sql
var schema string

// Store persists incidents, their transition logs and idempotency keys
// in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const incidentColumns = `id, severity, state, confidence, risk, context, actions,
	retry_counts, pending_approval_id, version, created_at, updated_at`

// CreateIncident inserts a new incident row.
func (s *Store) CreateIncident(ctx context.Context, in *incident.Incident) error {
	ctx, span := tracer.Start(ctx, "pgstore.CreateIncident", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	contextJSON, actionsJSON, retriesJSON, err := marshalIncident(in)
	if err != nil {
		return spanErr(span, err)
	}

	query := `INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = s.pool.Exec(ctx, query,
		in.ID, string(in.Severity), string(in.State), in.Confidence, in.Risk,
		contextJSON, actionsJSON, retriesJSON, in.PendingApprovalID,
		in.Version, in.CreatedAt, in.UpdatedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert incident: %w", err))
	}
	return nil
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetIncident", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	in, err := scanIncidentRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	if in == nil {
		return nil, false, nil
	}
	return in, true, nil
}

// UpdateIncident writes the incident only if its stored version still
// matches expectedVersion. A version race reports workflow.ErrConflict.
func (s *Store) UpdateIncident(ctx context.Context, in *incident.Incident, expectedVersion int64) error {
	ctx, span := tracer.Start(ctx, "pgstore.UpdateIncident", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	contextJSON, actionsJSON, retriesJSON, err := marshalIncident(in)
	if err != nil {
		return spanErr(span, err)
	}

	tag, err := s.pool.Exec(ctx, `UPDATE incidents SET
			severity            = $3,
			state               = $4,
			confidence          = $5,
			risk                = $6,
			context             = $7,
			actions             = $8,
			retry_counts        = $9,
			pending_approval_id = $10,
			version             = $11,
			updated_at          = $12
		WHERE id = $1 AND version = $2`,
		in.ID, expectedVersion,
		string(in.Severity), string(in.State), in.Confidence, in.Risk,
		contextJSON, actionsJSON, retriesJSON, in.PendingApprovalID,
		in.Version, in.UpdatedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("update incident: %w", err))
	}
	if tag.RowsAffected() == 0 {
		// distinguish a missing row from a lost version race
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, in.ID).Scan(&exists); err != nil {
			return spanErr(span, fmt.Errorf("check incident: %w", err))
		}
		if !exists {
			return workflow.ErrNotFound
		}
		return fmt.Errorf("%w: incident %s moved past version %d", workflow.ErrConflict, in.ID, expectedVersion)
	}
	return nil
}

// AppendSteps inserts transition records in one batch.
func (s *Store) AppendSteps(ctx context.Context, recs []*incident.StepRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "pgstore.AppendSteps", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	b := &pgx.Batch{}
	for _, r := range recs {
		detailJSON, err := json.Marshal(r.Detail)
		if err != nil {
			return spanErr(span, fmt.Errorf("marshal step detail: %w", err))
		}
		b.Queue(`INSERT INTO incident_steps (id, incident_id, from_state, to_state, actor, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			r.ID, r.IncidentID, string(r.From), string(r.To), r.Actor, detailJSON, r.At,
		)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return spanErr(span, fmt.Errorf("insert steps: %w", err))
	}
	return nil
}

// ListSteps returns an incident's transition log in chronological order.
func (s *Store) ListSteps(ctx context.Context, incidentID string) ([]*incident.StepRecord, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListSteps", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, from_state, to_state, actor, detail, created_at
		 FROM incident_steps WHERE incident_id = $1 ORDER BY created_at, id`,
		incidentID,
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query steps: %w", err))
	}
	defer rows.Close()

	var out []*incident.StepRecord
	for rows.Next() {
		var (
			r          incident.StepRecord
			from, to   string
			detailJSON []byte
		)
		if err := rows.Scan(&r.ID, &r.IncidentID, &from, &to, &r.Actor, &detailJSON, &r.At); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan step: %w", err))
		}
		r.From = incident.State(from)
		r.To = incident.State(to)
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &r.Detail); err != nil {
				return nil, spanErr(span, fmt.Errorf("unmarshal step detail: %w", err))
			}
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate steps: %w", err))
	}
	return out, nil
}

// ListActive returns all incidents not in a terminal state.
func (s *Store) ListActive(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE state NOT IN ($1, $2, $3) ORDER BY updated_at`
	rows, err := s.pool.Query(ctx, query,
		string(incident.StateClosed), string(incident.StateFailed), string(incident.StateTimeout),
	)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query active incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		in, err := scanIncident(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// GetIdempotency looks up a processed-event record by key.
func (s *Store) GetIdempotency(ctx context.Context, key string) (*workflow.IdempotencyRecord, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetIdempotency", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var rec workflow.IdempotencyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, incident_id, step_id, created_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.IncidentID, &rec.StepID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("scan idempotency key: %w", err))
	}
	return &rec, true, nil
}

// PutIdempotency records a processed event. Replays keep the first row.
func (s *Store) PutIdempotency(ctx context.Context, rec *workflow.IdempotencyRecord) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutIdempotency", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, incident_id, step_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.IncidentID, rec.StepID, rec.CreatedAt,
	)
	if err != nil {
		return spanErr(span, fmt.Errorf("insert idempotency key: %w", err))
	}
	return nil
}

func marshalIncident(in *incident.Incident) (contextJSON, actionsJSON, retriesJSON []byte, err error) {
	if contextJSON, err = json.Marshal(orEmptyMap(in.Context)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}
	actions := in.Actions
	if actions == nil {
		actions = []incident.Action{}
	}
	if actionsJSON, err = json.Marshal(actions); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal actions: %w", err)
	}
	retries := in.RetryCounts
	if retries == nil {
		retries = map[string]int{}
	}
	if retriesJSON, err = json.Marshal(retries); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal retry counts: %w", err)
	}
	return contextJSON, actionsJSON, retriesJSON, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// scanIncidentRow scans a single row into an incident. Returns
// (nil, nil) when no row is found.
func scanIncidentRow(row pgx.Row) (*incident.Incident, error) {
	in, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return in, nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		in          incident.Incident
		severity    string
		state       string
		contextJSON []byte
		actionsJSON []byte
		retriesJSON []byte
	)
	err := row.Scan(
		&in.ID, &severity, &state, &in.Confidence, &in.Risk,
		&contextJSON, &actionsJSON, &retriesJSON, &in.PendingApprovalID,
		&in.Version, &in.CreatedAt, &in.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	in.Severity = incident.Severity(severity)
	in.State = incident.State(state)
	if err := json.Unmarshal(contextJSON, &in.Context); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &in.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions: %w", err)
	}
	if err := json.Unmarshal(retriesJSON, &in.RetryCounts); err != nil {
		return nil, fmt.Errorf("unmarshal retry counts: %w", err)
	}
	return &in, nil
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
