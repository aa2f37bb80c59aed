package workflow

import (
	"context"
	"time"

	"github.com/linnemanlabs/quell/internal/incident"
)

// IdempotencyRecord maps an inbound idempotency key to the transition it
// produced, so replays return the same outcome without transitioning
// again.
type IdempotencyRecord struct {
	Key        string
	IncidentID string
	StepID     string
	CreatedAt  time.Time
}

// Store is the persistence contract for incidents, the append-only
// transition log, and idempotency keys. The engine always reads through
// this interface before validating a transition; advisory caches sit in
// front of it for reporting reads only.
type Store interface {
	// CreateIncident inserts a new incident record.
	CreateIncident(ctx context.Context, in *incident.Incident) error

	// GetIncident returns a copy of the incident, or ok=false.
	GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error)

	// UpdateIncident writes the record iff the stored version still
	// equals expectedVersion, otherwise it returns ErrConflict. This is
	// the per-incident lease.
	UpdateIncident(ctx context.Context, in *incident.Incident, expectedVersion int64) error

	// AppendSteps appends transition log records. Records are immutable
	// once written.
	AppendSteps(ctx context.Context, recs []*incident.StepRecord) error

	// ListSteps returns an incident's transition log in append order.
	ListSteps(ctx context.Context, incidentID string) ([]*incident.StepRecord, error)

	// ListActive returns all incidents not in a terminal state, for the
	// timeout scheduler's sweep.
	ListActive(ctx context.Context) ([]*incident.Incident, error)

	// GetIdempotency looks up a previously recorded idempotency key.
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, bool, error)

	// PutIdempotency records an idempotency key. Writing an existing key
	// is a no-op.
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
}
