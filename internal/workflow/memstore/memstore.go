// Package memstore provides an in-memory implementation of workflow.Store.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/workflow"
)

// Store holds incidents, step records and idempotency keys in memory.
// Suitable for dev/testing.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident     // incident ID -> incident
	steps     map[string][]*incident.StepRecord // incident ID -> transition log
	idem      map[string]*workflow.IdempotencyRecord
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		steps:     make(map[string][]*incident.StepRecord),
		idem:      make(map[string]*workflow.IdempotencyRecord),
	}
}

// CreateIncident stores a copy of a new incident.
func (s *Store) CreateIncident(_ context.Context, in *incident.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[in.ID]; ok {
		return fmt.Errorf("incident %s already exists", in.ID)
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

// GetIncident retrieves an incident by ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	return in.Clone(), true, nil
}

// UpdateIncident stores a copy of the incident if its stored version
// still matches expectedVersion, otherwise reports workflow.ErrConflict.
func (s *Store) UpdateIncident(_ context.Context, in *incident.Incident, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.incidents[in.ID]
	if !ok {
		return workflow.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: incident %s at version %d, expected %d",
			workflow.ErrConflict, in.ID, cur.Version, expectedVersion)
	}
	s.incidents[in.ID] = in.Clone()
	return nil
}

// AppendSteps appends transition records to their incidents' logs.
func (s *Store) AppendSteps(_ context.Context, recs []*incident.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		cp := *r
		s.steps[r.IncidentID] = append(s.steps[r.IncidentID], &cp)
	}
	return nil
}

// ListSteps returns an incident's transition log in append order.
func (s *Store) ListSteps(_ context.Context, incidentID string) ([]*incident.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.steps[incidentID]
	out := make([]*incident.StepRecord, len(recs))
	for i, r := range recs {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// ListActive returns copies of all incidents not in a terminal state.
func (s *Store) ListActive(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.Incident
	for _, in := range s.incidents {
		if in.State.Terminal() {
			continue
		}
		out = append(out, in.Clone())
	}
	return out, nil
}

// GetIdempotency looks up a processed-event record by key.
func (s *Store) GetIdempotency(_ context.Context, key string) (*workflow.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[key]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// PutIdempotency records a processed event. Replays keep the first
// record.
func (s *Store) PutIdempotency(_ context.Context, rec *workflow.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idem[rec.Key]; ok {
		return nil
	}
	cp := *rec
	s.idem[rec.Key] = &cp
	return nil
}
