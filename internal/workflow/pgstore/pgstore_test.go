package pgstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/workflow"
	"github.com/linnemanlabs/quell/internal/workflow/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("QUELL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("QUELL_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func freshIncident(state incident.State) *incident.Incident {
	now := time.Now().Truncate(time.Microsecond).UTC()
	return &incident.Incident{
		ID:         ulid.Make().String(),
		Severity:   incident.SeverityHigh,
		State:      state,
		Confidence: 0.8,
		Risk:       0.2,
		Context:    map[string]any{"host": "web-1"},
		Actions:    []incident.Action{{Name: "block_ip", Status: "pending"}},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreateAndGetIncident(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := freshIncident(incident.StateAnalysisComplete)
	if err := s.CreateIncident(ctx, in); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	got, ok, err := s.GetIncident(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if !ok {
		t.Fatal("GetIncident returned ok=false, want true")
	}
	if got.State != in.State || got.Severity != in.Severity || got.Version != 1 {
		t.Errorf("got %s/%s v%d, want %s/%s v1", got.State, got.Severity, got.Version, in.State, in.Severity)
	}
	if got.Confidence != 0.8 || got.Risk != 0.2 {
		t.Errorf("scores = %v/%v, want 0.8/0.2", got.Confidence, got.Risk)
	}
	if got.Context["host"] != "web-1" {
		t.Errorf("context = %v", got.Context)
	}
	if len(got.Actions) != 1 || got.Actions[0].Name != "block_ip" {
		t.Errorf("actions = %v", got.Actions)
	}
	if !got.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, in.CreatedAt)
	}
}

func TestGetIncident_Missing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.GetIncident(context.Background(), "never-created")
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if ok {
		t.Error("GetIncident returned ok=true for a missing incident")
	}
}

func TestUpdateIncident_CAS(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := freshIncident(incident.StateInitialized)
	if err := s.CreateIncident(ctx, in); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	in.State = incident.StateDetectionReceived
	in.Version = 2
	in.UpdatedAt = time.Now().Truncate(time.Microsecond).UTC()
	if err := s.UpdateIncident(ctx, in, 1); err != nil {
		t.Fatalf("UpdateIncident: %v", err)
	}

	// a writer holding the superseded version loses
	stale := freshIncident(incident.StateAnalysisRequested)
	stale.ID = in.ID
	stale.Version = 2
	err := s.UpdateIncident(ctx, stale, 1)
	if !errors.Is(err, workflow.ErrConflict) {
		t.Fatalf("stale UpdateIncident = %v, want ErrConflict", err)
	}

	got, _, err := s.GetIncident(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetIncident: %v", err)
	}
	if got.State != incident.StateDetectionReceived || got.Version != 2 {
		t.Errorf("stored = %s v%d, want DETECTION_RECEIVED v2", got.State, got.Version)
	}
}

func TestUpdateIncident_Missing(t *testing.T) {
	s := openStore(t)

	ghost := freshIncident(incident.StateInitialized)
	err := s.UpdateIncident(context.Background(), ghost, 1)
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("UpdateIncident = %v, want ErrNotFound", err)
	}
}

func TestSteps_AppendAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	in := freshIncident(incident.StateInitialized)
	if err := s.CreateIncident(ctx, in); err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}

	base := time.Now().Truncate(time.Microsecond).UTC()
	recs := []*incident.StepRecord{
		{
			ID: ulid.Make().String(), IncidentID: in.ID,
			From: incident.StateInitialized, To: incident.StateDetectionReceived,
			Actor: "ids", Detail: map[string]any{"event": "detection_received"}, At: base,
		},
		{
			ID: ulid.Make().String(), IncidentID: in.ID,
			From: incident.StateDetectionReceived, To: incident.StateAnalysisRequested,
			Actor: "workflow", At: base.Add(time.Second),
		},
	}
	if err := s.AppendSteps(ctx, recs); err != nil {
		t.Fatalf("AppendSteps: %v", err)
	}
	// replaying the same records is a no-op, not an error
	if err := s.AppendSteps(ctx, recs); err != nil {
		t.Fatalf("replayed AppendSteps: %v", err)
	}

	got, err := s.ListSteps(ctx, in.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("steps = %d, want 2", len(got))
	}
	if got[0].To != incident.StateDetectionReceived || got[1].To != incident.StateAnalysisRequested {
		t.Errorf("order = %s, %s", got[0].To, got[1].To)
	}
	if got[0].Detail["event"] != "detection_received" {
		t.Errorf("detail = %v", got[0].Detail)
	}
}

func TestListActive_ExcludesTerminal(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	active := freshIncident(incident.StateApprovalPending)
	resolved := freshIncident(incident.StateResolved)
	closed := freshIncident(incident.StateClosed)
	for _, in := range []*incident.Incident{active, resolved, closed} {
		if err := s.CreateIncident(ctx, in); err != nil {
			t.Fatalf("CreateIncident: %v", err)
		}
	}

	got, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	seen := make(map[string]bool, len(got))
	for _, in := range got {
		seen[in.ID] = true
		if in.State.Terminal() {
			t.Errorf("ListActive returned terminal incident %s in %s", in.ID, in.State)
		}
	}
	if !seen[active.ID] {
		t.Error("active incident missing from sweep")
	}
	// resolved is not terminal: the scheduler still owes it an auto-close
	if !seen[resolved.ID] {
		t.Error("resolved incident missing from sweep")
	}
	if seen[closed.ID] {
		t.Error("closed incident returned by ListActive")
	}
}

func TestIdempotency(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	key := fmt.Sprintf("evt-%s", ulid.Make())
	first := &workflow.IdempotencyRecord{
		Key: key, IncidentID: "inc-1", StepID: "s1",
		CreatedAt: time.Now().Truncate(time.Microsecond).UTC(),
	}
	if err := s.PutIdempotency(ctx, first); err != nil {
		t.Fatalf("PutIdempotency: %v", err)
	}
	replay := &workflow.IdempotencyRecord{Key: key, IncidentID: "inc-OTHER", StepID: "s9", CreatedAt: time.Now()}
	if err := s.PutIdempotency(ctx, replay); err != nil {
		t.Fatalf("replayed PutIdempotency: %v", err)
	}

	rec, ok, err := s.GetIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("GetIdempotency: %v", err)
	}
	if !ok {
		t.Fatal("GetIdempotency returned ok=false, want true")
	}
	if rec.IncidentID != "inc-1" || rec.StepID != "s1" {
		t.Errorf("record = %+v, want the first write kept", rec)
	}

	if _, ok, _ := s.GetIdempotency(ctx, "never-recorded"); ok {
		t.Error("unknown key reported as present")
	}
}
