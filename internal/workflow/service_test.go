package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/resilience"
)

// syncRunner executes continuations inline so tests see their effects
// deterministically.
type syncRunner struct{}

func (syncRunner) Submit(ctx context.Context, task func(ctx context.Context)) bool {
	task(ctx)
	return true
}

// rejectRunner simulates a saturated pool.
type rejectRunner struct{}

func (rejectRunner) Submit(context.Context, func(context.Context)) bool { return false }

type sendCall struct {
	collaborator string
	kind         string
	incidentID   string
}

// captureOutbound records dispatches and can fail per collaborator.
type captureOutbound struct {
	mu       sync.Mutex
	sends    []sendCall
	canceled []string
	fail     map[string]error
}

func (o *captureOutbound) Send(_ context.Context, collaborator, kind, incidentID string, _ int64, _ map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sends = append(o.sends, sendCall{collaborator, kind, incidentID})
	if o.fail != nil {
		if err := o.fail[collaborator]; err != nil {
			return err
		}
	}
	return nil
}

func (o *captureOutbound) CancelIncident(incidentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canceled = append(o.canceled, incidentID)
}

func (o *captureOutbound) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.sends))
	for i, s := range o.sends {
		out[i] = s.kind
	}
	return out
}

func newTestService(t *testing.T, store *fakeStore, decision approval.Decision, pool TaskRunner) (*Service, *captureOutbound, *captureSink) {
	t.Helper()
	sink := &captureSink{}
	engine := NewEngine(store, newTestTable(t), &fakeApprover{decision: decision}, nil, sink, nil, EngineHooks{})
	outbound := &captureOutbound{}
	svc := NewService(engine, store, outbound, pool, ServiceConfig{}, nil, ServiceHooks{})
	return svc, outbound, sink
}

func TestService_CreateIncident(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc, outbound, sink := newTestService(t, store, approval.Decision{}, syncRunner{})

	in, err := svc.CreateIncident(context.Background(), CreateOptions{
		Severity: incident.SeverityHigh,
		Source:   "ids",
		Context:  map[string]any{"host": "web-1"},
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if in.State != incident.StateDetectionReceived {
		t.Errorf("returned state = %s, want %s", in.State, incident.StateDetectionReceived)
	}

	// the inline continuation auto-advanced and dispatched analysis
	stored := store.get(in.ID)
	if stored.State != incident.StateAnalysisRequested {
		t.Errorf("stored state = %s, want %s", stored.State, incident.StateAnalysisRequested)
	}
	kinds := outbound.kinds()
	if len(kinds) != 1 || kinds[0] != "analysis.request" {
		t.Errorf("dispatches = %v, want [analysis.request]", kinds)
	}
	if got := len(sink.records()); got != 2 {
		t.Errorf("step records = %d, want 2 (create + auto-advance)", got)
	}
}

func TestService_CreateIncident_Validation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc, _, _ := newTestService(t, store, approval.Decision{}, syncRunner{})
	ctx := context.Background()

	if _, err := svc.CreateIncident(ctx, CreateOptions{Severity: "urgent", Source: "ids"}); !errors.Is(err, ErrValidation) {
		t.Errorf("bad severity: %v, want ErrValidation", err)
	}
	if _, err := svc.CreateIncident(ctx, CreateOptions{Severity: incident.SeverityLow}); !errors.Is(err, ErrValidation) {
		t.Errorf("missing source: %v, want ErrValidation", err)
	}
}

func TestService_CreateIncident_Idempotent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc, _, _ := newTestService(t, store, approval.Decision{}, syncRunner{})
	ctx := context.Background()

	opts := CreateOptions{Severity: incident.SeverityLow, Source: "ids", IdempotencyKey: "detect-1"}
	first, err := svc.CreateIncident(ctx, opts)
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	second, err := svc.CreateIncident(ctx, opts)
	if err != nil {
		t.Fatalf("replayed CreateIncident: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay created %s, want original %s", second.ID, first.ID)
	}
	if n := len(store.incidents); n != 1 {
		t.Errorf("incidents in store = %d, want 1", n)
	}
}

func TestService_AdvanceWorkflow_IdempotentReplay(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))
	svc, _, sink := newTestService(t, store, approval.Decision{}, syncRunner{})
	ctx := context.Background()

	first, err := svc.AdvanceWorkflow(ctx, "inc-1", EventAnalysisStarted, nil, "evt-1", "analyzer")
	if err != nil {
		t.Fatalf("AdvanceWorkflow: %v", err)
	}
	stepsBefore := len(sink.records())

	replay, err := svc.AdvanceWorkflow(ctx, "inc-1", EventAnalysisStarted, nil, "evt-1", "analyzer")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID != first.ID || replay.State != first.State {
		t.Errorf("replay = %s/%s, want %s/%s", replay.ID, replay.State, first.ID, first.State)
	}
	if got := len(sink.records()); got != stepsBefore {
		t.Errorf("replay appended %d step records", got-stepsBefore)
	}
	if v := store.get("inc-1").Version; v != first.Version {
		t.Errorf("replay changed version to %d", v)
	}
}

func TestService_AdvanceWorkflow_UnknownEvent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))

	var outcomes []string
	sink := &captureSink{}
	engine := NewEngine(store, newTestTable(t), nil, nil, sink, nil, EngineHooks{})
	outbound := &captureOutbound{}
	svc := NewService(engine, store, outbound, syncRunner{}, ServiceConfig{}, nil, ServiceHooks{
		OnAdvance: func(event, outcome string) { outcomes = append(outcomes, event+"="+outcome) },
	})

	_, err := svc.AdvanceWorkflow(context.Background(), "inc-1", "made_up_event", nil, "", "x")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("AdvanceWorkflow = %v, want ErrValidation", err)
	}
	if len(outcomes) != 1 || outcomes[0] != "made_up_event=validation" {
		t.Errorf("hook observed %v", outcomes)
	}
}

func TestService_AutoApprovalPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))
	svc, outbound, _ := newTestService(t, store, approval.Decision{
		AutoApproved:  true,
		MatchedRuleID: "low-risk",
		Reason:        approval.ReasonRuleMatched,
	}, syncRunner{})
	ctx := context.Background()

	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventAnalysisComplete,
		map[string]any{"confidence_score": 0.9, "risk_score": 0.1}, "", "analyzer"); err != nil {
		t.Fatalf("analysis_complete: %v", err)
	}
	// confidence above threshold: the continuation took the automatic path
	if got := store.get("inc-1").State; got != incident.StateRemediationRequested {
		t.Fatalf("state after analysis = %s, want %s", got, incident.StateRemediationRequested)
	}
	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventRemediationProposed, map[string]any{
		"actions":    []any{map[string]any{"name": "block_ip"}},
		"risk_score": 0.1,
	}, "", "remediation"); err != nil {
		t.Fatalf("remediation_proposed: %v", err)
	}

	stored := store.get("inc-1")
	if stored.State != incident.StateRemediationApproved {
		t.Fatalf("state = %s, want %s", stored.State, incident.StateRemediationApproved)
	}
	kinds := outbound.kinds()
	want := []string{"remediation.propose", "remediation.execute"}
	if len(kinds) != len(want) {
		t.Fatalf("dispatches = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("dispatch %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestService_LowConfidenceEscalatesToManualReview(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))
	svc, outbound, _ := newTestService(t, store, approval.Decision{}, syncRunner{})

	if _, err := svc.AdvanceWorkflow(context.Background(), "inc-1", EventAnalysisComplete,
		map[string]any{"confidence_score": 0.5}, "", "analyzer"); err != nil {
		t.Fatalf("analysis_complete: %v", err)
	}

	// the guard rejected the automatic path; no collaborator event is
	// needed for the incident to land in the approval queue
	stored := store.get("inc-1")
	if stored.State != incident.StateApprovalPending {
		t.Fatalf("state = %s, want %s", stored.State, incident.StateApprovalPending)
	}
	kinds := outbound.kinds()
	if len(kinds) != 1 || kinds[0] != "approval.request" {
		t.Errorf("dispatches = %v, want [approval.request]", kinds)
	}
}

func TestService_ManualApprovalPath(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := seedIncident(incident.StateRemediationRequested)
	store.put(in)
	svc, outbound, _ := newTestService(t, store, approval.Decision{Reason: approval.ReasonNoRuleMatch}, syncRunner{})
	ctx := context.Background()

	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventRemediationProposed, map[string]any{
		"actions": []any{map[string]any{"name": "reimage_host"}},
	}, "", "remediation"); err != nil {
		t.Fatalf("remediation_proposed: %v", err)
	}

	stored := store.get("inc-1")
	if stored.State != incident.StateApprovalPending {
		t.Fatalf("state = %s, want %s", stored.State, incident.StateApprovalPending)
	}
	if stored.PendingApprovalID == "" {
		t.Error("missing pending approval id")
	}
	kinds := outbound.kinds()
	if len(kinds) != 1 || kinds[0] != "approval.request" {
		t.Fatalf("dispatches = %v, want [approval.request]", kinds)
	}

	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventApprovalGranted,
		map[string]any{"approver": "alice"}, "", "alice"); err != nil {
		t.Fatalf("approval_granted: %v", err)
	}
	stored = store.get("inc-1")
	if stored.State != incident.StateRemediationApproved {
		t.Errorf("state = %s, want %s", stored.State, incident.StateRemediationApproved)
	}
	if stored.Context["approved_by"] != "alice" {
		t.Errorf("approved_by = %v, want alice", stored.Context["approved_by"])
	}
	if stored.PendingApprovalID != "" {
		t.Error("grant must clear the pending approval id")
	}
}

func TestService_ApprovalDenied(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := seedIncident(incident.StateApprovalPending)
	in.PendingApprovalID = "pa-1"
	store.put(in)
	svc, outbound, _ := newTestService(t, store, approval.Decision{}, syncRunner{})

	if _, err := svc.AdvanceWorkflow(context.Background(), "inc-1", EventApprovalDenied,
		map[string]any{"approver": "bob", "reason": "too risky"}, "", "bob"); err != nil {
		t.Fatalf("approval_denied: %v", err)
	}
	stored := store.get("inc-1")
	if stored.State != incident.StateClosed {
		t.Errorf("state = %s, want %s", stored.State, incident.StateClosed)
	}
	if stored.Context["denied_by"] != "bob" || stored.Context["denial_reason"] != "too risky" {
		t.Errorf("context = %v", stored.Context)
	}

	// terminal entry notifies and cancels in-flight calls
	kinds := outbound.kinds()
	if len(kinds) != 1 || kinds[0] != "incident.notify" {
		t.Errorf("dispatches = %v, want [incident.notify]", kinds)
	}
	if len(outbound.canceled) != 1 || outbound.canceled[0] != "inc-1" {
		t.Errorf("canceled = %v, want [inc-1]", outbound.canceled)
	}
}

func TestService_ActionExecuted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := seedIncident(incident.StateRemediationInProgress)
	in.Actions = []incident.Action{
		{Name: "block_ip", Status: "pending"},
		{Name: "isolate_host", Status: "pending"},
	}
	store.put(in)
	svc, _, _ := newTestService(t, store, approval.Decision{}, syncRunner{})
	ctx := context.Background()

	// first action completing is just a progress report
	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventActionExecuted,
		map[string]any{"action": "block_ip", "status": "completed"}, "", "remediation"); err != nil {
		t.Fatalf("first action_executed: %v", err)
	}
	if got := store.get("inc-1").State; got != incident.StateRemediationInProgress {
		t.Fatalf("state after partial completion = %s, want %s", got, incident.StateRemediationInProgress)
	}

	// the last one completes remediation and resolves the incident
	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventActionExecuted,
		map[string]any{"action": "isolate_host", "status": "completed"}, "", "remediation"); err != nil {
		t.Fatalf("final action_executed: %v", err)
	}
	if got := store.get("inc-1").State; got != incident.StateResolved {
		t.Errorf("state after full completion = %s, want %s", got, incident.StateResolved)
	}
}

func TestService_ActionExecuted_Validation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := seedIncident(incident.StateRemediationInProgress)
	in.Actions = []incident.Action{{Name: "block_ip", Status: "pending"}}
	store.put(in)
	svc, _, _ := newTestService(t, store, approval.Decision{}, syncRunner{})
	ctx := context.Background()

	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventActionExecuted,
		map[string]any{"action": "block_ip"}, "", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("missing status: %v, want ErrValidation", err)
	}
	if _, err := svc.AdvanceWorkflow(ctx, "inc-1", EventActionExecuted,
		map[string]any{"action": "unknown", "status": "completed"}, "", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown action: %v, want ErrValidation", err)
	}
}

func TestService_Reissue(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))
	svc, outbound, _ := newTestService(t, store, approval.Decision{}, syncRunner{})

	if err := svc.Reissue(context.Background(), store.get("inc-1")); err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	stored := store.get("inc-1")
	if stored.RetryCounts["analysis_requested"] != 1 {
		t.Errorf("retry count = %d, want 1", stored.RetryCounts["analysis_requested"])
	}
	if stored.State != incident.StateAnalysisRequested {
		t.Errorf("state = %s, reissue must not change it", stored.State)
	}
	kinds := outbound.kinds()
	if len(kinds) != 1 || kinds[0] != "analysis.request" {
		t.Errorf("dispatches = %v, want [analysis.request]", kinds)
	}
}

func TestService_Reissue_BudgetExhausted(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	in := seedIncident(incident.StateAnalysisRequested)
	in.RetryCounts = map[string]int{"analysis_requested": 3}
	store.put(in)
	svc, outbound, _ := newTestService(t, store, approval.Decision{}, syncRunner{})

	if err := svc.Reissue(context.Background(), store.get("inc-1")); err != nil {
		t.Fatalf("Reissue: %v", err)
	}
	stored := store.get("inc-1")
	if stored.State != incident.StateTimeout {
		t.Errorf("state = %s, want %s after the reissue budget is spent", stored.State, incident.StateTimeout)
	}
	if len(outbound.kinds()) != 0 {
		t.Errorf("dispatches = %v, want none", outbound.kinds())
	}
}

func TestService_FatalDispatchParksIncident(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sink := &captureSink{}
	engine := NewEngine(store, newTestTable(t), nil, nil, sink, nil, EngineHooks{})
	outbound := &captureOutbound{fail: map[string]error{
		CollaboratorAnalysis: resilience.Fatal(errors.New("collaborator returned 400")),
	}}
	svc := NewService(engine, store, outbound, syncRunner{}, ServiceConfig{}, nil, ServiceHooks{})

	in, err := svc.CreateIncident(context.Background(), CreateOptions{
		Severity: incident.SeverityMedium,
		Source:   "ids",
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	stored := store.get(in.ID)
	if stored.State != incident.StateFailed {
		t.Errorf("state = %s, want %s after a fatal dispatch", stored.State, incident.StateFailed)
	}
	if len(outbound.canceled) == 0 {
		t.Error("terminal entry must cancel in-flight calls")
	}
}

func TestService_RetryableDispatchLeavesStateForScheduler(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	sink := &captureSink{}
	engine := NewEngine(store, newTestTable(t), nil, nil, sink, nil, EngineHooks{})
	outbound := &captureOutbound{fail: map[string]error{
		CollaboratorAnalysis: errors.New("connection refused"),
	}}
	svc := NewService(engine, store, outbound, syncRunner{}, ServiceConfig{}, nil, ServiceHooks{})

	in, err := svc.CreateIncident(context.Background(), CreateOptions{
		Severity: incident.SeverityMedium,
		Source:   "ids",
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if got := store.get(in.ID).State; got != incident.StateAnalysisRequested {
		t.Errorf("state = %s, want %s (timeout recovery owns retryable failures)", got, incident.StateAnalysisRequested)
	}
}

func TestService_PoolFullDefersContinuation(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc, outbound, _ := newTestService(t, store, approval.Decision{}, rejectRunner{})

	in, err := svc.CreateIncident(context.Background(), CreateOptions{
		Severity: incident.SeverityLow,
		Source:   "ids",
	})
	if err != nil {
		t.Fatalf("CreateIncident: %v", err)
	}
	if got := store.get(in.ID).State; got != incident.StateDetectionReceived {
		t.Errorf("state = %s, want %s (no continuation ran)", got, incident.StateDetectionReceived)
	}
	if len(outbound.kinds()) != 0 {
		t.Errorf("dispatches = %v, want none", outbound.kinds())
	}
}

func TestService_ConflictRetriesSucceed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.put(seedIncident(incident.StateAnalysisRequested))
	store.conflictsLeft = 1
	svc, _, _ := newTestService(t, store, approval.Decision{}, rejectRunner{})

	in, err := svc.AdvanceWorkflow(context.Background(), "inc-1", EventAnalysisStarted, nil, "", "analyzer")
	if err != nil {
		t.Fatalf("AdvanceWorkflow after a lost race = %v, want the retry to win", err)
	}
	if in.State != incident.StateAnalysisInProgress {
		t.Errorf("state = %s, want %s", in.State, incident.StateAnalysisInProgress)
	}
}
