package workflow

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/linnemanlabs/quell/internal/incident"
)

// DefaultConfidenceThreshold gates the automatic path from analysis to
// remediation when no override is configured.
const DefaultConfidenceThreshold = 0.7

// RecoveryKind selects what the scheduler does when a state's timeout
// elapses with no transition.
type RecoveryKind string

const (
	// RecoveryNone means the state has no timeout recovery.
	RecoveryNone RecoveryKind = ""
	// RecoveryReissue re-sends the state's original outbound request.
	RecoveryReissue RecoveryKind = "reissue"
	// RecoveryFallback force-transitions to a designated fallback state.
	RecoveryFallback RecoveryKind = "fallback"
	// RecoveryTimeout force-transitions to WORKFLOW_TIMEOUT.
	RecoveryTimeout RecoveryKind = "timeout"
)

// Recovery is a state's configured timeout recovery action.
type Recovery struct {
	Kind     RecoveryKind
	Fallback incident.State
}

// Edge is one allowed outgoing transition from a state. Guard is an
// optional boolean expression over the incident context; ApprovalGated
// edges consult the approval rule engine, which decides whether the
// actual target is REMEDIATION_APPROVED or APPROVAL_PENDING.
type Edge struct {
	To            incident.State
	Guard         string
	ApprovalGated bool
}

// StateSpec declares a non-terminal state's outgoing edges, its named
// timeout key, and its timeout recovery.
type StateSpec struct {
	Edges      []Edge
	TimeoutKey string
	Recovery   Recovery
}

// DefaultStates is the core incident workflow. Terminal states have no
// entry; WORKFLOW_FAILED and WORKFLOW_TIMEOUT are reachable from every
// non-terminal state without being listed as edges.
func DefaultStates() map[incident.State]StateSpec {
	return map[incident.State]StateSpec{
		incident.StateInitialized: {
			Edges: []Edge{{To: incident.StateDetectionReceived}},
		},
		incident.StateDetectionReceived: {
			Edges:      []Edge{{To: incident.StateAnalysisRequested}},
			TimeoutKey: "detection_received",
			Recovery:   Recovery{Kind: RecoveryFallback, Fallback: incident.StateAnalysisRequested},
		},
		incident.StateAnalysisRequested: {
			Edges: []Edge{
				{To: incident.StateAnalysisInProgress},
				{To: incident.StateAnalysisComplete},
			},
			TimeoutKey: "analysis_requested",
			Recovery:   Recovery{Kind: RecoveryReissue},
		},
		incident.StateAnalysisInProgress: {
			Edges: []Edge{
				{To: incident.StateAnalysisComplete},
				// analysis stalled: skip it, go to the manual remediation path
				{To: incident.StateRemediationRequested},
			},
			TimeoutKey: "analysis_in_progress",
			Recovery:   Recovery{Kind: RecoveryFallback, Fallback: incident.StateRemediationRequested},
		},
		incident.StateAnalysisComplete: {
			Edges: []Edge{
				{To: incident.StateRemediationRequested, Guard: "confidence_score >= threshold"},
				{To: incident.StateApprovalPending},
			},
			TimeoutKey: "analysis_complete",
			Recovery:   Recovery{Kind: RecoveryFallback, Fallback: incident.StateRemediationRequested},
		},
		incident.StateRemediationRequested: {
			Edges:      []Edge{{To: incident.StateRemediationProposed}},
			TimeoutKey: "remediation_requested",
			Recovery:   Recovery{Kind: RecoveryReissue},
		},
		incident.StateRemediationProposed: {
			Edges: []Edge{
				{To: incident.StateRemediationApproved, ApprovalGated: true},
				{To: incident.StateApprovalPending},
			},
			TimeoutKey: "remediation_proposed",
			Recovery:   Recovery{Kind: RecoveryTimeout},
		},
		incident.StateApprovalPending: {
			Edges: []Edge{
				{To: incident.StateRemediationApproved},
				{To: incident.StateClosed},
			},
			TimeoutKey: "approval_pending",
			Recovery:   Recovery{Kind: RecoveryTimeout},
		},
		incident.StateRemediationApproved: {
			Edges:      []Edge{{To: incident.StateRemediationInProgress}},
			TimeoutKey: "remediation_approved",
			Recovery:   Recovery{Kind: RecoveryReissue},
		},
		incident.StateRemediationInProgress: {
			Edges:      []Edge{{To: incident.StateRemediationComplete, Guard: "all_actions_success"}},
			TimeoutKey: "remediation_execution",
			Recovery:   Recovery{Kind: RecoveryTimeout},
		},
		incident.StateRemediationComplete: {
			Edges:      []Edge{{To: incident.StateResolved}},
			TimeoutKey: "remediation_complete",
			Recovery:   Recovery{Kind: RecoveryFallback, Fallback: incident.StateResolved},
		},
		incident.StateResolved: {
			Edges:      []Edge{{To: incident.StateClosed}},
			TimeoutKey: "incident_resolved",
			Recovery:   Recovery{Kind: RecoveryFallback, Fallback: incident.StateClosed},
		},
	}
}

// Timeouts maps named timeout keys to durations, with optional
// per-severity overrides taking precedence.
type Timeouts struct {
	PerState    map[string]time.Duration
	PerSeverity map[incident.Severity]map[string]time.Duration
}

// DefaultTimeouts returns the stock per-state deadlines.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PerState: map[string]time.Duration{
			"detection_received":    60 * time.Second,
			"analysis_requested":    120 * time.Second,
			"analysis_in_progress":  600 * time.Second,
			"analysis_complete":     300 * time.Second,
			"remediation_requested": 300 * time.Second,
			"remediation_proposed":  300 * time.Second,
			"approval_pending":      3600 * time.Second,
			"remediation_approved":  120 * time.Second,
			"remediation_execution": 600 * time.Second,
			"remediation_complete":  120 * time.Second,
			"incident_resolved":     24 * time.Hour,
		},
		PerSeverity: map[incident.Severity]map[string]time.Duration{
			// critical incidents cannot sit in a human queue for an hour
			incident.SeverityCritical: {
				"approval_pending": 900 * time.Second,
			},
		},
	}
}

// For resolves the deadline for a timeout key, preferring the severity
// override.
func (t Timeouts) For(key string, sev incident.Severity) (time.Duration, bool) {
	if bySev, ok := t.PerSeverity[sev]; ok {
		if d, ok := bySev[key]; ok {
			return d, true
		}
	}
	d, ok := t.PerState[key]
	return d, ok
}

type guardKey struct {
	from incident.State
	to   incident.State
}

// Table is the compiled workflow: state specs, guard programs, and
// timeout configuration. Build once at startup; read-only afterwards.
type Table struct {
	specs               map[incident.State]StateSpec
	guards              map[guardKey]*vm.Program
	timeouts            Timeouts
	confidenceThreshold float64
}

// NewTable compiles the guard expressions and returns a ready table.
func NewTable(specs map[incident.State]StateSpec, timeouts Timeouts, confidenceThreshold float64) (*Table, error) {
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}
	t := &Table{
		specs:               specs,
		guards:              make(map[guardKey]*vm.Program),
		timeouts:            timeouts,
		confidenceThreshold: confidenceThreshold,
	}
	for from, spec := range specs {
		for _, e := range spec.Edges {
			if e.Guard == "" {
				continue
			}
			prog, err := expr.Compile(e.Guard,
				expr.Env(map[string]any{}),
				expr.AllowUndefinedVariables(),
				expr.AsBool(),
			)
			if err != nil {
				return nil, fmt.Errorf("compile guard %q on %s -> %s: %w", e.Guard, from, e.To, err)
			}
			t.guards[guardKey{from: from, to: e.To}] = prog
		}
	}
	return t, nil
}

// Spec returns the declaration for a state.
func (t *Table) Spec(s incident.State) (StateSpec, bool) {
	spec, ok := t.specs[s]
	return spec, ok
}

// EdgeTo returns the edge from -> to if the transition is allowed.
// WORKFLOW_FAILED and WORKFLOW_TIMEOUT are implicit edges from every
// non-terminal state so stuck incidents can always be parked.
func (t *Table) EdgeTo(from, to incident.State) (Edge, bool) {
	if !from.Terminal() && (to == incident.StateFailed || to == incident.StateTimeout) {
		return Edge{To: to}, true
	}
	spec, ok := t.specs[from]
	if !ok {
		return Edge{}, false
	}
	for _, e := range spec.Edges {
		if e.To == to {
			return e, true
		}
	}
	return Edge{}, false
}

// EvalGuard runs the compiled guard for an edge against the incident.
// Edges without a guard always pass.
func (t *Table) EvalGuard(from incident.State, e Edge, in *incident.Incident) (bool, error) {
	if e.Guard == "" {
		return true, nil
	}
	prog, ok := t.guards[guardKey{from: from, to: e.To}]
	if !ok {
		return false, fmt.Errorf("no compiled guard for %s -> %s", from, e.To)
	}
	out, err := expr.Run(prog, t.guardEnv(in))
	if err != nil {
		return false, fmt.Errorf("guard %q: %w", e.Guard, err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q evaluated to %T, want bool", e.Guard, out)
	}
	return pass, nil
}

// guardEnv builds the evaluation environment: incident context first,
// then the well-known computed fields so they cannot be shadowed.
func (t *Table) guardEnv(in *incident.Incident) map[string]any {
	env := make(map[string]any, len(in.Context)+5)
	for k, v := range in.Context {
		env[k] = v
	}
	env["confidence_score"] = in.Confidence
	env["risk_score"] = in.Risk
	env["severity"] = string(in.Severity)
	env["threshold"] = t.confidenceThreshold
	env["all_actions_success"] = in.AllActionsCompleted()
	return env
}

// Timeout resolves the deadline duration for a state, honoring severity
// overrides. ok is false for states without a timeout.
func (t *Table) Timeout(s incident.State, sev incident.Severity) (time.Duration, bool) {
	spec, ok := t.specs[s]
	if !ok || spec.TimeoutKey == "" {
		return 0, false
	}
	return t.timeouts.For(spec.TimeoutKey, sev)
}
