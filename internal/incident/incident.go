// Package incident defines the core data model for tracked security
// incidents: the incident record itself, the states of its workflow, and
// the append-only step log describing every transition it went through.
package incident

import (
	"maps"
	"slices"
	"time"
)

// Severity classifies how serious an incident is. It influences timeout
// overrides and approval rule matching.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// State is a node in the incident workflow.
type State string

const (
	StateInitialized           State = "INITIALIZED"
	StateDetectionReceived     State = "DETECTION_RECEIVED"
	StateAnalysisRequested     State = "ANALYSIS_REQUESTED"
	StateAnalysisInProgress    State = "ANALYSIS_IN_PROGRESS"
	StateAnalysisComplete      State = "ANALYSIS_COMPLETE"
	StateRemediationRequested  State = "REMEDIATION_REQUESTED"
	StateRemediationProposed   State = "REMEDIATION_PROPOSED"
	StateApprovalPending       State = "APPROVAL_PENDING"
	StateRemediationApproved   State = "REMEDIATION_APPROVED"
	StateRemediationInProgress State = "REMEDIATION_IN_PROGRESS"
	StateRemediationComplete   State = "REMEDIATION_COMPLETE"
	StateResolved              State = "INCIDENT_RESOLVED"
	StateClosed                State = "INCIDENT_CLOSED"
	StateFailed                State = "WORKFLOW_FAILED"
	StateTimeout               State = "WORKFLOW_TIMEOUT"
)

// Terminal reports whether the state is final. No step record is ever
// appended for an incident once it reaches a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateFailed, StateTimeout:
		return true
	}
	return false
}

// ActionStatusCompleted is the status an Action must reach for the
// all-actions-success guard to pass.
const ActionStatusCompleted = "completed"

// Action is a proposed or executing remediation action attached to an
// incident by the remediation executor collaborator.
type Action struct {
	Name   string         `json:"name"`
	Status string         `json:"status"`
	Params map[string]any `json:"params,omitempty"`
}

// Incident is the mutable record tracked through the workflow. It is only
// ever mutated by the workflow engine while holding the version-CAS lease.
type Incident struct {
	ID                string         `json:"id"`
	Severity          Severity       `json:"severity"`
	State             State          `json:"state"`
	Confidence        float64        `json:"confidence_score"`
	Risk              float64        `json:"risk_score"`
	Context           map[string]any `json:"context,omitempty"`
	Actions           []Action       `json:"actions,omitempty"`
	Version           int64          `json:"version"`
	PendingApprovalID string         `json:"pending_approval_id,omitempty"`
	RetryCounts       map[string]int `json:"retry_counts,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Clone returns a deep copy. Stores and caches hand out clones so callers
// can never alias the persisted record.
func (in *Incident) Clone() *Incident {
	cp := *in
	cp.Context = maps.Clone(in.Context)
	cp.RetryCounts = maps.Clone(in.RetryCounts)
	cp.Actions = slices.Clone(in.Actions)
	for i := range cp.Actions {
		cp.Actions[i].Params = maps.Clone(cp.Actions[i].Params)
	}
	return &cp
}

// ActionNames returns the names of all attached actions, in order.
func (in *Incident) ActionNames() []string {
	if len(in.Actions) == 0 {
		return nil
	}
	names := make([]string, len(in.Actions))
	for i, a := range in.Actions {
		names[i] = a.Name
	}
	return names
}

// AllActionsCompleted reports whether every attached action finished
// successfully. False when no actions are attached: an empty action list
// must not satisfy a completion guard.
func (in *Incident) AllActionsCompleted() bool {
	if len(in.Actions) == 0 {
		return false
	}
	for _, a := range in.Actions {
		if a.Status != ActionStatusCompleted {
			return false
		}
	}
	return true
}

// StepRecord is one immutable entry in an incident's transition log.
type StepRecord struct {
	ID         string         `json:"id"`
	IncidentID string         `json:"incident_id"`
	From       State          `json:"from_state"`
	To         State          `json:"to_state"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail,omitempty"`
	At         time.Time      `json:"at"`
}
