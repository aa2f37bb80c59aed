// Package workflow owns incident state and transition validation: the
// state table, the transition engine with its version-CAS lease, and the
// service boundary collaborators report progress through.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/incident"
)

// Approver is the decision function consulted on approval-gated edges.
type Approver interface {
	Evaluate(ctx context.Context, in approval.Input) approval.Decision
}

// Cache is the advisory cache slice the engine needs: invalidation on
// every successful mutation, plus stashing decisions for reporting reads.
type Cache interface {
	Invalidate(incidentID string)
	PutDecision(incidentID string, d approval.Decision)
}

// StepSink receives step records for the transition log. In production
// this is the write batcher.
type StepSink interface {
	Append(rec *incident.StepRecord)
}

// EngineHooks lets the caller observe transitions for metrics.
type EngineHooks struct {
	OnTransition func(from, to incident.State, secondsInState float64)
	OnReject     func(reason string)
}

// TransitionRequest asks the engine to move one incident to a target
// state. Apply, when set, mutates the incident from the event payload
// before guards run; a non-nil error from it surfaces as ErrValidation.
type TransitionRequest struct {
	IncidentID string
	Target     incident.State
	Actor      string
	Reason     string
	Detail     map[string]any
	Apply      func(in *incident.Incident) error
}

// Engine validates and executes transitions. All incident mutation goes
// through here, serialized per incident by the version-CAS lease.
type Engine struct {
	store      Store
	table      *Table
	approver   Approver
	cache      Cache
	steps      StepSink
	logger     log.Logger
	hooks      EngineHooks
	onTerminal func(incidentID string)
	now        func() time.Time
}

// NewEngine wires a transition engine. approver may be nil only if the
// table has no approval-gated edges; cache, hooks and onTerminal are
// optional.
func NewEngine(store Store, table *Table, approver Approver, cache Cache, steps StepSink, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		store:    store,
		table:    table,
		approver: approver,
		cache:    cache,
		steps:    steps,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
}

// SetOnTerminal registers the callback fired after an incident reaches a
// terminal state, used to cancel in-flight collaborator calls.
func (e *Engine) SetOnTerminal(fn func(incidentID string)) { e.onTerminal = fn }

// SetNow overrides the clock, for tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

// Table exposes the compiled state table.
func (e *Engine) Table() *Table { return e.table }

// Transition validates and executes one transition. On success it
// returns the updated incident and the appended step record. On
// ErrConflict the caller must reread and retry; everything else is a
// final rejection.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*incident.Incident, *incident.StepRecord, error) {
	// current state always comes from the backing store, never a cache
	in, ok, err := e.store.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return nil, nil, fmt.Errorf("read incident %s: %w", req.IncidentID, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, req.IncidentID)
	}

	if in.State.Terminal() {
		e.reject("terminal")
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, in.ID, in.State)
	}

	edge, allowed := e.table.EdgeTo(in.State, req.Target)
	if !allowed {
		e.reject("invalid")
		return nil, nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.State, req.Target)
	}

	expected := in.Version
	from := in.State

	if req.Apply != nil {
		if err := req.Apply(in); err != nil {
			e.reject("validation")
			return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	if pass, err := e.table.EvalGuard(from, edge, in); err != nil {
		e.reject("guard_error")
		return nil, nil, fmt.Errorf("%w: %v", ErrGuardRejected, err)
	} else if !pass {
		e.reject("guard")
		return nil, nil, fmt.Errorf("%w: %q on %s -> %s", ErrGuardRejected, edge.Guard, from, edge.To)
	}

	target := req.Target
	detail := make(map[string]any, len(req.Detail)+3)
	for k, v := range req.Detail {
		detail[k] = v
	}
	if req.Reason != "" {
		detail["reason"] = req.Reason
	}

	if edge.ApprovalGated {
		d := e.approver.Evaluate(ctx, approval.Input{
			IncidentID: in.ID,
			Severity:   string(in.Severity),
			Confidence: in.Confidence,
			Risk:       in.Risk,
			Actions:    in.ActionNames(),
			Context:    in.Context,
		})
		if d.AutoApproved {
			target = incident.StateRemediationApproved
		} else {
			target = incident.StateApprovalPending
			in.PendingApprovalID = ulid.Make().String()
			detail["pending_approval_id"] = in.PendingApprovalID
		}
		detail["auto_approved"] = d.AutoApproved
		detail["decision_reason"] = d.Reason
		if d.MatchedRuleID != "" {
			detail["matched_rule_id"] = d.MatchedRuleID
		}
		if e.cache != nil {
			e.cache.PutDecision(in.ID, d)
		}
	}

	now := e.now().UTC()
	secondsInState := now.Sub(in.UpdatedAt).Seconds()

	in.State = target
	if target != incident.StateApprovalPending {
		in.PendingApprovalID = ""
	}
	in.Version++
	in.UpdatedAt = now

	if err := e.store.UpdateIncident(ctx, in, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			e.reject("conflict")
			return nil, nil, fmt.Errorf("%w: incident %s version %d", ErrConflict, in.ID, expected)
		}
		return nil, nil, fmt.Errorf("write incident %s: %w", in.ID, err)
	}

	step := &incident.StepRecord{
		ID:         ulid.Make().String(),
		IncidentID: in.ID,
		From:       from,
		To:         target,
		Actor:      req.Actor,
		Detail:     detail,
		At:         now,
	}
	if e.steps != nil {
		e.steps.Append(step)
	}
	if e.cache != nil {
		e.cache.Invalidate(in.ID)
	}

	e.logger.Info(ctx, "incident transitioned",
		"incident_id", in.ID,
		"from", string(from),
		"to", string(target),
		"actor", req.Actor,
		"version", in.Version,
		"seconds_in_state", secondsInState,
	)
	if e.hooks.OnTransition != nil {
		e.hooks.OnTransition(from, target, secondsInState)
	}

	if target.Terminal() && e.onTerminal != nil {
		e.onTerminal(in.ID)
	}
	return in, step, nil
}

// UpdateContext mutates an incident in place without changing its state:
// progress reports, retry counters. It holds the same version-CAS lease
// as a transition and resets the state's timeout deadline, but appends
// no step record.
func (e *Engine) UpdateContext(ctx context.Context, incidentID string, apply func(in *incident.Incident) error) (*incident.Incident, error) {
	in, ok, err := e.store.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("read incident %s: %w", incidentID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, incidentID)
	}
	if in.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, in.ID, in.State)
	}

	expected := in.Version
	if err := apply(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	in.Version++
	in.UpdatedAt = e.now().UTC()

	if err := e.store.UpdateIncident(ctx, in, expected); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: incident %s version %d", ErrConflict, in.ID, expected)
		}
		return nil, fmt.Errorf("write incident %s: %w", in.ID, err)
	}
	if e.cache != nil {
		e.cache.Invalidate(in.ID)
	}
	return in, nil
}

func (e *Engine) reject(reason string) {
	if e.hooks.OnReject != nil {
		e.hooks.OnReject(reason)
	}
}
