package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/resilience"
)

// Collaborator names outbound requests are routed under. Each gets its
// own circuit breaker.
const (
	CollaboratorAnalysis    = "analysis"
	CollaboratorRemediation = "remediation"
	CollaboratorNotifier    = "notifier"
)

// Inbound events collaborators report through AdvanceWorkflow.
const (
	EventDetectionReceived    = "detection_received"
	EventAnalysisStarted      = "analysis_started"
	EventAnalysisComplete     = "analysis_complete"
	EventRemediationRequested = "remediation_requested"
	EventRemediationProposed  = "remediation_proposed"
	EventApprovalRequested    = "approval_requested"
	EventApprovalGranted      = "approval_granted"
	EventApprovalDenied       = "approval_denied"
	EventRemediationStarted   = "remediation_started"
	EventActionExecuted       = "action_executed"
	EventRemediationComplete  = "remediation_complete"
	EventIncidentResolved     = "incident_resolved"
	EventIncidentClosed       = "incident_closed"
	EventWorkflowFailed       = "workflow_failed"
)

// actorWorkflow marks transitions the core performs on its own behalf.
const actorWorkflow = "workflow"

// Outbound routes requests to named collaborators through the resilience
// layer. CancelIncident aborts in-flight calls when an incident reaches
// a terminal state.
type Outbound interface {
	Send(ctx context.Context, collaborator, kind, incidentID string, version int64, payload map[string]any) error
	CancelIncident(incidentID string)
}

// TaskRunner is the bounded pool async continuations run on.
type TaskRunner interface {
	Submit(ctx context.Context, task func(ctx context.Context)) bool
}

// ServiceHooks lets the caller observe inbound events for metrics.
type ServiceHooks struct {
	OnAdvance func(event, outcome string)
}

// ServiceConfig tunes the service boundary.
type ServiceConfig struct {
	// ConflictRetries bounds rereads after a version race.
	ConflictRetries int
	// MaxReissues bounds timeout-driven re-dispatches per state before
	// the incident is parked in WORKFLOW_TIMEOUT.
	MaxReissues int
}

// Service is the business boundary: inbound progress events, incident
// creation, idempotency, and the asynchronous continuations that drive
// the workflow between collaborator reports.
type Service struct {
	engine   *Engine
	store    Store
	outbound Outbound
	pool     TaskRunner
	cfg      ServiceConfig
	logger   log.Logger
	hooks    ServiceHooks
	now      func() time.Time
}

// NewService wires the service boundary.
func NewService(engine *Engine, store Store, outbound Outbound, pool TaskRunner, cfg ServiceConfig, logger log.Logger, hooks ServiceHooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 3
	}
	if cfg.MaxReissues <= 0 {
		cfg.MaxReissues = 3
	}
	s := &Service{
		engine:   engine,
		store:    store,
		outbound: outbound,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		hooks:    hooks,
		now:      time.Now,
	}
	engine.SetOnTerminal(outbound.CancelIncident)
	return s
}

// CreateOptions describes a new incident from a detection event.
type CreateOptions struct {
	Severity       incident.Severity
	Source         string
	Context        map[string]any
	IdempotencyKey string
}

// CreateIncident creates an incident from its first detection event and
// moves it to DETECTION_RECEIVED. Replaying the same idempotency key
// returns the original incident without creating another.
func (s *Service) CreateIncident(ctx context.Context, opts CreateOptions) (*incident.Incident, error) {
	if !opts.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, opts.Severity)
	}
	if opts.Source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrValidation)
	}
	if opts.IdempotencyKey != "" {
		if rec, ok, err := s.store.GetIdempotency(ctx, opts.IdempotencyKey); err != nil {
			return nil, err
		} else if ok {
			in, _, err := s.store.GetIncident(ctx, rec.IncidentID)
			return in, err
		}
	}

	now := s.now().UTC()
	in := &incident.Incident{
		ID:        ulid.Make().String(),
		Severity:  opts.Severity,
		State:     incident.StateInitialized,
		Context:   opts.Context,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateIncident(ctx, in); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	in, step, err := s.transitionRetry(ctx, TransitionRequest{
		IncidentID: in.ID,
		Target:     incident.StateDetectionReceived,
		Actor:      opts.Source,
		Detail:     map[string]any{"event": EventDetectionReceived},
	})
	if err != nil {
		return nil, err
	}
	if opts.IdempotencyKey != "" {
		s.recordIdempotency(ctx, opts.IdempotencyKey, in.ID, step.ID)
	}
	s.continueAsync(ctx, in)
	return in, nil
}

// AdvanceWorkflow applies one collaborator-reported event to an
// incident. Replaying the same idempotency key yields the recorded
// outcome with no second transition.
func (s *Service) AdvanceWorkflow(ctx context.Context, incidentID, event string, payload map[string]any, idemKey, actor string) (*incident.Incident, error) {
	in, err := s.advance(ctx, incidentID, event, payload, idemKey, actor)
	if s.hooks.OnAdvance != nil {
		s.hooks.OnAdvance(event, advanceOutcome(err))
	}
	return in, err
}

func (s *Service) advance(ctx context.Context, incidentID, event string, payload map[string]any, idemKey, actor string) (*incident.Incident, error) {
	if idemKey != "" {
		rec, ok, err := s.store.GetIdempotency(ctx, idemKey)
		if err != nil {
			return nil, err
		}
		if ok {
			s.logger.Info(ctx, "idempotent replay, returning prior outcome",
				"incident_id", rec.IncidentID,
				"idempotency_key", idemKey,
			)
			in, found, err := s.store.GetIncident(ctx, rec.IncidentID)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, rec.IncidentID)
			}
			return in, nil
		}
	}

	if event == EventActionExecuted {
		return s.actionExecuted(ctx, incidentID, payload, idemKey, actor)
	}

	target, apply, err := eventPlan(event, payload)
	if err != nil {
		return nil, err
	}

	detail := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		detail[k] = v
	}
	detail["event"] = event

	in, step, err := s.transitionRetry(ctx, TransitionRequest{
		IncidentID: incidentID,
		Target:     target,
		Actor:      actor,
		Detail:     detail,
		Apply:      apply,
	})
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		s.recordIdempotency(ctx, idemKey, in.ID, step.ID)
	}
	s.continueAsync(ctx, in)
	return in, nil
}

// actionExecuted is a progress report from the remediation executor: it
// updates one action's status under the incident lease and only
// transitions when the last action completes.
func (s *Service) actionExecuted(ctx context.Context, incidentID string, payload map[string]any, idemKey, actor string) (*incident.Incident, error) {
	name, _ := payload["action"].(string)
	status, _ := payload["status"].(string)
	if name == "" || status == "" {
		return nil, fmt.Errorf("%w: action_executed needs action and status", ErrValidation)
	}

	in, err := s.engine.UpdateContext(ctx, incidentID, func(in *incident.Incident) error {
		for i := range in.Actions {
			if in.Actions[i].Name == name {
				in.Actions[i].Status = status
				return nil
			}
		}
		return fmt.Errorf("unknown action %q", name)
	})
	if err != nil {
		return nil, err
	}

	stepID := ""
	if in.State == incident.StateRemediationInProgress && in.AllActionsCompleted() {
		var step *incident.StepRecord
		in, step, err = s.transitionRetry(ctx, TransitionRequest{
			IncidentID: incidentID,
			Target:     incident.StateRemediationComplete,
			Actor:      actor,
			Detail:     map[string]any{"event": EventActionExecuted, "action": name},
		})
		if err != nil {
			return nil, err
		}
		stepID = step.ID
		s.continueAsync(ctx, in)
	}
	if idemKey != "" {
		s.recordIdempotency(ctx, idemKey, in.ID, stepID)
	}
	return in, nil
}

// Reissue re-sends the outbound request for the state an incident is
// stuck in, bumping its retry counter. Once the reissue budget for that
// state is spent the incident is parked in WORKFLOW_TIMEOUT.
func (s *Service) Reissue(ctx context.Context, in *incident.Incident) error {
	spec, ok := s.engine.Table().Spec(in.State)
	if !ok || spec.TimeoutKey == "" {
		return nil
	}
	key := spec.TimeoutKey

	if in.RetryCounts[key] >= s.cfg.MaxReissues {
		_, _, err := s.transitionRetry(ctx, TransitionRequest{
			IncidentID: in.ID,
			Target:     incident.StateTimeout,
			Actor:      "scheduler",
			Reason:     fmt.Sprintf("reissue budget exhausted for %s", key),
		})
		return err
	}

	updated, err := s.engine.UpdateContext(ctx, in.ID, func(in *incident.Incident) error {
		if in.RetryCounts == nil {
			in.RetryCounts = make(map[string]int)
		}
		in.RetryCounts[key]++
		return nil
	})
	if err != nil {
		return err
	}
	s.dispatchFor(ctx, updated)
	return nil
}

// Get reads an incident from the backing store.
func (s *Service) Get(ctx context.Context, id string) (*incident.Incident, bool, error) {
	return s.store.GetIncident(ctx, id)
}

// Steps reads an incident's transition log.
func (s *Service) Steps(ctx context.Context, id string) ([]*incident.StepRecord, error) {
	return s.store.ListSteps(ctx, id)
}

func (s *Service) transitionRetry(ctx context.Context, req TransitionRequest) (*incident.Incident, *incident.StepRecord, error) {
	var (
		in   *incident.Incident
		step *incident.StepRecord
		err  error
	)
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		in, step, err = s.engine.Transition(ctx, req)
		if !errors.Is(err, ErrConflict) {
			break
		}
		s.logger.Warn(ctx, "transition lost version race, rereading",
			"incident_id", req.IncidentID,
			"target", string(req.Target),
			"attempt", attempt+1,
		)
	}
	return in, step, err
}

func (s *Service) recordIdempotency(ctx context.Context, key, incidentID, stepID string) {
	err := s.store.PutIdempotency(ctx, &IdempotencyRecord{
		Key:        key,
		IncidentID: incidentID,
		StepID:     stepID,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		s.logger.Error(ctx, err, "failed to record idempotency key", "idempotency_key", key)
	}
}

// continueAsync hands the post-transition continuation to the worker
// pool so the caller's request is never blocked on collaborator calls.
func (s *Service) continueAsync(ctx context.Context, in *incident.Incident) {
	snapshot := in.Clone()
	ok := s.pool.Submit(ctx, func(ctx context.Context) {
		s.afterTransition(ctx, snapshot)
	})
	if !ok {
		// scheduler recovery will pick the incident up from its timed state
		s.logger.Warn(ctx, "worker pool full, continuation deferred to scheduler",
			"incident_id", in.ID,
			"state", string(in.State),
		)
	}
}

// afterTransition drives the workflow between collaborator reports:
// internal auto-advances and outbound dispatch for states with a side
// effect on entry.
func (s *Service) afterTransition(ctx context.Context, in *incident.Incident) {
	switch in.State {
	case incident.StateDetectionReceived:
		s.advanceInternal(ctx, in.ID, incident.StateAnalysisRequested)
	case incident.StateAnalysisComplete:
		s.routeAnalysis(ctx, in.ID)
	case incident.StateRemediationProposed:
		// drive the approval-gated edge; the engine picks the real target
		s.advanceInternal(ctx, in.ID, incident.StateRemediationApproved)
	case incident.StateRemediationComplete:
		s.advanceInternal(ctx, in.ID, incident.StateResolved)
	case incident.StateAnalysisRequested,
		incident.StateRemediationRequested,
		incident.StateRemediationApproved,
		incident.StateApprovalPending:
		s.dispatchFor(ctx, in)
	default:
		if in.State.Terminal() {
			s.dispatchFor(ctx, in)
		}
	}
}

// routeAnalysis picks the path out of ANALYSIS_COMPLETE: the automatic
// remediation edge when the confidence guard passes, the manual approval
// queue when it does not. Without the divert a low-confidence incident
// would sit on the guarded edge until its timeout.
func (s *Service) routeAnalysis(ctx context.Context, incidentID string) {
	in, _, err := s.transitionRetry(ctx, TransitionRequest{
		IncidentID: incidentID,
		Target:     incident.StateRemediationRequested,
		Actor:      actorWorkflow,
	})
	if errors.Is(err, ErrGuardRejected) {
		in, _, err = s.transitionRetry(ctx, TransitionRequest{
			IncidentID: incidentID,
			Target:     incident.StateApprovalPending,
			Actor:      actorWorkflow,
			Reason:     "confidence below threshold, escalating to manual review",
		})
	}
	if err != nil {
		s.logger.Warn(ctx, "analysis routing did not apply",
			"incident_id", incidentID,
			"error", err.Error(),
		)
		return
	}
	s.afterTransition(ctx, in)
}

func (s *Service) advanceInternal(ctx context.Context, incidentID string, target incident.State) {
	in, _, err := s.transitionRetry(ctx, TransitionRequest{
		IncidentID: incidentID,
		Target:     target,
		Actor:      actorWorkflow,
	})
	if err != nil {
		// a collaborator event may have raced us here; that is fine
		s.logger.Warn(ctx, "internal advance did not apply",
			"incident_id", incidentID,
			"target", string(target),
			"error", err.Error(),
		)
		return
	}
	s.afterTransition(ctx, in)
}

// dispatchFor sends the outbound request a state owes on entry. Failures
// are not surfaced to the reporting collaborator: the state's timeout
// recovery path handles them.
func (s *Service) dispatchFor(ctx context.Context, in *incident.Incident) {
	var collaborator, kind string
	switch in.State {
	case incident.StateAnalysisRequested:
		collaborator, kind = CollaboratorAnalysis, "analysis.request"
	case incident.StateRemediationRequested:
		collaborator, kind = CollaboratorRemediation, "remediation.propose"
	case incident.StateRemediationApproved:
		collaborator, kind = CollaboratorRemediation, "remediation.execute"
	case incident.StateApprovalPending:
		collaborator, kind = CollaboratorNotifier, "approval.request"
	case incident.StateClosed, incident.StateFailed, incident.StateTimeout:
		collaborator, kind = CollaboratorNotifier, "incident.notify"
	default:
		return
	}

	err := s.outbound.Send(ctx, collaborator, kind, in.ID, in.Version, snapshotPayload(in))
	if err == nil {
		return
	}
	s.logger.Warn(ctx, "outbound dispatch failed",
		"incident_id", in.ID,
		"collaborator", collaborator,
		"kind", kind,
		"error", err.Error(),
	)
	// a malformed request will never succeed on reissue; fail the workflow
	if resilience.IsFatal(err) && !in.State.Terminal() {
		_, _, terr := s.transitionRetry(ctx, TransitionRequest{
			IncidentID: in.ID,
			Target:     incident.StateFailed,
			Actor:      actorWorkflow,
			Reason:     fmt.Sprintf("dispatch to %s rejected: %v", collaborator, err),
		})
		if terr != nil {
			s.logger.Error(ctx, terr, "failed to park incident after fatal dispatch", "incident_id", in.ID)
		}
	}
}

func snapshotPayload(in *incident.Incident) map[string]any {
	p := map[string]any{
		"incident_id":      in.ID,
		"severity":         string(in.Severity),
		"state":            string(in.State),
		"confidence_score": in.Confidence,
		"risk_score":       in.Risk,
	}
	if len(in.Context) > 0 {
		p["context"] = in.Context
	}
	if len(in.Actions) > 0 {
		p["actions"] = in.Actions
	}
	return p
}

func advanceOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrGuardRejected):
		return "guard_rejected"
	case errors.Is(err, ErrTerminalState):
		return "terminal"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
