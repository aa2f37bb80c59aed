// Package sched sweeps active incidents for expired state timeouts and
// runs the configured recovery action. Deadlines are computed from the
// persisted updated_at timestamp, so timers survive a restart.
package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quell/internal/incident"
	"github.com/linnemanlabs/quell/internal/workflow"
)

// Lister enumerates non-terminal incidents for the sweep.
type Lister interface {
	ListActive(ctx context.Context) ([]*incident.Incident, error)
}

// Reissuer re-dispatches a timed-out incident's outbound request.
type Reissuer interface {
	Reissue(ctx context.Context, in *incident.Incident) error
}

// Transitioner force-moves incidents for fallback and timeout recovery.
type Transitioner interface {
	Transition(ctx context.Context, req workflow.TransitionRequest) (*incident.Incident, *incident.StepRecord, error)
	Table() *workflow.Table
}

// Config tunes the scheduler.
type Config struct {
	SweepInterval time.Duration
}

// Scheduler drives timeout recovery.
type Scheduler struct {
	cfg        Config
	store      Lister
	engine     Transitioner
	reissuer   Reissuer
	logger     log.Logger
	onRecovery func(action, outcome string)
	now        func() time.Time
}

// New creates a Scheduler. onRecovery may be nil.
func New(cfg Config, store Lister, engine Transitioner, reissuer Reissuer, logger log.Logger, onRecovery func(action, outcome string)) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		reissuer:   reissuer,
		logger:     logger,
		onRecovery: onRecovery,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Scheduler) SetNow(now func() time.Time) { s.now = now }

// Run sweeps until ctx is canceled. The first sweep happens immediately
// so incidents stranded by a restart are recovered without waiting a
// full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sweep(ctx)

	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep checks every active incident against its state's deadline and
// recovers the expired ones.
func (s *Scheduler) Sweep(ctx context.Context) {
	active, err := s.store.ListActive(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "timeout sweep failed to list incidents")
		return
	}

	now := s.now()
	for _, in := range active {
		table := s.engine.Table()
		spec, ok := table.Spec(in.State)
		if !ok || spec.Recovery.Kind == workflow.RecoveryNone {
			continue
		}
		d, ok := table.Timeout(in.State, in.Severity)
		if !ok || d <= 0 || now.Sub(in.UpdatedAt) < d {
			continue
		}
		s.recover(ctx, in, spec, d)
	}
}

func (s *Scheduler) recover(ctx context.Context, in *incident.Incident, spec workflow.StateSpec, d time.Duration) {
	action := string(spec.Recovery.Kind)
	var err error
	switch spec.Recovery.Kind {
	case workflow.RecoveryReissue:
		err = s.reissuer.Reissue(ctx, in)
	case workflow.RecoveryFallback:
		_, _, err = s.engine.Transition(ctx, workflow.TransitionRequest{
			IncidentID: in.ID,
			Target:     spec.Recovery.Fallback,
			Actor:      "scheduler",
			Reason:     timeoutReason(in.State, d),
		})
		// a guarded fallback edge can reject forever; park the incident
		// instead of re-hitting the guard on every sweep
		if errors.Is(err, workflow.ErrGuardRejected) {
			_, _, err = s.engine.Transition(ctx, workflow.TransitionRequest{
				IncidentID: in.ID,
				Target:     incident.StateTimeout,
				Actor:      "scheduler",
				Reason:     timeoutReason(in.State, d) + ", fallback guard rejected",
			})
		}
	case workflow.RecoveryTimeout:
		_, _, err = s.engine.Transition(ctx, workflow.TransitionRequest{
			IncidentID: in.ID,
			Target:     incident.StateTimeout,
			Actor:      "scheduler",
			Reason:     timeoutReason(in.State, d),
		})
	}

	outcome := "ok"
	switch {
	case err == nil:
		s.logger.Info(ctx, "recovered timed-out incident",
			"incident_id", in.ID,
			"state", string(in.State),
			"action", action,
			"timeout", d.String(),
		)
	case errors.Is(err, workflow.ErrConflict):
		// the incident moved between listing and recovery; nothing to do
		outcome = "conflict"
	default:
		outcome = "error"
		s.logger.Error(ctx, err, "timeout recovery failed",
			"incident_id", in.ID,
			"state", string(in.State),
			"action", action,
		)
	}
	if s.onRecovery != nil {
		s.onRecovery(action, outcome)
	}
}

func timeoutReason(state incident.State, d time.Duration) string {
	return fmt.Sprintf("no progress in %s for %s", state, d)
}
