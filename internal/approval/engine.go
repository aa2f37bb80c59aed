package approval

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Decision reasons surfaced on manual outcomes.
const (
	ReasonRateLimited = "rate_limited"
	ReasonNoRuleMatch = "no_rule_matched"
	ReasonRuleMatched = "rule_matched"
	ReasonNoRulesSet  = "no_rules_configured"
)

// Input is the incident context a decision is made over. It carries
// values only; the engine never touches stores.
type Input struct {
	IncidentID string
	Severity   string
	Confidence float64
	Risk       float64
	Actions    []string
	Context    map[string]any
}

// field resolves a condition field name against the input. Well-known
// names map to the typed fields, anything else falls through to the
// free-form context map.
func (in Input) field(name string) (any, bool) {
	switch name {
	case "severity":
		return in.Severity, true
	case "confidence_score":
		return in.Confidence, true
	case "risk_score":
		return in.Risk, true
	}
	v, ok := in.Context[name]
	return v, ok
}

// Decision is the outcome of evaluating the rule set against an input.
type Decision struct {
	AutoApproved  bool   `json:"auto_approved"`
	MatchedRuleID string `json:"matched_rule_id,omitempty"`
	Reason        string `json:"reason"`
}

// Hooks lets the caller observe decisions for metrics.
type Hooks struct {
	OnDecision func(autoApproved bool, reason string)
}

// Engine evaluates approval rules. The rule set is held behind an atomic
// pointer so a reload never blocks in-flight evaluations.
type Engine struct {
	rules   atomic.Pointer[[]Rule]
	limiter *RateLimiter
	logger  log.Logger
	hooks   Hooks
	now     func() time.Time
}

// NewEngine creates an engine with the given initial rule set.
func NewEngine(rules []Rule, limiter *RateLimiter, logger log.Logger, hooks Hooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		limiter: limiter,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}
	e.rules.Store(&rules)
	return e
}

// Replace swaps in a new rule set. Used for hot reload.
func (e *Engine) Replace(rules []Rule) {
	e.rules.Store(&rules)
}

// Rules returns the current rule set.
func (e *Engine) Rules() []Rule {
	return *e.rules.Load()
}

// Evaluate runs the rule set over the input. First enabled match in
// declaration order wins; no match defaults to manual approval. An
// otherwise-automatic decision is downgraded to manual when the rolling
// auto-approval cap is reached. Recording the grant timestamp into the
// rate limiter is the engine's only side effect.
func (e *Engine) Evaluate(ctx context.Context, in Input) Decision {
	rules := e.Rules()
	if len(rules) == 0 {
		return e.done(ctx, in, Decision{Reason: ReasonNoRulesSet})
	}

	for _, r := range rules {
		if !r.Enabled || !r.matches(in) {
			continue
		}
		if e.limiter != nil && !e.limiter.TryAcquire(e.now()) {
			e.logger.Warn(ctx, "auto-approval rate cap reached, downgrading to manual",
				"incident_id", in.IncidentID,
				"rule_id", r.ID,
			)
			return e.done(ctx, in, Decision{MatchedRuleID: r.ID, Reason: ReasonRateLimited})
		}
		return e.done(ctx, in, Decision{AutoApproved: true, MatchedRuleID: r.ID, Reason: ReasonRuleMatched})
	}
	return e.done(ctx, in, Decision{Reason: ReasonNoRuleMatch})
}

// Preview reports what Evaluate would decide for the input without
// spending the rate budget or firing hooks. Used by the read-only
// decision endpoint.
func (e *Engine) Preview(in Input) Decision {
	rules := e.Rules()
	if len(rules) == 0 {
		return Decision{Reason: ReasonNoRulesSet}
	}
	for _, r := range rules {
		if !r.Enabled || !r.matches(in) {
			continue
		}
		if e.limiter != nil && !e.limiter.HasRoom(e.now()) {
			return Decision{MatchedRuleID: r.ID, Reason: ReasonRateLimited}
		}
		return Decision{AutoApproved: true, MatchedRuleID: r.ID, Reason: ReasonRuleMatched}
	}
	return Decision{Reason: ReasonNoRuleMatch}
}

func (e *Engine) done(ctx context.Context, in Input, d Decision) Decision {
	e.logger.Info(ctx, "approval decision",
		"incident_id", in.IncidentID,
		"auto_approved", d.AutoApproved,
		"matched_rule_id", d.MatchedRuleID,
		"reason", d.Reason,
	)
	if e.hooks.OnDecision != nil {
		e.hooks.OnDecision(d.AutoApproved, d.Reason)
	}
	return d
}
