package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker status for one collaborator.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig holds the thresholds and cooldown for a breaker.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// Breaker is a circuit breaker for a single named collaborator. Many
// concurrently-transitioning incidents share one breaker, so all state
// lives under the mutex.
type Breaker struct {
	mu        sync.Mutex
	cfg       BreakerConfig
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
	now       func() time.Time

	onChange func(state BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Allow decides whether a call may proceed. When open, it fails fast
// with ErrCircuitOpen until the cooldown elapses, then admits exactly
// one probe in half-open. Further calls are rejected until that probe's
// outcome is recorded.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.setState(BreakerHalfOpen)
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.probing = false
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.setState(BreakerClosed)
			b.failures = 0
			b.successes = 0
		}
	case BreakerOpen:
		// late result from a call admitted before the trip; ignore
	}
}

// State returns the current breaker status.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) trip() {
	b.setState(BreakerOpen)
	b.openedAt = b.now()
	b.successes = 0
	b.probing = false
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Registry hands out one breaker per collaborator name. It is the
// process-wide shared home for breaker state.
type Registry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	hooks    Hooks
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg BreakerConfig, hooks Hooks) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		hooks:    hooks,
	}
}

// For returns the breaker for name, creating it closed on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(r.cfg)
		if r.hooks.OnBreakerChange != nil {
			onChange := r.hooks.OnBreakerChange
			b.onChange = func(s BreakerState) { onChange(name, s) }
		}
		r.breakers[name] = b
	}
	return b
}

// States snapshots the status of every known breaker, for observability.
func (r *Registry) States() map[string]BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
