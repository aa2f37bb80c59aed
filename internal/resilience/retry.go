package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/linnemanlabs/go-core/log"
)

// RetryConfig holds the exponential backoff parameters for collaborator
// calls.
type RetryConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Hooks lets the caller observe call outcomes and breaker movement for
// metrics.
type Hooks struct {
	OnCall          func(collaborator, outcome string, seconds float64)
	OnBreakerChange func(collaborator string, state BreakerState)
}

// Executor runs collaborator calls behind retry and the per-collaborator
// breaker registry.
type Executor struct {
	registry *Registry
	retry    RetryConfig
	logger   log.Logger
	hooks    Hooks
}

// NewExecutor creates an executor over the given breaker registry.
func NewExecutor(registry *Registry, retry RetryConfig, logger log.Logger, hooks Hooks) *Executor {
	if logger == nil {
		logger = log.Nop()
	}
	return &Executor{
		registry: registry,
		retry:    retry,
		logger:   logger,
		hooks:    hooks,
	}
}

// Registry exposes the breaker registry for observability scraping.
func (x *Executor) Registry() *Registry { return x.registry }

// Do invokes fn for the named collaborator. The breaker is consulted
// before every attempt, so an open circuit fails fast without touching
// the network. Retryable errors back off exponentially up to the attempt
// budget; fatal errors and context cancellation stop immediately.
func (x *Executor) Do(ctx context.Context, collaborator string, fn func(context.Context) error) error {
	b := x.registry.For(collaborator)
	attempts := 0
	start := time.Now()

	operation := func() (struct{}, error) {
		var zero struct{}
		if err := b.Allow(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			b.Record(true)
			return zero, nil
		}
		if IsFatal(err) {
			// malformed request: not a collaborator failure, leave the breaker alone
			return zero, backoff.Permanent(err)
		}
		b.Record(false)
		x.logger.Warn(ctx, "collaborator call failed, will retry",
			"collaborator", collaborator,
			"attempt", attempts,
			"error", err.Error(),
		)
		return zero, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = x.retry.InitialDelay
	bo.Multiplier = x.retry.Multiplier
	bo.MaxInterval = x.retry.MaxDelay

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(x.retry.MaxAttempts)),
	)
	outcome := classify(err)
	if x.hooks.OnCall != nil {
		x.hooks.OnCall(collaborator, outcome, time.Since(start).Seconds())
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCircuitOpen) || IsFatal(err) || ctx.Err() != nil {
		return err
	}
	return &RetryExhaustedError{Collaborator: collaborator, Attempts: attempts, Err: err}
}

func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case IsFatal(err):
		return "fatal"
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "exhausted"
	}
}
