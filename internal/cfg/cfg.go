package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config adds workflow-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string
	DatabaseURL           string
	PolicyPath            string

	AnalysisURL    string
	RemediationURL string
	NotifierURL    string

	WorkerCount int
	WorkerQueue int

	SweepInterval time.Duration

	RetryInitialDelay time.Duration
	RetryMultiplier   float64
	RetryMaxDelay     time.Duration
	RetryMaxAttempts  int

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerCooldown         time.Duration

	CacheCapacity int
	CacheTTL      time.Duration

	StepBatchSize     int
	StepFlushInterval time.Duration

	ConflictRetries int
	MaxReissues     int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on API requests (empty = no auth)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.PolicyPath, "policy-path", "", "path to the YAML policy file with approval rules and timeout overrides")
	fs.StringVar(&c.AnalysisURL, "analysis-url", "", "endpoint of the analysis collaborator")
	fs.StringVar(&c.RemediationURL, "remediation-url", "", "endpoint of the remediation executor")
	fs.StringVar(&c.NotifierURL, "notifier-url", "", "endpoint of the notification collaborator (empty = drop notifications)")
	fs.IntVar(&c.WorkerCount, "worker-count", 8, "size of the continuation worker pool (1..256)")
	fs.IntVar(&c.WorkerQueue, "worker-queue", 256, "continuation queue depth (1..16384)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 5*time.Second, "how often the scheduler sweeps for state timeouts")
	fs.DurationVar(&c.RetryInitialDelay, "retry-initial-delay", 200*time.Millisecond, "first retry delay for collaborator calls")
	fs.Float64Var(&c.RetryMultiplier, "retry-multiplier", 2.0, "backoff multiplier for collaborator retries")
	fs.DurationVar(&c.RetryMaxDelay, "retry-max-delay", 10*time.Second, "retry delay ceiling for collaborator calls")
	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 4, "attempt budget per collaborator call (1..10)")
	fs.IntVar(&c.BreakerFailureThreshold, "breaker-failure-threshold", 5, "consecutive failures before a collaborator circuit opens")
	fs.IntVar(&c.BreakerSuccessThreshold, "breaker-success-threshold", 2, "successful probes before an open circuit closes")
	fs.DurationVar(&c.BreakerCooldown, "breaker-cooldown", 30*time.Second, "wait before an open circuit admits a probe")
	fs.IntVar(&c.CacheCapacity, "cache-capacity", 1024, "incident snapshot cache entries (0 = disable)")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 5*time.Minute, "incident snapshot cache TTL")
	fs.IntVar(&c.StepBatchSize, "step-batch-size", 32, "step records per batched write (1..1024)")
	fs.DurationVar(&c.StepFlushInterval, "step-flush-interval", 500*time.Millisecond, "max age of a buffered step record before flush")
	fs.IntVar(&c.ConflictRetries, "conflict-retries", 3, "rereads after an incident version race (1..10)")
	fs.IntVar(&c.MaxReissues, "max-reissues", 3, "timeout-driven re-dispatches per state before giving up (1..10)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.WorkerCount <= 0 || c.WorkerCount > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKER_COUNT %d (must be 1..256)", c.WorkerCount))
	}
	if c.WorkerQueue <= 0 || c.WorkerQueue > 16384 {
		errs = append(errs, fmt.Errorf("invalid WORKER_QUEUE %d (must be 1..16384)", c.WorkerQueue))
	}

	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}

	if c.RetryInitialDelay <= 0 {
		errs = append(errs, errors.New("RETRY_INITIAL_DELAY must be positive"))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MULTIPLIER %v (must be >= 1)", c.RetryMultiplier))
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		errs = append(errs, errors.New("RETRY_MAX_DELAY must not be below RETRY_INITIAL_DELAY"))
	}
	if c.RetryMaxAttempts <= 0 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..10)", c.RetryMaxAttempts))
	}

	if c.BreakerFailureThreshold <= 0 {
		errs = append(errs, errors.New("BREAKER_FAILURE_THRESHOLD must be positive"))
	}
	if c.BreakerSuccessThreshold <= 0 {
		errs = append(errs, errors.New("BREAKER_SUCCESS_THRESHOLD must be positive"))
	}
	if c.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("BREAKER_COOLDOWN must be positive"))
	}

	if c.CacheCapacity < 0 {
		errs = append(errs, errors.New("CACHE_CAPACITY must not be negative"))
	}
	if c.CacheCapacity > 0 && c.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive when the cache is enabled"))
	}

	if c.StepBatchSize <= 0 || c.StepBatchSize > 1024 {
		errs = append(errs, fmt.Errorf("invalid STEP_BATCH_SIZE %d (must be 1..1024)", c.StepBatchSize))
	}
	if c.StepFlushInterval <= 0 {
		errs = append(errs, errors.New("STEP_FLUSH_INTERVAL must be positive"))
	}

	if c.ConflictRetries <= 0 || c.ConflictRetries > 10 {
		errs = append(errs, fmt.Errorf("invalid CONFLICT_RETRIES %d (must be 1..10)", c.ConflictRetries))
	}
	if c.MaxReissues <= 0 || c.MaxReissues > 10 {
		errs = append(errs, fmt.Errorf("invalid MAX_REISSUES %d (must be 1..10)", c.MaxReissues))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
