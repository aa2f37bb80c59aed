package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:            60,
		ShutdownBudgetSeconds:   90,
		APIPort:                 8080,
		WorkerCount:             8,
		WorkerQueue:             256,
		SweepInterval:           5 * time.Second,
		RetryInitialDelay:       200 * time.Millisecond,
		RetryMultiplier:         2.0,
		RetryMaxDelay:           10 * time.Second,
		RetryMaxAttempts:        4,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerCooldown:         30 * time.Second,
		CacheCapacity:           1024,
		CacheTTL:                5 * time.Minute,
		StepBatchSize:           32,
		StepFlushInterval:       500 * time.Millisecond,
		ConflictRetries:         3,
		MaxReissues:             3,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.WorkerCount != 8 {
		t.Errorf("WorkerCount = %d, want 8", c.WorkerCount)
	}
	if c.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", c.SweepInterval)
	}
	if c.BreakerFailureThreshold != 5 {
		t.Errorf("BreakerFailureThreshold = %d, want 5", c.BreakerFailureThreshold)
	}

	// defaults must pass their own validation
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-database-url", "postgres://localhost/quell",
		"-policy-path", "/etc/quell/policy.yaml",
		"-analysis-url", "http://analysis:8081",
		"-worker-count", "16",
		"-sweep-interval", "2s",
		"-breaker-cooldown", "1m",
		"-cache-capacity", "0",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.DatabaseURL != "postgres://localhost/quell" {
		t.Errorf("DatabaseURL = %q, want %q", c.DatabaseURL, "postgres://localhost/quell")
	}
	if c.PolicyPath != "/etc/quell/policy.yaml" {
		t.Errorf("PolicyPath = %q, want %q", c.PolicyPath, "/etc/quell/policy.yaml")
	}
	if c.AnalysisURL != "http://analysis:8081" {
		t.Errorf("AnalysisURL = %q, want %q", c.AnalysisURL, "http://analysis:8081")
	}
	if c.WorkerCount != 16 {
		t.Errorf("WorkerCount = %d, want 16", c.WorkerCount)
	}
	if c.SweepInterval != 2*time.Second {
		t.Errorf("SweepInterval = %v, want 2s", c.SweepInterval)
	}
	if c.BreakerCooldown != time.Minute {
		t.Errorf("BreakerCooldown = %v, want 1m", c.BreakerCooldown)
	}
	if c.CacheCapacity != 0 {
		t.Errorf("CacheCapacity = %d, want 0", c.CacheCapacity)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	mutate := func(f func(*Config)) Config {
		c := validBase()
		f(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       mutate(func(c *Config) { c.DrainSeconds = 301; c.ShutdownBudgetSeconds = 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		// Cross-field: budget vs drain
		{
			name:      "budget equals drain",
			cfg:       mutate(func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:    "budget is drain plus one",
			cfg:     mutate(func(c *Config) { c.ShutdownBudgetSeconds = c.DrainSeconds + 1 }),
			wantErr: false,
		},
		// APIPort boundaries
		{
			name:      "port zero",
			cfg:       mutate(func(c *Config) { c.APIPort = 0 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "port above max",
			cfg:       mutate(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Worker pool
		{
			name:      "worker count zero",
			cfg:       mutate(func(c *Config) { c.WorkerCount = 0 }),
			wantErr:   true,
			errSubstr: []string{"WORKER_COUNT"},
		},
		{
			name:      "worker queue over cap",
			cfg:       mutate(func(c *Config) { c.WorkerQueue = 99999 }),
			wantErr:   true,
			errSubstr: []string{"WORKER_QUEUE"},
		},
		// Retry knobs
		{
			name:      "retry multiplier below one",
			cfg:       mutate(func(c *Config) { c.RetryMultiplier = 0.5 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_MULTIPLIER"},
		},
		{
			name:      "max delay below initial delay",
			cfg:       mutate(func(c *Config) { c.RetryMaxDelay = c.RetryInitialDelay / 2 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_MAX_DELAY"},
		},
		{
			name:      "attempt budget zero",
			cfg:       mutate(func(c *Config) { c.RetryMaxAttempts = 0 }),
			wantErr:   true,
			errSubstr: []string{"RETRY_MAX_ATTEMPTS"},
		},
		// Breaker knobs
		{
			name:      "breaker cooldown zero",
			cfg:       mutate(func(c *Config) { c.BreakerCooldown = 0 }),
			wantErr:   true,
			errSubstr: []string{"BREAKER_COOLDOWN"},
		},
		// Cache
		{
			name:    "cache disabled needs no ttl",
			cfg:     mutate(func(c *Config) { c.CacheCapacity = 0; c.CacheTTL = 0 }),
			wantErr: false,
		},
		{
			name:      "cache enabled without ttl",
			cfg:       mutate(func(c *Config) { c.CacheTTL = 0 }),
			wantErr:   true,
			errSubstr: []string{"CACHE_TTL"},
		},
		// Batcher
		{
			name:      "batch size zero",
			cfg:       mutate(func(c *Config) { c.StepBatchSize = 0 }),
			wantErr:   true,
			errSubstr: []string{"STEP_BATCH_SIZE"},
		},
		// Error accumulation: several fields invalid at once
		{
			name: "several fields invalid",
			cfg: mutate(func(c *Config) {
				c.DrainSeconds = 0
				c.APIPort = 0
				c.WorkerCount = 0
				c.MaxReissues = 0
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "HTTP_PORT", "WORKER_COUNT", "MAX_REISSUES"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: mutate(func(c *Config) {
				c.DrainSeconds = math.MinInt32
				c.ShutdownBudgetSeconds = math.MinInt32
				c.APIPort = math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, workers int
	}{
		{60, 90, 8080, 8},
		{1, 2, 1, 1},
		{299, 300, 65535, 256},
		{0, 0, 0, 0},
		{-1, -1, -1, -1},
		{301, 302, 65536, 257},
		{150, 100, 8080, 8},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.workers)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, workers int) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.WorkerCount = workers
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		workersOK := workers >= 1 && workers <= 256

		allValid := drainOK && budgetOK && portOK && crossOK && workersOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
