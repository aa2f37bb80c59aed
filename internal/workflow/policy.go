package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/quell/internal/approval"
	"github.com/linnemanlabs/quell/internal/incident"
)

// Duration is a time.Duration that unmarshals from strings like "45s"
// or "30m", the form operators write in the policy file.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\", got %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Policy is the operator-editable part of the workflow: approval rules,
// timeout overrides, and tuning knobs. Loaded from YAML at startup;
// rules are also reloadable at runtime.
type Policy struct {
	ConfidenceThreshold  float64                        `yaml:"confidence_threshold"`
	AutoApprovalsPerHour int                            `yaml:"auto_approvals_per_hour"`
	Timeouts             map[string]Duration            `yaml:"timeouts"`
	SeverityTimeouts     map[string]map[string]Duration `yaml:"severity_timeouts"`
	Rules                []approval.Rule                `yaml:"rules"`
}

// LoadPolicy reads and validates a policy file. An empty path returns
// the zero Policy, leaving every default in place.
func LoadPolicy(path string) (*Policy, error) {
	p := &Policy{}
	if path == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks rule definitions and knob ranges.
func (p *Policy) Validate() error {
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0, 1]", p.ConfidenceThreshold)
	}
	if p.AutoApprovalsPerHour < 0 {
		return fmt.Errorf("auto_approvals_per_hour must not be negative")
	}
	for sev := range p.SeverityTimeouts {
		if !incident.Severity(sev).Valid() {
			return fmt.Errorf("severity_timeouts: unknown severity %q", sev)
		}
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// BuildTimeouts merges the policy's overrides over the stock deadlines.
func (p *Policy) BuildTimeouts() Timeouts {
	t := DefaultTimeouts()
	for key, d := range p.Timeouts {
		t.PerState[key] = time.Duration(d)
	}
	for sev, overrides := range p.SeverityTimeouts {
		bySev := t.PerSeverity[incident.Severity(sev)]
		if bySev == nil {
			bySev = make(map[string]time.Duration)
			t.PerSeverity[incident.Severity(sev)] = bySev
		}
		for key, d := range overrides {
			bySev[key] = time.Duration(d)
		}
	}
	return t
}
