package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/workflow"
)

// policyOverride is one state's entry in the policy file. Omitted fields
// inherit from the default policy.
type policyOverride struct {
	BaseInterval *time.Duration `yaml:"base_interval"`
	BackoffRate  *float64       `yaml:"backoff_rate"`
	MaxAttempts  *int           `yaml:"max_attempts"`
	Timeout      *time.Duration `yaml:"timeout"`
}

type policyFile struct {
	Default *policyOverride           `yaml:"default"`
	States  map[string]policyOverride `yaml:"states"`
}

var policyStates = map[workflow.StateName]struct{}{
	workflow.StateCaptureConfirmed: {},
	workflow.StateIsolateSubject:   {},
	workflow.StateNotify:           {},
	workflow.StateReconcileStatus:  {},
	workflow.StateCompensation:     {},
}

// LoadPolicyFile reads per-state retry overrides from a YAML file:
//
//	default: {max_attempts: 4}
//	states:
//	  IsolateSubject: {base_interval: 5s, backoff_rate: 2, max_attempts: 5, timeout: 20s}
//
// An optional default block adjusts def before the states are applied.
func LoadPolicyFile(path string, def workflow.RetryPolicy) (workflow.Policies, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration.
	if err != nil {
		return workflow.Policies{}, fmt.Errorf("read policy file: %w", err)
	}
	p, err := ParsePolicies(data, def)
	if err != nil {
		return workflow.Policies{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicies decodes a policy document. Unknown keys and state names are
// rejected, and every resulting policy is validated.
func ParsePolicies(data []byte, def workflow.RetryPolicy) (workflow.Policies, error) {
	var pf policyFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil && !errors.Is(err, io.EOF) {
		return workflow.Policies{}, fmt.Errorf("decode: %w", err)
	}

	if pf.Default != nil {
		def = pf.Default.apply(def)
	}
	if err := def.Validate(); err != nil {
		return workflow.Policies{}, fmt.Errorf("default policy: %w", err)
	}

	out := workflow.Policies{Default: def}
	var errs []error
	for name, o := range pf.States {
		state := workflow.StateName(name)
		if _, ok := policyStates[state]; !ok {
			errs = append(errs, fmt.Errorf("unknown state %q", name))
			continue
		}
		p := o.apply(def)
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("state %s: %w", name, err))
			continue
		}
		if out.Overrides == nil {
			out.Overrides = make(map[workflow.StateName]workflow.RetryPolicy, len(pf.States))
		}
		out.Overrides[state] = p
	}
	if len(errs) > 0 {
		return workflow.Policies{}, errors.Join(errs...)
	}
	return out, nil
}

func (o policyOverride) apply(p workflow.RetryPolicy) workflow.RetryPolicy {
	if o.BaseInterval != nil {
		p.BaseInterval = *o.BaseInterval
	}
	if o.BackoffRate != nil {
		p.BackoffRate = *o.BackoffRate
	}
	if o.MaxAttempts != nil {
		p.MaxAttempts = *o.MaxAttempts
	}
	if o.Timeout != nil {
		p.Timeout = *o.Timeout
	}
	return p
}
