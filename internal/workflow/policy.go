package workflow

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds the attempts made for one state.
type RetryPolicy struct {
	BaseInterval time.Duration `json:"base_interval"`
	BackoffRate  float64       `json:"backoff_rate"`
	MaxAttempts  int           `json:"max_attempts"`
	// Timeout bounds each action call. Zero means no per-call timeout.
	Timeout time.Duration `json:"timeout"`
}

// DefaultPolicy is the policy used when none is configured.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 2 * time.Second,
		BackoffRate:  2.0,
		MaxAttempts:  3,
		Timeout:      30 * time.Second,
	}
}

// Delay is the wait after failed attempt n (1-based) before attempt n+1:
// BaseInterval * BackoffRate^(n-1).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseInterval) * math.Pow(p.BackoffRate, float64(n-1))
	if d >= float64(math.MaxInt64) || math.IsInf(d, 0) || math.IsNaN(d) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	var errs []error
	if p.BaseInterval < 0 {
		errs = append(errs, fmt.Errorf("base interval %s must not be negative", p.BaseInterval))
	}
	if p.BackoffRate < 1 || math.IsNaN(p.BackoffRate) || math.IsInf(p.BackoffRate, 0) {
		errs = append(errs, fmt.Errorf("backoff rate %v must be >= 1", p.BackoffRate))
	}
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts %d must be >= 1", p.MaxAttempts))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout %s must not be negative", p.Timeout))
	}
	return errors.Join(errs...)
}
