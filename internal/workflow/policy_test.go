package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{BaseInterval: 2 * time.Second, BackoffRate: 2.0, MaxAttempts: 3}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}

	huge := RetryPolicy{BaseInterval: time.Hour, BackoffRate: 1000}
	if got := huge.Delay(50); got <= 0 {
		t.Errorf("Delay overflowed to %s", got)
	}

	// 1ns * 2^63 rounds to exactly float64(MaxInt64), which does not fit.
	edge := RetryPolicy{BaseInterval: time.Nanosecond, BackoffRate: 2}
	if got := edge.Delay(64); got != time.Duration(math.MaxInt64) {
		t.Errorf("Delay(64) = %d, want clamped to MaxInt64", int64(got))
	}
	if got := edge.Delay(63); got != time.Duration(1<<62) {
		t.Errorf("Delay(63) = %d, want 2^62", int64(got))
	}
}

func TestRetryPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		p       RetryPolicy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero base", RetryPolicy{BackoffRate: 1, MaxAttempts: 1}, false},
		{"negative base", RetryPolicy{BaseInterval: -1, BackoffRate: 2, MaxAttempts: 3}, true},
		{"rate below one", RetryPolicy{BaseInterval: time.Second, BackoffRate: 0.5, MaxAttempts: 3}, true},
		{"zero attempts", RetryPolicy{BaseInterval: time.Second, BackoffRate: 2}, true},
		{"negative timeout", RetryPolicy{BaseInterval: time.Second, BackoffRate: 2, MaxAttempts: 1, Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.p.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", base, false},
		{"deadline", context.DeadlineExceeded, false},
		{"fatal", Fatal(base), true},
		{"wrapped fatal", fmt.Errorf("isolate: %w", Fatal(base)), true},
		{"transient over fatal", Transient(Fatal(base)), false},
		{"transient", Transient(base), false},
	}
	for _, tt := range tests {
		if got := IsFatal(tt.err); got != tt.want {
			t.Errorf("%s: IsFatal = %v, want %v", tt.name, got, tt.want)
		}
	}
	if Fatal(nil) != nil || Transient(nil) != nil {
		t.Error("wrapping nil should return nil")
	}
	if !errors.Is(Fatal(base), base) {
		t.Error("Fatal should unwrap to its cause")
	}
}

func TestIdempotencyKey(t *testing.T) {
	t.Parallel()
	if got := IdempotencyKey("f1", StateIsolateSubject); got != "f1/IsolateSubject" {
		t.Errorf("IdempotencyKey = %q", got)
	}
}

func TestGraph_Validate(t *testing.T) {
	t.Parallel()

	noop := ActionFunc(func(context.Context, Input) error { return nil })
	p := DefaultPolicy()

	tests := []struct {
		name    string
		g       Graph
		wantErr bool
	}{
		{"ok", Graph{Nodes: []Node{{Name: "A", Action: noop, Policy: p}}}, false},
		{"empty", Graph{}, true},
		{"no action", Graph{Nodes: []Node{{Name: "A", Policy: p}}}, true},
		{"duplicate", Graph{Nodes: []Node{{Name: "A", Action: noop, Policy: p}, {Name: "A", Action: noop, Policy: p}}}, true},
		{"reserved", Graph{Nodes: []Node{{Name: StateCompensation, Action: noop, Policy: p}}}, true},
		{"bad policy", Graph{Nodes: []Node{{Name: "A", Action: noop}}}, true},
		{"bad compensation policy", Graph{Nodes: []Node{{Name: "A", Action: noop, Policy: p}}, Compensation: noop}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.g.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGraph_CompensationFor(t *testing.T) {
	t.Parallel()

	var which string
	own := ActionFunc(func(context.Context, Input) error { which = "own"; return nil })
	catchAll := ActionFunc(func(context.Context, Input) error { which = "catch-all"; return nil })
	g := &Graph{
		Nodes: []Node{
			{Name: "A", Action: own, Compensation: own},
			{Name: "B", Action: own},
		},
		Compensation: catchAll,
	}

	_ = g.compensationFor("A").Execute(context.Background(), Input{})
	if which != "own" {
		t.Errorf("A compensation = %s, want own", which)
	}
	_ = g.compensationFor("B").Execute(context.Background(), Input{})
	if which != "catch-all" {
		t.Errorf("B compensation = %s, want catch-all", which)
	}
}

func TestPolicies_For(t *testing.T) {
	t.Parallel()

	override := RetryPolicy{BaseInterval: 5 * time.Second, BackoffRate: 2, MaxAttempts: 5}
	p := Policies{Default: DefaultPolicy(), Overrides: map[StateName]RetryPolicy{StateIsolateSubject: override}}
	if got := p.For(StateIsolateSubject); got != override {
		t.Errorf("For(IsolateSubject) = %+v", got)
	}
	if got := p.For(StateNotify); got != DefaultPolicy() {
		t.Errorf("For(Notify) = %+v", got)
	}
}
