// Package severity implements the severity gate that decides whether a finding
// requires action.
package severity

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/warden/internal/finding"
)

// Level is a named threshold from a closed, ordered set.
type Level string

const (
	Low      Level = "LOW"
	Medium   Level = "MEDIUM"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

// Score bounds for normalized severities.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

var lowerBounds = map[Level]float64{
	Low:      1.0,
	Medium:   4.0,
	High:     7.0,
	Critical: 9.0,
}

// Levels returns the closed set in ascending order.
func Levels() []Level {
	return []Level{Low, Medium, High, Critical}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := lowerBounds[l]; !ok {
		return "", fmt.Errorf("unknown severity level %q (want LOW, MEDIUM, HIGH or CRITICAL)", s)
	}
	return l, nil
}

// LowerBound is the smallest score that falls within the level.
func (l Level) LowerBound() float64 {
	return lowerBounds[l]
}

// Valid reports whether l is one of the closed set.
func (l Level) Valid() bool {
	_, ok := lowerBounds[l]
	return ok
}

// Classify returns the highest level whose lower bound the score reaches.
// Scores below LOW are reported as LOW.
func Classify(score float64) Level {
	out := Low
	for _, l := range Levels() {
		if score >= l.LowerBound() {
			out = l
		}
	}
	return out
}

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Admitted  bool
	Threshold Level
	Level     Level
	Score     float64
}

// Gate admits findings whose severity reaches the configured threshold.
// It is stateless: every evaluation depends only on the finding and the
// threshold.
type Gate struct {
	threshold Level
	logger    log.Logger
	onDecide  func(admitted bool, level Level)
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger used for classification errors.
func WithLogger(l log.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithDecisionHook registers a callback invoked on every admit decision.
func WithDecisionHook(fn func(admitted bool, level Level)) Option {
	return func(g *Gate) { g.onDecide = fn }
}

// NewGate returns a gate for the given threshold.
func NewGate(threshold Level, opts ...Option) (*Gate, error) {
	if !threshold.Valid() {
		return nil, fmt.Errorf("invalid severity threshold %q", threshold)
	}
	g := &Gate{threshold: threshold, logger: log.Nop()}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Threshold returns the configured threshold level.
func (g *Gate) Threshold() Level {
	return g.threshold
}

// Evaluate compares the finding's score against the threshold's lower bound,
// inclusively. Unscorable severities return a *finding.ClassificationError.
func (g *Gate) Evaluate(f *finding.Finding) (Decision, error) {
	if f == nil {
		return Decision{Threshold: g.threshold}, &finding.ClassificationError{Reason: "nil finding"}
	}
	s := f.Severity
	if math.IsNaN(s) || math.IsInf(s, 0) || s < MinScore || s > MaxScore {
		return Decision{Threshold: g.threshold, Score: s}, &finding.ClassificationError{
			FindingID: f.ID,
			Reason:    fmt.Sprintf("severity %v outside [%v, %v]", s, MinScore, MaxScore),
		}
	}
	return Decision{
		Admitted:  s >= g.threshold.LowerBound(),
		Threshold: g.threshold,
		Level:     Classify(s),
		Score:     s,
	}, nil
}

// Admit is the total form of Evaluate. Classification errors are logged and
// the finding is not admitted.
func (g *Gate) Admit(ctx context.Context, f *finding.Finding) bool {
	d, err := g.Evaluate(f)
	if err != nil {
		id := ""
		if f != nil {
			id = f.ID
		}
		g.logger.Error(ctx, err, "severity classification failed", "finding_id", id, "threshold", g.threshold)
		if g.onDecide != nil {
			g.onDecide(false, "")
		}
		return false
	}
	if g.onDecide != nil {
		g.onDecide(d.Admitted, d.Level)
	}
	return d.Admitted
}
