// Package verdict defines the results produced by URL analysis: per-check
// results, the aggregate verdict of one analysis side, and the combined
// verdict with its threat level.
package verdict

import (
	"errors"
	"fmt"
)

// Level is a bucketed summary of risk.
type Level string

const (
	LevelSafe       Level = "safe"
	LevelCaution    Level = "caution"
	LevelSuspicious Level = "suspicious"
	LevelDanger     Level = "danger"
)

// ErrIncomplete marks an outcome whose check did not produce a result.
var ErrIncomplete = errors.New("check did not complete")

// CheckResult is what one completed check contributes to a verdict. Score may
// be negative to pull the aggregate down.
type CheckResult struct {
	Score   float64        `json:"score"`
	Flags   []string       `json:"flags,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// Blocklisted is set by checks that matched a known-malicious source.
	Blocklisted bool `json:"blocklisted,omitempty"`
	// Trusted is set by checks that matched the allowlist.
	Trusted bool `json:"trusted,omitempty"`
}

// Outcome is the explicit result of running one check. A nil Err means the
// check completed and Result is meaningful.
type Outcome struct {
	Check  string
	Result CheckResult
	Err    error
}

// Completed reports whether the check produced a usable result.
func (o Outcome) Completed() bool {
	return o.Err == nil
}

// Done wraps a completed check result.
func Done(check string, r CheckResult) Outcome {
	return Outcome{Check: check, Result: r}
}

// Incomplete records a check that failed or timed out.
func Incomplete(check string, err error) Outcome {
	if err == nil {
		err = ErrIncomplete
	}
	return Outcome{Check: check, Err: fmt.Errorf("%s: %w", check, err)}
}

// Verdict is the aggregate judgment of one analysis side.
type Verdict struct {
	Score       float64                   `json:"threat_score"`
	Confidence  float64                   `json:"confidence"`
	Flags       []string                  `json:"flags"`
	Details     map[string]map[string]any `json:"details,omitempty"`
	Blocklisted bool                      `json:"blocklisted,omitempty"`
	Trusted     bool                      `json:"trusted,omitempty"`

	// Failed lists checks that did not complete, in execution order.
	Failed []string `json:"failed,omitempty"`
}

// Aggregate folds check outcomes into a verdict. The score is the clamped sum
// of completed contributions and confidence is the completed fraction. Flags
// keep the order of outcomes.
func Aggregate(outcomes []Outcome) Verdict {
	v := Verdict{
		Flags:   []string{},
		Details: make(map[string]map[string]any, len(outcomes)),
	}
	if len(outcomes) == 0 {
		return v
	}

	var sum float64
	completed := 0
	for _, o := range outcomes {
		if !o.Completed() {
			v.Failed = append(v.Failed, o.Check)
			continue
		}
		completed++
		sum += o.Result.Score
		v.Flags = append(v.Flags, o.Result.Flags...)
		if len(o.Result.Details) > 0 {
			v.Details[o.Check] = o.Result.Details
		}
		v.Blocklisted = v.Blocklisted || o.Result.Blocklisted
		v.Trusted = v.Trusted || o.Result.Trusted
	}

	v.Score = Clamp(sum)
	v.Confidence = float64(completed) / float64(len(outcomes))
	return v
}

// Clamp limits x to [0,1].
func Clamp(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
