package models

import "fmt"

// Severity decides what a quality gate breach does to a subtask.
type Severity string

const (
	// SeverityCritical forces the subtask to Failed.
	SeverityCritical Severity = "critical"
	// SeverityWarning is recorded but does not block progression.
	SeverityWarning Severity = "warning"
	// SeverityInfo is recorded for reporting only.
	SeverityInfo Severity = "info"
)

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityInfo:
		return true
	default:
		return false
	}
}

// Comparison operators accepted in criteria.
const (
	OpGTE = ">="
	OpGT  = ">"
	OpLTE = "<="
	OpLT  = "<"
	OpEQ  = "=="
)

// Criterion is a single quality gate check against a reported metric.
type Criterion struct {
	Metric    string   `json:"metric" yaml:"metric"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
	Severity  Severity `json:"severity" yaml:"severity"`
	// Op compares the reported value against Threshold. Empty means ">=".
	Op string `json:"op,omitempty" yaml:"op,omitempty"`
}

// Operator returns the effective comparison operator.
func (c Criterion) Operator() string {
	if c.Op == "" {
		return OpGTE
	}
	return c.Op
}

// Validate checks the criterion is well formed.
func (c Criterion) Validate() error {
	if c.Metric == "" {
		return fmt.Errorf("criterion has empty metric")
	}
	if !c.Severity.Valid() {
		return fmt.Errorf("criterion %s: unknown severity %q", c.Metric, c.Severity)
	}
	switch c.Operator() {
	case OpGTE, OpGT, OpLTE, OpLT, OpEQ:
	default:
		return fmt.Errorf("criterion %s: unknown operator %q", c.Metric, c.Op)
	}
	return nil
}

// String renders the criterion as "metric op threshold (severity)".
func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %g (%s)", c.Metric, c.Operator(), c.Threshold, c.Severity)
}
