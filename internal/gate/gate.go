// Package gate evaluates worker results against quality criteria.
package gate

import (
	"fmt"
	"math"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Breach records a single criterion that did not hold.
type Breach struct {
	Criterion models.Criterion `json:"criterion"`
	// Value is the reported metric. Missing is true when the worker didn't report it.
	Value   float64 `json:"value"`
	Missing bool    `json:"missing,omitempty"`
}

// String renders the breach for reports and failure reasons.
func (b Breach) String() string {
	if b.Missing {
		return fmt.Sprintf("%s: metric not reported", b.Criterion)
	}
	return fmt.Sprintf("%s: got %g", b.Criterion, b.Value)
}

// Outcome is the verdict of evaluating a result against its criteria.
type Outcome struct {
	// Pass is false when any critical criterion was breached.
	Pass             bool     `json:"pass"`
	CriticalFailures []Breach `json:"critical_failures,omitempty"`
	Warnings         []Breach `json:"warnings,omitempty"`
	Info             []Breach `json:"info,omitempty"`
}

// Reason summarises the critical failures, or returns an empty string.
func (o Outcome) Reason() string {
	if len(o.CriticalFailures) == 0 {
		return ""
	}
	msg := "quality gate failed: " + o.CriticalFailures[0].String()
	if n := len(o.CriticalFailures) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// Evaluate checks every criterion against the result's reported metrics.
// A criterion is breached when its metric is missing or the comparison fails.
// Only critical breaches clear Pass; warnings and info are recorded.
func Evaluate(result *models.Result, criteria []models.Criterion) Outcome {
	out := Outcome{Pass: true}
	for _, c := range criteria {
		value, ok := result.Metric(c.Metric)
		if ok && compare(value, c.Operator(), c.Threshold) {
			continue
		}
		b := Breach{Criterion: c, Value: value, Missing: !ok}
		switch c.Severity {
		case models.SeverityCritical:
			out.Pass = false
			out.CriticalFailures = append(out.CriticalFailures, b)
		case models.SeverityWarning:
			out.Warnings = append(out.Warnings, b)
		default:
			out.Info = append(out.Info, b)
		}
	}
	return out
}

// epsilon absorbs float noise in equality checks.
const epsilon = 1e-9

func compare(value float64, op string, threshold float64) bool {
	switch op {
	case models.OpGT:
		return value > threshold
	case models.OpLTE:
		return value <= threshold
	case models.OpLT:
		return value < threshold
	case models.OpEQ:
		return math.Abs(value-threshold) < epsilon
	default:
		return value >= threshold
	}
}

// Merge combines run-level and subtask criteria. A subtask criterion
// replaces any run-level criterion on the same metric.
func Merge(run, subtask []models.Criterion) []models.Criterion {
	if len(run) == 0 {
		return append([]models.Criterion(nil), subtask...)
	}
	overridden := make(map[string]bool, len(subtask))
	for _, c := range subtask {
		overridden[c.Metric] = true
	}
	out := make([]models.Criterion, 0, len(run)+len(subtask))
	for _, c := range run {
		if !overridden[c.Metric] {
			out = append(out, c)
		}
	}
	return append(out, subtask...)
}
