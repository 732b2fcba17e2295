package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestCriterion_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Criterion
		wantErr bool
	}{
		{"default op", Criterion{Metric: "coverage", Threshold: 0.8, Severity: SeverityCritical}, false},
		{"explicit op", Criterion{Metric: "lint", Threshold: 0, Severity: SeverityWarning, Op: OpLTE}, false},
		{"empty metric", Criterion{Severity: SeverityInfo}, true},
		{"bad severity", Criterion{Metric: "x", Severity: "fatal"}, true},
		{"bad op", Criterion{Metric: "x", Severity: SeverityInfo, Op: "!="}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCriterion_String(t *testing.T) {
	c := Criterion{Metric: "coverage", Threshold: 0.8, Severity: SeverityCritical}
	if got, want := c.String(), "coverage >= 0.8 (critical)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestWorker_HasTag(t *testing.T) {
	w := &Worker{ID: "w1", Tags: []string{"Go", "testing"}}
	if !w.HasTag("go") {
		t.Error("HasTag(go) = false, want true")
	}
	if w.HasTag("rust") {
		t.Error("HasTag(rust) = true, want false")
	}
}

func TestWorker_Capacity(t *testing.T) {
	if got := (&Worker{}).Capacity(); got != 1 {
		t.Errorf("Capacity() with zero MaxConcurrent = %d, want 1", got)
	}
	if got := (&Worker{MaxConcurrent: 4}).Capacity(); got != 4 {
		t.Errorf("Capacity() = %d, want 4", got)
	}
}

func TestResult_Metric(t *testing.T) {
	var nilResult *Result
	if _, ok := nilResult.Metric("x"); ok {
		t.Error("Metric on nil result should report missing")
	}

	r := &Result{Diagnostics: Diagnostics{Metrics: map[string]float64{"coverage": 0.6}}}
	v, ok := r.Metric("coverage")
	if !ok || v != 0.6 {
		t.Errorf("Metric(coverage) = %v, %v; want 0.6, true", v, ok)
	}
}

func TestRunOutcome_ExitCode(t *testing.T) {
	tests := []struct {
		outcome RunOutcome
		want    int
	}{
		{RunSucceeded, 0},
		{RunPartiallyFailed, 2},
		{RunFailed, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			if got := tt.outcome.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}

	base := errors.New("bad credentials")
	err := fmt.Errorf("execute: %w", Permanent(base))

	if !IsPermanent(err) {
		t.Error("IsPermanent() = false for wrapped permanent error")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error should still unwrap to the cause")
	}
	if IsPermanent(base) {
		t.Error("IsPermanent() = true for plain error")
	}
}

func TestEscalationRecord_Closed(t *testing.T) {
	r := &EscalationRecord{Outcome: EscalationOpen}
	if r.Closed() {
		t.Error("open record reported closed")
	}
	r.Outcome = EscalationRecovered
	if !r.Closed() {
		t.Error("recovered record reported open")
	}
}
