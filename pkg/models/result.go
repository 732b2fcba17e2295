package models

// ResultStatus is the worker's own verdict on an execution.
type ResultStatus string

const (
	// ResultSuccess means the worker believes it completed the subtask.
	ResultSuccess ResultStatus = "success"
	// ResultPartial means usable artifacts were produced but the work is incomplete.
	ResultPartial ResultStatus = "partial"
	// ResultFailure means the worker could not complete the subtask.
	ResultFailure ResultStatus = "failure"
)

// Valid returns true if the status is a known value.
func (s ResultStatus) Valid() bool {
	switch s {
	case ResultSuccess, ResultPartial, ResultFailure:
		return true
	default:
		return false
	}
}

// Diagnostics carries the metrics and notes a worker reports with its result.
type Diagnostics struct {
	// Metrics are evaluated by quality gate criteria.
	Metrics map[string]float64 `json:"metrics,omitempty"`
	// Messages are free-form notes from the worker.
	Messages []string `json:"messages,omitempty"`
}

// Result is what a worker returns from executing a subtask.
type Result struct {
	Status      ResultStatus      `json:"status"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Diagnostics Diagnostics       `json:"diagnostics"`
	// Permanent marks a failure as not worth retrying on the same worker.
	Permanent bool `json:"permanent,omitempty"`
}

// Metric returns the named metric and whether it was reported.
func (r *Result) Metric(name string) (float64, bool) {
	if r == nil || r.Diagnostics.Metrics == nil {
		return 0, false
	}
	v, ok := r.Diagnostics.Metrics[name]
	return v, ok
}
