package escalation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result *models.Result
		gate   bool
		want   FailureClass
	}{
		{"plain error is transient", errors.New("boom"), nil, false, Transient},
		{"timeout is transient", context.DeadlineExceeded, nil, false, Transient},
		{"failure result is transient", nil, &models.Result{Status: models.ResultFailure}, false, Transient},
		{"permanent wrapper", fmt.Errorf("exec: %w", models.Permanent(errors.New("bad input"))), nil, false, Permanent},
		{"permanent result flag", nil, &models.Result{Status: models.ResultFailure, Permanent: true}, false, Permanent},
		{"critical gate", nil, &models.Result{Status: models.ResultSuccess}, true, GateCritical},
		{"critical gate sentinel", models.ErrCriticalGate, nil, false, GateCritical},
		{"context cancel", context.Canceled, nil, false, Cancellation},
		{"cancel wins over gate", models.ErrCancelled, nil, true, Cancellation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err, tt.result, tt.gate); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.n), func(t *testing.T) {
			if got := Backoff(100*time.Millisecond, 500*time.Millisecond, tt.n); got != tt.want {
				t.Errorf("Backoff(n=%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
	assert.Equal(t, time.Duration(0), Backoff(0, time.Second, 3))
	assert.Equal(t, 800*time.Millisecond, Backoff(100*time.Millisecond, 0, 4), "zero max means uncapped")
}

func TestOnFailure_TransientRetriesThenFallsBack(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 2, BackoffBase: 10 * time.Millisecond, BackoffMax: time.Second})

	d := h.OnFailure("B", "w1", Transient, "timeout")
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 10*time.Millisecond, d.Delay)

	d = h.OnFailure("B", "w1", Transient, "timeout")
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, 20*time.Millisecond, d.Delay)

	d = h.OnFailure("B", "w1", Transient, "timeout")
	assert.Equal(t, Fallback, d.Action, "max_retries exhausted")
	assert.Equal(t, 3, d.Attempt)

	rec, ok := h.Record("B")
	require.True(t, ok)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 1, rec.FallbackPosition)
	assert.Equal(t, []string{"w1"}, rec.TriedWorkers)
	assert.Equal(t, models.EscalationOpen, rec.Outcome)

	// The retry budget starts again on the fallback worker.
	d = h.OnFailure("B", "w2", Transient, "timeout")
	assert.Equal(t, Retry, d.Action)
	assert.Equal(t, []string{"w1", "w2"}, h.TriedWorkers("B"))
}

func TestOnFailure_ZeroRetries(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 0})
	assert.Equal(t, Fallback, h.OnFailure("A", "w1", Transient, "x").Action)
}

func TestOnFailure_PermanentFallsBackImmediately(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 5})
	d := h.OnFailure("A", "w1", Permanent, "bad credentials")
	assert.Equal(t, Fallback, d.Action)
	assert.Zero(t, d.Delay)
}

func TestOnFailure_GateCriticalIsTerminal(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 5})
	d := h.OnFailure("A", "w1", GateCritical, "coverage >= 0.8")
	assert.Equal(t, Fail, d.Action)
}

func TestOnFailure_CancellationOpensNoRecord(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 5})
	d := h.OnFailure("A", "w1", Cancellation, "cancelled")
	assert.Equal(t, Cancel, d.Action)
	_, ok := h.Record("A")
	assert.False(t, ok)
	assert.Empty(t, h.Records())
}

func TestClose_Outcomes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var observed []models.EscalationRecord
	h := NewHandler(Policy{MaxRetries: 1},
		WithClock(func() time.Time { return now }),
		WithObserver(func(r models.EscalationRecord) { observed = append(observed, r) }))

	h.OnFailure("A", "w1", Transient, "x")
	h.Recovered("A")
	h.OnFailure("B", "w1", GateCritical, "coverage")
	h.Close("B", models.EscalationExternalReview, "")
	h.OnFailure("C", "w1", Transient, "x")
	h.AbandonOpen("run cancelled")
	h.Recovered("nobody") // no-op

	recs := h.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, models.EscalationRecovered, recs[0].Outcome)
	assert.Equal(t, models.EscalationExternalReview, recs[1].Outcome)
	assert.Equal(t, "coverage", recs[1].Reason)
	assert.Equal(t, models.EscalationAbandoned, recs[2].Outcome)
	assert.Equal(t, "run cancelled", recs[2].Reason)
	for _, r := range recs {
		require.NotNil(t, r.ClosedAt)
		assert.True(t, r.ClosedAt.Equal(now))
	}

	// Closing twice doesn't change the outcome or notify again.
	n := len(observed)
	h.Close("A", models.EscalationAbandoned, "late")
	assert.Len(t, observed, n)
	rec, _ := h.Record("A")
	assert.Equal(t, models.EscalationRecovered, rec.Outcome)
}

func TestExhausted_OpensAndCloses(t *testing.T) {
	h := NewHandler(Policy{})
	h.Exhausted("A", "no capable worker")

	rec, ok := h.Record("A")
	require.True(t, ok)
	assert.Equal(t, models.EscalationExternalReview, rec.Outcome)
	assert.Equal(t, "no capable worker", rec.Reason)
	assert.Zero(t, rec.Attempts)
}

func TestRecord_ReturnsCopy(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 1})
	h.OnFailure("A", "w1", Transient, "x")

	rec, _ := h.Record("A")
	rec.TriedWorkers[0] = "mutated"
	assert.Equal(t, []string{"w1"}, h.TriedWorkers("A"))
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "gate_critical", GateCritical.String())
	assert.Equal(t, "fallback", Fallback.String())
	assert.Equal(t, "unknown", Action(42).String())
}
