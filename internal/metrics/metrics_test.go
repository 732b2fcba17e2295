package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchboard/internal/gate"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

func feed(t *testing.T, c *Collector, evs ...orchestrator.Event) {
	t.Helper()
	for _, ev := range evs {
		require.NoError(t, c.Handle(context.Background(), ev))
	}
}

func TestCollector_RunLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	t0 := time.Unix(1000, 0)

	feed(t, c,
		orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "r", Timestamp: t0},
		orchestrator.Event{Type: orchestrator.EventSubtaskStatus, RunID: "r", SubtaskID: "a",
			From: models.StatusReady, To: models.StatusRunning, Timestamp: t0},
		orchestrator.Event{Type: orchestrator.EventSubtaskDispatched, RunID: "r", SubtaskID: "a", WorkerID: "w1", Timestamp: t0},
		orchestrator.Event{Type: orchestrator.EventSubtaskStatus, RunID: "r", SubtaskID: "b",
			From: models.StatusReady, To: models.StatusRunning, Timestamp: t0},
	)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.running))

	feed(t, c,
		orchestrator.Event{Type: orchestrator.EventGateEvaluated, RunID: "r", SubtaskID: "a",
			Gate: &gate.Outcome{Pass: false}, Timestamp: t0},
		orchestrator.Event{Type: orchestrator.EventSubtaskStatus, RunID: "r", SubtaskID: "a",
			From: models.StatusRunning, To: models.StatusFailed, Timestamp: t0.Add(2 * time.Second)},
		orchestrator.Event{Type: orchestrator.EventEscalation, RunID: "r", SubtaskID: "a",
			Escalation: &models.EscalationRecord{SubtaskID: "a", Outcome: models.EscalationExternalReview}},
		orchestrator.Event{Type: orchestrator.EventRunDone, RunID: "r", Outcome: models.RunFailed,
			Timestamp: t0.Add(10 * time.Second)},
	)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("w1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.gateEvaluations.WithLabelValues("breach")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalations.WithLabelValues("external_review")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.subtaskDuration))

	expected := `
# HELP switchboard_run_duration_seconds Run duration in seconds
# TYPE switchboard_run_duration_seconds histogram
switchboard_run_duration_seconds_bucket{le="1"} 0
switchboard_run_duration_seconds_bucket{le="5"} 0
switchboard_run_duration_seconds_bucket{le="10"} 1
switchboard_run_duration_seconds_bucket{le="30"} 1
switchboard_run_duration_seconds_bucket{le="60"} 1
switchboard_run_duration_seconds_bucket{le="120"} 1
switchboard_run_duration_seconds_bucket{le="300"} 1
switchboard_run_duration_seconds_bucket{le="600"} 1
switchboard_run_duration_seconds_bucket{le="1800"} 1
switchboard_run_duration_seconds_bucket{le="+Inf"} 1
switchboard_run_duration_seconds_sum 10
switchboard_run_duration_seconds_count 1
`
	require.NoError(t, testutil.CollectAndCompare(c.runDuration, strings.NewReader(expected)))
}

func TestCollector_EscalationWithoutRecordCountsAsOpen(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	feed(t, c, orchestrator.Event{Type: orchestrator.EventEscalation, RunID: "r"})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalations.WithLabelValues("open")))
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	feed(t, c, orchestrator.Event{Type: orchestrator.EventRunStarted, RunID: "r"})

	srv, err := Listen("127.0.0.1:0", reg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, body, "switchboard_runs_started_total 1")

	cancel()
	assert.NoError(t, <-done)
}
