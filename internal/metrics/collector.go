// Package metrics exposes run and subtask metrics to Prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const namespace = "switchboard"

// Collector turns orchestrator events into Prometheus metrics. It
// implements events.Sink.
type Collector struct {
	runsStarted     prometheus.Counter
	runsCompleted   *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	gateEvaluations *prometheus.CounterVec
	escalations     *prometheus.CounterVec
	running         prometheus.Gauge
	runDuration     prometheus.Histogram
	subtaskDuration *prometheus.HistogramVec

	mu sync.Mutex
	// runStart and subtaskStart hold start times for duration histograms.
	runStart     map[string]time.Time
	subtaskStart map[string]time.Time
}

// NewCollector registers the collectors with reg. A nil reg uses the
// default Prometheus registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		runsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs started",
		}),
		runsCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of runs completed, by outcome",
		}, []string{"outcome"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtask_transitions_total",
			Help:      "Total number of subtask status changes, by target status",
		}, []string{"status"}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of subtask dispatches, by worker",
		}, []string{"worker"}),
		gateEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_evaluations_total",
			Help:      "Total number of quality gate evaluations, by result",
		}, []string{"result"}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of escalation record updates, by outcome",
		}, []string{"outcome"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subtasks_running",
			Help:      "Number of subtasks currently executing",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		subtaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subtask_attempt_duration_seconds",
			Help:      "Duration of a single subtask attempt, by resulting status",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		}, []string{"status"}),
		runStart:     make(map[string]time.Time),
		subtaskStart: make(map[string]time.Time),
	}
}

// Name implements events.Sink.
func (c *Collector) Name() string { return "metrics" }

// Handle implements events.Sink.
func (c *Collector) Handle(_ context.Context, ev orchestrator.Event) error {
	switch ev.Type {
	case orchestrator.EventRunStarted:
		c.runsStarted.Inc()
		c.mu.Lock()
		c.runStart[ev.RunID] = ev.Timestamp
		c.mu.Unlock()

	case orchestrator.EventRunDone:
		c.runsCompleted.WithLabelValues(string(ev.Outcome)).Inc()
		c.mu.Lock()
		if start, ok := c.runStart[ev.RunID]; ok {
			c.runDuration.Observe(ev.Timestamp.Sub(start).Seconds())
			delete(c.runStart, ev.RunID)
		}
		c.mu.Unlock()

	case orchestrator.EventSubtaskStatus:
		c.transitions.WithLabelValues(string(ev.To)).Inc()
		c.observeStatus(ev)

	case orchestrator.EventSubtaskDispatched:
		c.dispatches.WithLabelValues(ev.WorkerID).Inc()

	case orchestrator.EventGateEvaluated:
		result := "pass"
		if ev.Gate != nil && !ev.Gate.Pass {
			result = "breach"
		}
		c.gateEvaluations.WithLabelValues(result).Inc()

	case orchestrator.EventEscalation:
		outcome := string(models.EscalationOpen)
		if ev.Escalation != nil && ev.Escalation.Outcome != "" {
			outcome = string(ev.Escalation.Outcome)
		}
		c.escalations.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (c *Collector) observeStatus(ev orchestrator.Event) {
	key := ev.RunID + "/" + ev.SubtaskID
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.To == models.StatusRunning {
		c.running.Inc()
		c.subtaskStart[key] = ev.Timestamp
		return
	}
	if ev.From == models.StatusRunning {
		c.running.Dec()
		if start, ok := c.subtaskStart[key]; ok {
			c.subtaskDuration.WithLabelValues(string(ev.To)).Observe(ev.Timestamp.Sub(start).Seconds())
			delete(c.subtaskStart, key)
		}
	}
}
