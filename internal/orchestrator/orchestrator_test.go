package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/switchboard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

type call struct {
	Subtask string
	Worker  string
	Input   map[string]string
}

// fakeExecutor records calls and tracks concurrency. fn decides the
// outcome; a nil fn succeeds with one artifact per declared output.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []call
	active   map[string]int
	total    int
	maxTotal int
	maxPerID int
	fn       func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error)
}

func newFakeExecutor(fn func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error)) *fakeExecutor {
	return &fakeExecutor{active: make(map[string]int), fn: fn}
}

func (f *fakeExecutor) Execute(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{Subtask: st.ID, Worker: w.ID, Input: in})
	f.active[st.ID]++
	f.total++
	if f.active[st.ID] > f.maxPerID {
		f.maxPerID = f.active[st.ID]
	}
	if f.total > f.maxTotal {
		f.maxTotal = f.total
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[st.ID]--
		f.total--
		f.mu.Unlock()
	}()

	if f.fn == nil {
		return success(st), nil
	}
	return f.fn(ctx, w, st, in)
}

func (f *fakeExecutor) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func success(st models.Subtask) *models.Result {
	arts := make(map[string]string, len(st.Outputs))
	for _, k := range st.Outputs {
		arts[k] = st.ID + ":" + k
	}
	return &models.Result{Status: models.ResultSuccess, Artifacts: arts}
}

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Run.MaxParallel = 4
	p.Run.BackoffBase = time.Millisecond
	p.Run.BackoffMax = 5 * time.Millisecond
	p.Run.DispatchTimeout = 5 * time.Second
	p.Run.CancelGrace = 50 * time.Millisecond
	p.Loop.PollInterval = 20 * time.Millisecond
	return p
}

func newRegistry(t *testing.T, workers ...models.Worker) *router.Registry {
	t.Helper()
	r := router.New()
	for _, w := range workers {
		require.NoError(t, r.Register(w))
	}
	return r
}

func goWorker(id string) models.Worker {
	return models.Worker{ID: id, Tags: []string{"go"}, MaxConcurrent: 4}
}

func dep(id string) models.Dependency { return models.Dependency{ID: id} }

func newOrchestrator(t *testing.T, subtasks []*models.Subtask, reg *router.Registry, exec Executor, p *policy.Config, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithPolicy(p)}, opts...)
	o, err := New(RequiredConfig{Subtasks: subtasks, Registry: reg, Executor: exec}, opts...)
	require.NoError(t, err)
	return o
}

func runToEnd(t *testing.T, o *Orchestrator) *Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := o.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}

func statusOf(t *testing.T, r *Report, id string) SubtaskReport {
	t.Helper()
	s, ok := r.Subtask(id)
	require.True(t, ok, "subtask %s missing from report", id)
	return s
}

func TestNew_RejectsInvalidGraph(t *testing.T) {
	exec := newFakeExecutor(nil)
	reg := newRegistry(t, goWorker("w1"))

	_, err := New(RequiredConfig{
		Subtasks: []*models.Subtask{
			{ID: "A", DependsOn: []models.Dependency{dep("B")}},
			{ID: "B", DependsOn: []models.Dependency{dep("A")}},
		},
		Registry: reg,
		Executor: exec,
	})
	assert.True(t, errors.Is(err, models.ErrInvalidGraph))
	assert.Empty(t, exec.Calls(), "no dispatch on invalid graph")

	_, err = New(RequiredConfig{
		Subtasks: []*models.Subtask{
			{ID: "A", Criteria: []models.Criterion{{Metric: "", Threshold: 1, Severity: models.SeverityCritical}}},
		},
		Registry: reg,
		Executor: exec,
	})
	assert.True(t, errors.Is(err, models.ErrInvalidGraph))

	_, err = New(RequiredConfig{Subtasks: []*models.Subtask{{ID: "A"}}, Executor: exec})
	assert.Error(t, err)
}

func TestRun_ChainPassesContext(t *testing.T) {
	exec := newFakeExecutor(nil)
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A", Tags: []string{"go"}, Outputs: []string{"schema", "notes"}},
		{ID: "B", Tags: []string{"go"}, Inputs: []string{"schema"}, Outputs: []string{"api"}, DependsOn: []models.Dependency{dep("A")}},
		{ID: "C", Tags: []string{"go"}, Inputs: []string{"api"}, DependsOn: []models.Dependency{dep("B")}},
	}, newRegistry(t, goWorker("w1")), exec, testPolicy())

	report := runToEnd(t, o)

	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Equal(t, []string{"A", "B", "C"}, report.DispatchOrder())
	calls := exec.Calls()
	require.Len(t, calls, 3)
	assert.Empty(t, calls[0].Input)
	assert.Equal(t, map[string]string{"schema": "A:schema"}, calls[1].Input)
	assert.Equal(t, map[string]string{"api": "B:api"}, calls[2].Input)
	for _, s := range report.Subtasks {
		assert.Equal(t, models.StatusSucceeded, s.Status)
		assert.Equal(t, "w1", s.Worker)
		assert.Equal(t, 1, s.Attempts)
	}
}

func TestRun_NoDispatchBeforeHardDependenciesSucceed(t *testing.T) {
	var o *Orchestrator
	var mu sync.Mutex
	var violations []string

	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		for _, d := range st.DependsOn {
			if st.EdgeSync(d) == models.SyncHard && o.store.Status(d.ID) != models.StatusSucceeded {
				mu.Lock()
				violations = append(violations, st.ID+" before "+d.ID)
				mu.Unlock()
			}
		}
		time.Sleep(2 * time.Millisecond)
		return success(st), nil
	})

	o = newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B"},
		{ID: "C", DependsOn: []models.Dependency{dep("A"), dep("B")}},
		{ID: "D", DependsOn: []models.Dependency{dep("C")}},
		{ID: "E", DependsOn: []models.Dependency{dep("A")}},
		{ID: "F", DependsOn: []models.Dependency{dep("D"), dep("E")}},
	}, newRegistry(t, models.Worker{ID: "w1", MaxConcurrent: 8}), exec, testPolicy())

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Empty(t, violations)
}

func TestRun_OneInFlightPerSubtask(t *testing.T) {
	var mu sync.Mutex
	attempts := make(map[string]int)
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		mu.Lock()
		attempts[st.ID]++
		n := attempts[st.ID]
		mu.Unlock()
		time.Sleep(time.Millisecond)
		if n < 3 {
			return nil, errors.New("flaky")
		}
		return success(st), nil
	})

	var subtasks []*models.Subtask
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		subtasks = append(subtasks, &models.Subtask{ID: id})
	}
	p := testPolicy()
	p.Run.MaxParallel = 8
	p.Run.MaxRetries = 3
	o := newOrchestrator(t, subtasks, newRegistry(t, models.Worker{ID: "w1", MaxConcurrent: 8}), exec, p)

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Equal(t, 1, exec.maxPerID)
	assert.Len(t, report.Dispatches, 24)
}

func TestRun_TransientRetriesThenFallsBack(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if w.ID == "w1" {
			return nil, errors.New("connection reset")
		}
		return success(st), nil
	})
	w1 := goWorker("w1")
	w1.Priority = models.PriorityHigh
	reg := newRegistry(t, w1, goWorker("w2"))

	p := testPolicy()
	p.Run.MaxRetries = 2
	o := newOrchestrator(t, []*models.Subtask{{ID: "A", Tags: []string{"go"}}}, reg, exec, p)

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)

	var workers []string
	for _, d := range report.Dispatches {
		workers = append(workers, d.WorkerID)
	}
	assert.Equal(t, []string{"w1", "w1", "w1", "w2"}, workers, "first try plus max_retries on w1, then fallback")

	a := statusOf(t, report, "A")
	assert.Equal(t, 4, a.Attempts)
	assert.Equal(t, "w2", a.Worker)

	require.Len(t, report.Escalations, 1)
	rec := report.Escalations[0]
	assert.Equal(t, models.EscalationRecovered, rec.Outcome)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 1, rec.FallbackPosition)
	assert.Equal(t, []string{"w1"}, rec.TriedWorkers)
	assert.NotNil(t, rec.ClosedAt)
}

func TestRun_PanicIsPermanent(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if w.ID == "w1" {
			panic("nil map write")
		}
		return success(st), nil
	})
	w1 := goWorker("w1")
	w1.Priority = models.PriorityHigh
	o := newOrchestrator(t, []*models.Subtask{{ID: "A", Tags: []string{"go"}}},
		newRegistry(t, w1, goWorker("w2")), exec, testPolicy())

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	require.Len(t, report.Dispatches, 2, "a panic skips same-worker retries")
	assert.Equal(t, "w2", report.Dispatches[1].WorkerID)
	require.Len(t, report.Escalations, 1)
	assert.Contains(t, report.Escalations[0].Reason, "panicked")
}

func TestRun_DispatchTimeoutIsTransient(t *testing.T) {
	var mu sync.Mutex
	n := 0
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		mu.Lock()
		n++
		first := n == 1
		mu.Unlock()
		if first {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return success(st), nil
	})
	o := newOrchestrator(t, []*models.Subtask{{ID: "A", Timeout: 20 * time.Millisecond}},
		newRegistry(t, goWorker("w1")), exec, testPolicy())

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	require.Len(t, report.Dispatches, 2)
	assert.Equal(t, "w1", report.Dispatches[1].WorkerID, "timeouts retry on the same worker")
	require.Len(t, report.Escalations, 1)
	assert.Contains(t, report.Escalations[0].Reason, "timed out")
	assert.Equal(t, models.EscalationRecovered, report.Escalations[0].Outcome)
}

func TestRun_CriticalGateFailsAndBlocksDependents(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		r := success(st)
		r.Diagnostics.Metrics = map[string]float64{"coverage": 0.6}
		return r, nil
	})
	p := testPolicy()
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A", Outputs: []string{"lib"}, Criteria: []models.Criterion{
			{Metric: "coverage", Threshold: 0.8, Severity: models.SeverityCritical},
		}},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
		{ID: "C", DependsOn: []models.Dependency{dep("B")}},
		{ID: "D"},
	}, newRegistry(t, goWorker("w1")), exec, p)

	report := runToEnd(t, o)

	a := statusOf(t, report, "A")
	assert.Equal(t, models.StatusFailed, a.Status, "critical breach fails despite a successful result")
	assert.Contains(t, a.Reason, "coverage")
	assert.Equal(t, 1, a.Attempts, "gate failures are not retried")
	require.NotNil(t, a.Gate)
	assert.False(t, a.Gate.Pass)
	assert.Len(t, a.Gate.CriticalFailures, 1)

	b := statusOf(t, report, "B")
	assert.Equal(t, models.StatusBlocked, b.Status)
	assert.Equal(t, "dependency A failed", b.Reason)
	c := statusOf(t, report, "C")
	assert.Equal(t, models.StatusBlocked, c.Status)
	assert.Equal(t, "dependency B blocked", c.Reason)
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "D").Status)

	assert.Equal(t, models.RunPartiallyFailed, report.Outcome)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, models.EscalationExternalReview, report.Escalations[0].Outcome)
}

func TestRun_RunLevelCriteria(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		r := success(st)
		r.Diagnostics.Metrics = map[string]float64{"coverage": 0.6, "lint": 3}
		return r, nil
	})
	p := testPolicy()
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "strict"},
		{ID: "lenient", Criteria: []models.Criterion{
			{Metric: "coverage", Threshold: 0.5, Severity: models.SeverityCritical},
		}},
	}, newRegistry(t, goWorker("w1")), exec, p, WithCriteria([]models.Criterion{
		{Metric: "coverage", Threshold: 0.8, Severity: models.SeverityCritical},
		{Metric: "lint", Threshold: 0, Severity: models.SeverityWarning, Op: models.OpLTE},
	}))

	report := runToEnd(t, o)
	assert.Equal(t, models.StatusFailed, statusOf(t, report, "strict").Status)

	lenient := statusOf(t, report, "lenient")
	assert.Equal(t, models.StatusSucceeded, lenient.Status, "subtask criteria override run criteria")
	require.NotNil(t, lenient.Gate)
	assert.True(t, lenient.Gate.Pass)
	assert.Len(t, lenient.Gate.Warnings, 1)
}

func TestRun_DiamondPartialCompletion(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if st.ID == "C" {
			return &models.Result{Status: models.ResultFailure, Permanent: true,
				Diagnostics: models.Diagnostics{Messages: []string{"schema mismatch"}}}, nil
		}
		return success(st), nil
	})
	p := testPolicy()
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
		{ID: "C", DependsOn: []models.Dependency{dep("A")}},
		{ID: "D", DependsOn: []models.Dependency{dep("B"), dep("C")}},
	}, newRegistry(t, goWorker("w1")), exec, p)

	report := runToEnd(t, o)

	assert.Equal(t, models.RunPartiallyFailed, report.Outcome)
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "A").Status)
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "B").Status)
	c := statusOf(t, report, "C")
	assert.Equal(t, models.StatusFailed, c.Status)
	assert.Contains(t, c.Reason, "no capable worker")
	assert.Contains(t, c.Reason, "schema mismatch")
	assert.Equal(t, models.StatusBlocked, statusOf(t, report, "D").Status)

	require.Len(t, report.Escalations, 1)
	assert.Equal(t, "C", report.Escalations[0].SubtaskID)
	assert.Equal(t, models.EscalationExternalReview, report.Escalations[0].Outcome)
}

func TestRun_FailureWithoutPartialCompletionAborts(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if st.ID == "A" {
			return nil, models.Permanent(errors.New("bad input"))
		}
		return success(st), nil
	})
	p := testPolicy()
	p.Run.MaxParallel = 1
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
		{ID: "D"},
	}, newRegistry(t, goWorker("w1")), exec, p)

	report := runToEnd(t, o)

	assert.Equal(t, models.RunFailed, report.Outcome)
	assert.False(t, report.Cancelled)
	assert.Equal(t, "run aborted: subtask A failed", report.StopReason)
	assert.Equal(t, models.StatusFailed, statusOf(t, report, "A").Status)
	assert.Equal(t, models.StatusBlocked, statusOf(t, report, "B").Status)
	d := statusOf(t, report, "D")
	assert.Equal(t, models.StatusCancelled, d.Status)
	assert.Equal(t, "run aborted: subtask A failed", d.Reason)
}

func TestRun_OptionalFailureDoesNotFailRun(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if st.ID == "docs" {
			return nil, models.Permanent(errors.New("no docs"))
		}
		return success(st), nil
	})
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "build"},
		{ID: "docs", Optional: true},
	}, newRegistry(t, goWorker("w1")), exec, testPolicy())

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Equal(t, models.StatusFailed, statusOf(t, report, "docs").Status)
	assert.True(t, statusOf(t, report, "docs").Optional)
}

func TestRun_SoftDependencyUsesPartialArtifacts(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if st.ID == "A" {
			return &models.Result{Status: models.ResultPartial, Artifacts: map[string]string{"notes": "draft"}}, nil
		}
		return success(st), nil
	})
	p := testPolicy()
	p.Run.MaxRetries = 0
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A", Outputs: []string{"notes"}},
		{ID: "B", Inputs: []string{"notes"}, DependsOn: []models.Dependency{{ID: "A", Sync: models.SyncSoft}}},
		{ID: "C", DependsOn: []models.Dependency{dep("A")}},
	}, newRegistry(t, goWorker("w1")), exec, p)

	report := runToEnd(t, o)

	assert.Equal(t, models.StatusFailed, statusOf(t, report, "A").Status)
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "B").Status, "soft edge proceeds on a usable artifact")
	assert.Equal(t, models.StatusBlocked, statusOf(t, report, "C").Status, "hard edge still blocks")
	assert.Equal(t, models.RunPartiallyFailed, report.Outcome)

	for _, c := range exec.Calls() {
		if c.Subtask == "B" {
			assert.Equal(t, map[string]string{"notes": "draft"}, c.Input)
		}
	}
}

func TestRun_CriticalBreachAfterPartialBlocksSoftDependents(t *testing.T) {
	var mu sync.Mutex
	attemptsA := 0
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		switch st.ID {
		case "A":
			mu.Lock()
			attemptsA++
			n := attemptsA
			mu.Unlock()
			if n == 1 {
				return &models.Result{Status: models.ResultPartial, Artifacts: map[string]string{"notes": "draft"}}, nil
			}
			r := success(st)
			r.Diagnostics.Metrics = map[string]float64{"coverage": 0.6}
			return r, nil
		case "B":
			time.Sleep(200 * time.Millisecond)
		}
		return success(st), nil
	})
	p := testPolicy()
	p.Run.MaxRetries = 2
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A", Outputs: []string{"notes"}, Criteria: []models.Criterion{
			{Metric: "coverage", Threshold: 0.8, Severity: models.SeverityCritical},
		}},
		{ID: "B"},
		{ID: "C", Inputs: []string{"notes"}, DependsOn: []models.Dependency{
			{ID: "A", Sync: models.SyncSoft},
			dep("B"),
		}},
	}, newRegistry(t, goWorker("w1")), exec, p)

	report := runToEnd(t, o)

	a := statusOf(t, report, "A")
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Contains(t, a.Reason, "coverage")
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "B").Status)
	assert.Equal(t, models.StatusBlocked, statusOf(t, report, "C").Status,
		"a critical breach withdraws the earlier partial artifact")
	for _, c := range exec.Calls() {
		assert.NotEqual(t, "C", c.Subtask, "C must not run on withdrawn artifacts")
	}
}

func TestRun_NoCapableWorker(t *testing.T) {
	exec := newFakeExecutor(nil)
	o := newOrchestrator(t, []*models.Subtask{{ID: "A", Tags: []string{"rust"}}},
		newRegistry(t, goWorker("w1")), exec, testPolicy())

	report := runToEnd(t, o)

	assert.Equal(t, models.RunFailed, report.Outcome)
	a := statusOf(t, report, "A")
	assert.Equal(t, models.StatusFailed, a.Status)
	assert.Equal(t, "no capable worker", a.Reason)
	assert.Empty(t, report.Dispatches)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, models.EscalationExternalReview, report.Escalations[0].Outcome)
	assert.Equal(t, "no capable worker", report.Escalations[0].Reason)
}

func TestRun_MaxParallelBoundsDispatch(t *testing.T) {
	release := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		<-release
		return success(st), nil
	})
	p := testPolicy()
	p.Run.MaxParallel = 2
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		newRegistry(t, models.Worker{ID: "w1", MaxConcurrent: 10}), exec, p)

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.Run(context.Background())
		done <- r
	}()

	require.Eventually(t, func() bool { return len(exec.Calls()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, exec.Calls(), 2, "third subtask waits for a slot")
	assert.Equal(t, models.StatusReady, o.store.Status("C"))

	close(release)
	report := <-done
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Equal(t, 2, exec.maxTotal)
}

func TestRun_WorkerCapacityBoundsDispatch(t *testing.T) {
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return success(st), nil
	})
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		newRegistry(t, models.Worker{ID: "w1", MaxConcurrent: 1}), exec, testPolicy())

	report := runToEnd(t, o)
	assert.Equal(t, models.RunSucceeded, report.Outcome)
	assert.Equal(t, 1, exec.maxTotal, "busy workers make subtasks wait")
}

func TestRun_DeterministicDispatchOrder(t *testing.T) {
	subtasks := func() []*models.Subtask {
		return []*models.Subtask{
			{ID: "X", Priority: models.PriorityLow},
			{ID: "Y", Priority: models.PriorityCritical},
			{ID: "Z"},
			{ID: "W", DependsOn: []models.Dependency{dep("X")}, Priority: models.PriorityCritical},
			{ID: "V", DependsOn: []models.Dependency{dep("Z")}},
		}
	}
	p := testPolicy()
	p.Run.MaxParallel = 1

	var orders [][]string
	for i := 0; i < 3; i++ {
		o := newOrchestrator(t, subtasks(), newRegistry(t, goWorker("w1")), newFakeExecutor(nil), p)
		orders = append(orders, runToEnd(t, o).DispatchOrder())
	}

	assert.Equal(t, []string{"Y", "Z", "X", "W", "V"}, orders[0])
	assert.Equal(t, orders[0], orders[1])
	assert.Equal(t, orders[0], orders[2])
}

func TestCancelSubtask(t *testing.T) {
	aStarted := make(chan struct{})
	release := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		if st.ID == "A" {
			close(aStarted)
			<-release
		}
		return success(st), nil
	})
	p := testPolicy()
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
		{ID: "C", DependsOn: []models.Dependency{dep("B")}},
		{ID: "D"},
	}, newRegistry(t, goWorker("w1")), exec, p)

	assert.ErrorIs(t, o.CancelSubtask("B"), ErrNotRunning)

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.Run(context.Background())
		done <- r
	}()
	<-aStarted

	require.Eventually(t, func() bool { return o.store.Status("D") == models.StatusSucceeded }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, o.CancelSubtask("D"), "cancelling a terminal subtask is a no-op")
	require.NoError(t, o.CancelSubtask("B"))
	assert.Error(t, o.CancelSubtask("missing"))
	close(release)

	report := <-done
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "A").Status)
	b := statusOf(t, report, "B")
	assert.Equal(t, models.StatusCancelled, b.Status)
	assert.Equal(t, "cancelled", b.Reason)
	c := statusOf(t, report, "C")
	assert.Equal(t, models.StatusBlocked, c.Status)
	assert.Equal(t, "dependency B cancelled", c.Reason)
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "D").Status)
	assert.Equal(t, models.RunPartiallyFailed, report.Outcome)

	require.NoError(t, o.CancelSubtask("A"), "cancel after the run is a no-op")
}

func TestCancelSubtask_Running(t *testing.T) {
	started := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p := testPolicy()
	p.Run.PartialCompletion = true
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}}, newRegistry(t, goWorker("w1")), exec, p)

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.Run(context.Background())
		done <- r
	}()
	<-started
	require.NoError(t, o.CancelSubtask("A"))

	report := <-done
	assert.Equal(t, models.StatusCancelled, statusOf(t, report, "A").Status)
	assert.Empty(t, report.Escalations, "cancellation is not escalated")
	assert.Len(t, report.Dispatches, 1)
}

func TestCancel_CancelsPendingAndRunning(t *testing.T) {
	started := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
	}, newRegistry(t, goWorker("w1")), exec, testPolicy())

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := o.Run(context.Background())
		done <- result{r, err}
	}()
	<-started
	o.Cancel()
	o.Cancel()

	res := <-done
	assert.True(t, errors.Is(res.err, models.ErrCancelled))
	report := res.report
	require.NotNil(t, report)
	assert.True(t, report.Cancelled)
	assert.Equal(t, models.RunFailed, report.Outcome)
	assert.Equal(t, models.StatusCancelled, statusOf(t, report, "A").Status)
	b := statusOf(t, report, "B")
	assert.Equal(t, models.StatusCancelled, b.Status)
	assert.Equal(t, "run cancelled", b.Reason)
}

func TestRun_ContextCancellation(t *testing.T) {
	started := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}}, newRegistry(t, goWorker("w1")), exec, testPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	report, err := o.Run(ctx)
	assert.True(t, errors.Is(err, models.ErrCancelled))
	assert.Equal(t, models.StatusCancelled, statusOf(t, report, "A").Status)
}

func TestCancel_SuccessInsideGraceIsKept(t *testing.T) {
	started := make(chan struct{})
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		return success(st), nil
	})
	p := testPolicy()
	p.Run.CancelGrace = 2 * time.Second
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}}, newRegistry(t, goWorker("w1")), exec, p)

	go func() {
		<-started
		o.Cancel()
	}()
	report, err := o.Run(context.Background())
	assert.True(t, errors.Is(err, models.ErrCancelled))
	assert.Equal(t, models.StatusSucceeded, statusOf(t, report, "A").Status)
	assert.Equal(t, models.RunFailed, report.Outcome, "a cancelled run never succeeds")
}

func TestCancel_GraceExpiryForcesCancelled(t *testing.T) {
	started := make(chan struct{})
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		close(started)
		<-stuck
		return success(st), nil
	})
	p := testPolicy()
	p.Run.CancelGrace = 20 * time.Millisecond
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}}, newRegistry(t, goWorker("w1")), exec, p)

	go func() {
		<-started
		o.Cancel()
	}()
	report, err := o.Run(context.Background())
	assert.True(t, errors.Is(err, models.ErrCancelled))
	a := statusOf(t, report, "A")
	assert.Equal(t, models.StatusCancelled, a.Status)
	assert.Equal(t, "cancelled: grace period expired", a.Reason)
}

func TestPauseResume(t *testing.T) {
	exec := newFakeExecutor(nil)
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}, {ID: "B"}}, newRegistry(t, goWorker("w1")), exec, testPolicy())

	o.Pause()
	assert.True(t, o.IsPaused())

	done := make(chan *Report, 1)
	go func() {
		r, _ := o.Run(context.Background())
		done <- r
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, exec.Calls(), "no dispatch while paused")

	o.Resume()
	report := <-done
	assert.Equal(t, models.RunSucceeded, report.Outcome)
}

func TestRun_Twice(t *testing.T) {
	o := newOrchestrator(t, []*models.Subtask{{ID: "A"}}, newRegistry(t, goWorker("w1")), newFakeExecutor(nil), testPolicy())
	runToEnd(t, o)
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestRun_EventStream(t *testing.T) {
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A"},
		{ID: "B", DependsOn: []models.Dependency{dep("A")}},
	}, newRegistry(t, goWorker("w1")), newFakeExecutor(nil), testPolicy())

	var events []Event
	collected := make(chan struct{})
	go func() {
		for ev := range o.Events() {
			events = append(events, ev)
		}
		close(collected)
	}()

	runToEnd(t, o)
	<-collected

	require.NotEmpty(t, events)
	assert.Equal(t, EventRunStarted, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventRunDone, last.Type)
	assert.Equal(t, models.RunSucceeded, last.Outcome)

	seen := make(map[string]bool)
	var aStatuses []models.SubtaskStatus
	for _, ev := range events {
		assert.False(t, seen[ev.ID], "event ids are unique")
		seen[ev.ID] = true
		assert.Equal(t, o.RunID(), ev.RunID)
		if ev.Type == EventSubtaskStatus && ev.SubtaskID == "A" {
			aStatuses = append(aStatuses, ev.To)
		}
	}
	assert.Equal(t, []models.SubtaskStatus{models.StatusReady, models.StatusRunning, models.StatusSucceeded}, aStatuses)
}

func TestRun_Journal(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	var mu sync.Mutex
	failedOnce := false
	exec := newFakeExecutor(func(ctx context.Context, w models.Worker, st models.Subtask, in map[string]string) (*models.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		if st.ID == "B" && !failedOnce {
			failedOnce = true
			return nil, errors.New("flaky")
		}
		return success(st), nil
	})
	o := newOrchestrator(t, []*models.Subtask{
		{ID: "A", Outputs: []string{"schema"}},
		{ID: "B", Inputs: []string{"schema"}, DependsOn: []models.Dependency{dep("A")}},
	}, newRegistry(t, goWorker("w1")), exec, testPolicy(),
		WithJournal(db), WithRunID("run-journal"), WithGraphName("graph.yaml"))

	runToEnd(t, o)

	run, err := db.GetRun("run-journal")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, state.RunFinished, run.Status)
	assert.Equal(t, models.RunSucceeded, run.Outcome)
	assert.Equal(t, "graph.yaml", run.Graph)
	assert.Equal(t, 2, run.Subtasks)

	statuses, err := db.ListSubtaskStatus("run-journal")
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, models.StatusSucceeded, s.Status)
	}

	arts, err := db.ListArtifacts("run-journal")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, "schema", arts[0].Key)

	recs, err := db.ListEscalations("run-journal")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.EscalationRecovered, recs[0].Outcome)
}

func TestComputeOutcome(t *testing.T) {
	ok := SubtaskReport{Status: models.StatusSucceeded}
	bad := SubtaskReport{Status: models.StatusFailed}
	optionalBad := SubtaskReport{Status: models.StatusFailed, Optional: true}

	tests := []struct {
		name      string
		subtasks  []SubtaskReport
		partial   bool
		cancelled bool
		want      models.RunOutcome
	}{
		{"all succeeded", []SubtaskReport{ok, ok}, false, false, models.RunSucceeded},
		{"optional failure ignored", []SubtaskReport{ok, optionalBad}, false, false, models.RunSucceeded},
		{"failure without partial", []SubtaskReport{ok, bad}, false, false, models.RunFailed},
		{"failure with partial", []SubtaskReport{ok, bad}, true, false, models.RunPartiallyFailed},
		{"cancelled with partial", []SubtaskReport{ok, bad}, true, true, models.RunFailed},
		{"cancelled after everything succeeded", []SubtaskReport{ok}, false, true, models.RunFailed},
		{"nothing succeeded", []SubtaskReport{bad}, true, false, models.RunFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeOutcome(tt.subtasks, tt.partial, tt.cancelled); got != tt.want {
				t.Errorf("ComputeOutcome() = %s, want %s", got, tt.want)
			}
		})
	}
}
