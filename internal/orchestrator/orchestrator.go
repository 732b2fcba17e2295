package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/escalation"
	"github.com/ShayCichocki/switchboard/internal/graph"
	"github.com/ShayCichocki/switchboard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/store"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrNotRunning is returned by CancelSubtask before Run starts.
	ErrNotRunning = errors.New("orchestrator not running")
)

// Orchestrator runs one subtask graph. Create it with New and call Run once.
type Orchestrator struct {
	runID     string
	graphName string
	graph     *graph.DependencyGraph
	store     *store.Store
	registry  *router.Registry
	executor  Executor
	criteria  []models.Criterion
	handler   *escalation.Handler
	policy    policy.Config
	journal   RunJournal
	logger    *zap.Logger
	emitter   *EventEmitter
	pauseCtrl *PauseController
	wg        *conc.WaitGroup
	now       func() time.Time

	completions chan completion
	cancelReqs  chan cancelRequest
	cancelCh    chan struct{}
	cancelOnce  sync.Once
	// done is closed when the run loop exits.
	done    chan struct{}
	started atomic.Bool
}

// New validates the graph and wires the orchestrator's components.
// An invalid graph returns an error wrapping models.ErrInvalidGraph.
func New(req RequiredConfig, opts ...Option) (*Orchestrator, error) {
	if req.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	if req.Executor == nil {
		return nil, errors.New("orchestrator: executor is required")
	}

	o := &orchestratorOptions{}
	for _, opt := range opts {
		opt(o)
	}
	pc := policy.Default()
	if o.policyConfig != nil {
		cp := *o.policyConfig
		pc = &cp
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.runID == "" {
		o.runID = uuid.NewString()
	}

	g := graph.New()
	g.SetDebugLog(o.logger.Named("graph").Sugar().Debugf)
	if err := g.Build(req.Subtasks); err != nil {
		return nil, err
	}
	for _, c := range o.criteria {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: run criterion: %v", models.ErrInvalidGraph, err)
		}
	}
	for _, st := range g.Subtasks() {
		for _, c := range st.Criteria {
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("%w: subtask %s criterion: %v", models.ErrInvalidGraph, st.ID, err)
			}
		}
	}

	logger := o.logger.With(zap.String("run_id", o.runID))
	orc := &Orchestrator{
		runID:       o.runID,
		graphName:   o.graphName,
		graph:       g,
		registry:    req.Registry,
		executor:    req.Executor,
		criteria:    o.criteria,
		policy:      *pc,
		journal:     o.journal,
		logger:      logger,
		emitter:     NewEventEmitter(pc.Loop.EventBuffer, pc.Loop.EventDropAfter, logger),
		pauseCtrl:   NewPauseController(logger),
		wg:          conc.NewWaitGroup(),
		now:         o.now,
		completions: make(chan completion, pc.Run.MaxParallel),
		cancelReqs:  make(chan cancelRequest),
		cancelCh:    make(chan struct{}),
		done:        make(chan struct{}),
	}

	storeOpts := []store.Option{store.WithLogger(logger), store.WithClock(o.now)}
	if o.journal != nil {
		storeOpts = append(storeOpts, store.WithJournal(o.journal))
	}
	orc.store = store.New(o.runID, g, storeOpts...)

	orc.handler = escalation.NewHandler(escalation.Policy{
		MaxRetries:  pc.Run.MaxRetries,
		BackoffBase: pc.Run.BackoffBase,
		BackoffMax:  pc.Run.BackoffMax,
	},
		escalation.WithLogger(logger),
		escalation.WithClock(o.now),
		escalation.WithObserver(orc.onEscalation),
	)
	return orc, nil
}

// RunID returns the id of this run.
func (o *Orchestrator) RunID() string { return o.runID }

// Events returns the lifecycle event stream. It is closed after run_done.
func (o *Orchestrator) Events() <-chan Event { return o.emitter.Events() }

// Snapshot returns the current status of every subtask.
func (o *Orchestrator) Snapshot() []store.SubtaskInfo { return o.store.Snapshot() }

// Pause stops new dispatches from starting. Running subtasks continue.
func (o *Orchestrator) Pause() { o.pauseCtrl.Pause() }

// Resume re-enables dispatching.
func (o *Orchestrator) Resume() { o.pauseCtrl.Resume() }

// IsPaused reports whether dispatching is paused.
func (o *Orchestrator) IsPaused() bool { return o.pauseCtrl.IsPaused() }

// Cancel cancels the whole run. Pending and Ready subtasks are cancelled
// immediately; running dispatches get CancelGrace to stop. Safe to call
// more than once and before Run.
func (o *Orchestrator) Cancel() {
	o.cancelOnce.Do(func() { close(o.cancelCh) })
}

// CancelSubtask cancels one subtask. It is a no-op for terminal subtasks.
// Dependents that can no longer run are marked Blocked.
func (o *Orchestrator) CancelSubtask(id string) error {
	if !o.started.Load() {
		return ErrNotRunning
	}
	req := cancelRequest{id: id, reply: make(chan error, 1)}
	select {
	case o.cancelReqs <- req:
	case <-o.done:
		return o.cancelAfterRun(id)
	}
	select {
	case err := <-req.reply:
		return err
	case <-o.done:
		return o.cancelAfterRun(id)
	}
}

// cancelAfterRun answers a cancel that raced the end of the run. Every
// subtask is terminal by then.
func (o *Orchestrator) cancelAfterRun(id string) error {
	if o.graph.Subtask(id) == nil {
		return fmt.Errorf("cancel %s: unknown subtask", id)
	}
	return nil
}

// Run drives the graph until every subtask is terminal and nothing is in
// flight. The report is always returned once the run started. The error
// wraps models.ErrCancelled when the run was cancelled by the caller.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}

	startedAt := o.now()
	if o.journal != nil {
		if err := o.journal.CreateRun(&state.Run{
			ID:        o.runID,
			Graph:     o.graphName,
			Subtasks:  o.graph.Size(),
			StartedAt: startedAt,
		}); err != nil {
			o.logger.Warn("journal run create failed", zap.Error(err))
		}
	}
	ev := newEvent(EventRunStarted, o.runID, startedAt)
	ev.Message = fmt.Sprintf("%d subtasks", o.graph.Size())
	o.emitter.Emit(ev)
	o.logger.Info("run started",
		zap.Int("subtasks", o.graph.Size()),
		zap.Int("max_parallel", o.policy.Run.MaxParallel),
		zap.Bool("partial_completion", o.policy.Run.PartialCompletion))

	l := newLoop(ctx, o)
	l.run()
	close(o.done)
	if l.dropped == 0 {
		o.wg.Wait()
	}

	reason := "run ended"
	if l.stopping() {
		reason = l.stopReason
	}
	o.handler.AbandonOpen(reason)

	report := o.buildReport(l, startedAt, o.now())
	if o.journal != nil {
		if err := o.journal.FinishRun(o.runID, report.Outcome, report.EndedAt); err != nil {
			o.logger.Warn("journal run finish failed", zap.Error(err))
		}
	}

	done := newEvent(EventRunDone, o.runID, report.EndedAt)
	done.Outcome = report.Outcome
	o.emitter.Emit(done)
	o.emitter.Close()

	o.logger.Info("run finished",
		zap.String("outcome", string(report.Outcome)),
		zap.Int("dispatches", len(report.Dispatches)),
		zap.Duration("duration", report.Duration()))

	if l.cancelled {
		return report, fmt.Errorf("run %s: %w", o.runID, models.ErrCancelled)
	}
	return report, nil
}

// commit applies a status change through the store and emits it.
func (o *Orchestrator) commit(id string, c store.Commit) bool {
	tr, err := o.store.Commit(id, c)
	if err != nil {
		o.logger.Error("commit rejected", zap.String("subtask_id", id), zap.Error(err))
		return false
	}

	ev := newEvent(EventSubtaskStatus, o.runID, tr.At)
	ev.SubtaskID = id
	ev.WorkerID = tr.Worker
	ev.From = tr.From
	ev.To = tr.To
	ev.Attempt = tr.Attempt
	ev.Message = tr.Reason
	o.emitter.Emit(ev)

	o.logger.Debug("subtask status",
		zap.String("subtask_id", id),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.String("reason", tr.Reason))
	return true
}

// onEscalation journals and emits every escalation record change.
func (o *Orchestrator) onEscalation(rec models.EscalationRecord) {
	if o.journal != nil {
		if err := o.journal.RecordEscalation(o.runID, rec); err != nil {
			o.logger.Warn("journal escalation write failed",
				zap.String("subtask_id", rec.SubtaskID),
				zap.Error(err))
		}
	}
	ev := newEvent(EventEscalation, o.runID, o.now())
	ev.SubtaskID = rec.SubtaskID
	ev.Attempt = rec.Attempts
	ev.Message = rec.Reason
	ev.Escalation = &rec
	o.emitter.Emit(ev)
}
