package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/escalation"
	"github.com/ShayCichocki/switchboard/internal/gate"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/store"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// inflight is a dispatched subtask awaiting its completion.
type inflight struct {
	id       string
	worker   string
	attempt  int
	cancelFn context.CancelFunc
	// forceAt is set once a cancel is requested. The subtask is force-marked
	// Cancelled if it has not completed by then.
	forceAt time.Time
}

type completion struct {
	id      string
	worker  string
	attempt int
	result  *models.Result
	err     error
}

type cancelRequest struct {
	id    string
	reply chan error
}

type startResult int

const (
	started startResult = iota
	// waiting leaves the subtask queued until a worker frees up.
	waiting
	// exhausted means no capable worker is left.
	exhausted
)

// loop holds state owned by the single coordinating goroutine.
type loop struct {
	*Orchestrator
	ctx context.Context

	// queue holds Ready subtasks that are not in flight, in scheduling order.
	queue      []string
	inflight   map[string]*inflight
	attempts   map[string]int
	notBefore  map[string]time.Time
	pin        map[string]string
	gates      map[string]gate.Outcome
	dispatches []DispatchEntry

	cancelled  bool
	aborted    bool
	stopReason string
	dropped    int
}

func newLoop(ctx context.Context, o *Orchestrator) *loop {
	return &loop{
		Orchestrator: o,
		ctx:          ctx,
		inflight:     make(map[string]*inflight),
		attempts:     make(map[string]int),
		notBefore:    make(map[string]time.Time),
		pin:          make(map[string]string),
		gates:        make(map[string]gate.Outcome),
	}
}

func (l *loop) stopping() bool { return l.cancelled || l.aborted }

// run is the main loop. It returns once every subtask is terminal and
// nothing is in flight.
func (l *loop) run() {
	ctxDone := l.ctx.Done()
	cancelCh := l.cancelCh

	for {
		l.promote()
		l.forceExpired()
		l.dispatch()

		if len(l.inflight) == 0 {
			if l.store.AllTerminal() {
				return
			}
			if len(l.queue) == 0 {
				if l.blockStranded() == 0 {
					l.logger.Error("run loop has no work but subtasks are not terminal")
					return
				}
				continue
			}
		}

		timer := time.NewTimer(l.nextWake())
		select {
		case c := <-l.completions:
			l.complete(c)
		case req := <-l.cancelReqs:
			req.reply <- l.cancelSubtask(req.id)
		case <-ctxDone:
			ctxDone = nil
			l.cancelled = true
			l.cancelRun("run cancelled")
		case <-cancelCh:
			cancelCh = nil
			l.cancelled = true
			l.cancelRun("run cancelled")
		case <-l.registry.Changed():
		case <-l.pauseCtrl.Resumed():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// promote commits Ready for every Pending subtask whose dependencies hold.
func (l *loop) promote() {
	if l.stopping() {
		return
	}
	for _, id := range l.store.ReadySet() {
		if l.commit(id, store.Commit{Status: models.StatusReady}) {
			l.enqueue(id)
		}
	}
}

func (l *loop) enqueue(id string) {
	l.queue = append(l.queue, id)
	sort.SliceStable(l.queue, func(i, j int) bool { return l.graph.Less(l.queue[i], l.queue[j]) })
}

func (l *loop) dequeue(id string) {
	for i, q := range l.queue {
		if q == id {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}

// dispatch starts queued subtasks while parallel slots are free. A subtask
// with no capable worker left is failed before later subtasks are looked at,
// so an abort it causes takes effect immediately.
func (l *loop) dispatch() {
	for !l.stopping() && !l.pauseCtrl.IsPaused() {
		id, ok := l.dispatchQueued()
		if !ok {
			return
		}
		l.dequeue(id)
		l.exhaust(id)
	}
}

// dispatchQueued walks the queue in order and returns the first subtask
// that has no capable worker.
func (l *loop) dispatchQueued() (string, bool) {
	now := time.Now()
	keep := make([]string, 0, len(l.queue))
	for i, id := range l.queue {
		if len(l.inflight) >= l.policy.Run.MaxParallel {
			keep = append(keep, l.queue[i:]...)
			break
		}
		if nb, ok := l.notBefore[id]; ok && now.Before(nb) {
			keep = append(keep, id)
			continue
		}
		switch l.start(id) {
		case waiting:
			keep = append(keep, id)
		case exhausted:
			l.queue = append(keep, l.queue[i:]...)
			return id, true
		}
	}
	l.queue = keep
	return "", false
}

// start routes and dispatches one subtask.
func (l *loop) start(id string) startResult {
	st := l.graph.Subtask(id)
	req := router.Request{Tags: st.Tags, TierPreference: st.Tier}
	if w, ok := l.pin[id]; ok {
		req.Pin = w
	} else {
		req.Exclude = l.handler.TriedWorkers(id)
	}

	sel, err := l.registry.SelectWorker(req)
	if err != nil && req.Pin != "" && errors.Is(err, models.ErrNoCapableWorker) {
		// The pinned worker is gone; fall back to normal routing.
		delete(l.pin, id)
		req.Pin = ""
		req.Exclude = l.handler.TriedWorkers(id)
		sel, err = l.registry.SelectWorker(req)
	}
	switch {
	case errors.Is(err, router.ErrWorkersBusy):
		return waiting
	case err != nil:
		l.logger.Info("no capable worker",
			zap.String("subtask_id", id),
			zap.Strings("tags", st.Tags),
			zap.Error(err))
		return exhausted
	}

	worker := sel.Worker
	if err := l.registry.Acquire(worker.ID); err != nil {
		return waiting
	}

	l.attempts[id]++
	attempt := l.attempts[id]
	if !l.commit(id, store.Commit{Status: models.StatusRunning, Worker: worker.ID, Attempt: attempt}) {
		l.registry.Release(worker.ID)
		return waiting
	}
	delete(l.notBefore, id)

	input, err := l.store.Context(id)
	if err != nil {
		l.logger.Warn("context lookup failed", zap.String("subtask_id", id), zap.Error(err))
	}

	timeout := st.Timeout
	if timeout <= 0 {
		timeout = l.policy.Run.DispatchTimeout
	}
	dctx, cancel := context.WithTimeout(l.ctx, timeout)
	l.inflight[id] = &inflight{id: id, worker: worker.ID, attempt: attempt, cancelFn: cancel}

	at := l.now()
	l.dispatches = append(l.dispatches, DispatchEntry{
		Seq:       len(l.dispatches) + 1,
		SubtaskID: id,
		WorkerID:  worker.ID,
		Attempt:   attempt,
		Position:  sel.Position,
		At:        at,
	})
	ev := newEvent(EventSubtaskDispatched, l.runID, at)
	ev.SubtaskID = id
	ev.WorkerID = worker.ID
	ev.Attempt = attempt
	l.emitter.Emit(ev)
	l.logger.Info("subtask dispatched",
		zap.String("subtask_id", id),
		zap.String("worker_id", worker.ID),
		zap.Int("attempt", attempt),
		zap.Int("chain_position", sel.Position))

	subtask := *st
	l.wg.Go(func() {
		defer cancel()
		res, err := l.execute(dctx, worker, subtask, input, timeout)
		c := completion{id: id, worker: worker.ID, attempt: attempt, result: res, err: err}
		select {
		case l.completions <- c:
		case <-l.done:
		}
	})
	return started
}

// execute calls the executor, converting a panic into a permanent failure
// and a dispatch timeout into a transient one.
func (o *Orchestrator) execute(ctx context.Context, w models.Worker, st models.Subtask, input map[string]string, timeout time.Duration) (res *models.Result, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		res, err = o.executor.Execute(ctx, w, st, input)
	})
	if r := catcher.Recovered(); r != nil {
		return nil, models.Permanent(fmt.Errorf("worker %s panicked: %w", w.ID, r.AsError()))
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("dispatch timed out after %s: %w", timeout, models.ErrTransientExecution)
	}
	return res, err
}

// complete handles one finished dispatch.
func (l *loop) complete(c completion) {
	inf, ok := l.inflight[c.id]
	if !ok || inf.attempt != c.attempt {
		l.logger.Info("late result dropped",
			zap.String("subtask_id", c.id),
			zap.String("worker_id", c.worker))
		return
	}
	delete(l.inflight, c.id)
	inf.cancelFn()
	l.registry.Release(c.worker)

	st := l.graph.Subtask(c.id)
	cancelRequested := !inf.forceAt.IsZero()

	if c.err == nil && c.result == nil {
		c.err = fmt.Errorf("worker %s returned no result: %w", c.worker, models.ErrTransientExecution)
	}

	var outcome *gate.Outcome
	if c.err == nil && c.result.Status == models.ResultSuccess {
		if criteria := gate.Merge(l.criteria, st.Criteria); len(criteria) > 0 {
			out := gate.Evaluate(c.result, criteria)
			outcome = &out
			l.gates[c.id] = out
			l.emitGate(c, out)
		}
		if outcome == nil || outcome.Pass {
			l.succeed(c)
			return
		}
	}

	if cancelRequested {
		l.markCancelled(c.id, c.worker, c.attempt, "cancelled")
		return
	}

	breach := outcome != nil && !outcome.Pass
	class := escalation.Classify(c.err, c.result, breach)
	reason := failureReason(c, outcome)
	if class == escalation.Cancellation {
		l.markCancelled(c.id, c.worker, c.attempt, reason)
		return
	}

	var artifacts map[string]string
	if c.result != nil {
		artifacts = c.result.Artifacts
	}
	l.commit(c.id, store.Commit{
		Status:         models.StatusFailed,
		Artifacts:      artifacts,
		Reason:         reason,
		Worker:         c.worker,
		Attempt:        c.attempt,
		CriticalBreach: breach,
	})

	d := l.handler.OnFailure(c.id, c.worker, class, reason)
	switch d.Action {
	case escalation.Retry:
		l.pin[c.id] = c.worker
		l.requeue(c.id, d.Delay, reason)
	case escalation.Fallback:
		delete(l.pin, c.id)
		l.requeue(c.id, 0, reason)
	default:
		l.handler.Close(c.id, models.EscalationExternalReview, reason)
		l.failed(c.id)
	}
}

func (l *loop) emitGate(c completion, out gate.Outcome) {
	ev := newEvent(EventGateEvaluated, l.runID, l.now())
	ev.SubtaskID = c.id
	ev.WorkerID = c.worker
	ev.Attempt = c.attempt
	ev.Message = out.Reason()
	ev.Gate = &out
	l.emitter.Emit(ev)
	if len(out.Warnings) > 0 {
		l.logger.Warn("quality gate warnings",
			zap.String("subtask_id", c.id),
			zap.Int("warnings", len(out.Warnings)))
	}
}

func failureReason(c completion, outcome *gate.Outcome) string {
	switch {
	case outcome != nil && !outcome.Pass:
		return outcome.Reason()
	case c.err != nil:
		return c.err.Error()
	}
	msg := fmt.Sprintf("worker %s reported %s", c.worker, c.result.Status)
	if n := len(c.result.Diagnostics.Messages); n > 0 {
		msg += ": " + c.result.Diagnostics.Messages[n-1]
	}
	return msg
}

func (l *loop) succeed(c completion) {
	l.commit(c.id, store.Commit{
		Status:    models.StatusSucceeded,
		Artifacts: c.result.Artifacts,
		Worker:    c.worker,
		Attempt:   c.attempt,
	})
	l.handler.Recovered(c.id)
	delete(l.pin, c.id)
}

// requeue moves a failed attempt back to Ready.
func (l *loop) requeue(id string, delay time.Duration, reason string) {
	if !l.commit(id, store.Commit{Status: models.StatusReady, Reason: reason}) {
		return
	}
	if delay > 0 {
		l.notBefore[id] = time.Now().Add(delay)
	}
	l.enqueue(id)
}

// exhaust fails a Ready subtask that has no capable worker left.
func (l *loop) exhaust(id string) {
	reason := "no capable worker"
	if info, ok := l.store.Info(id); ok && info.Attempts > 0 && info.Reason != "" {
		reason = fmt.Sprintf("no capable worker left after %d attempts; last error: %s", info.Attempts, info.Reason)
	}
	l.commit(id, store.Commit{Status: models.StatusFailed, Reason: reason})
	l.handler.Exhausted(id, reason)
	l.failed(id)
}

// failed applies a terminal failure: blocks dependents and, without
// partial completion, aborts the run when a required subtask is lost.
func (l *loop) failed(id string) {
	blocked := l.blockDependents(id)
	if l.policy.Run.PartialCompletion || l.stopping() {
		return
	}
	required := !l.graph.Subtask(id).Optional
	for _, b := range blocked {
		if !l.graph.Subtask(b).Optional {
			required = true
		}
	}
	if required {
		l.aborted = true
		l.cancelRun(fmt.Sprintf("run aborted: subtask %s failed", id))
	}
}

// markCancelled commits Cancelled for a subtask that was running.
func (l *loop) markCancelled(id, worker string, attempt int, reason string) {
	l.commit(id, store.Commit{Status: models.StatusCancelled, Reason: reason, Worker: worker, Attempt: attempt})
	l.handler.Close(id, models.EscalationAbandoned, reason)
	if !l.stopping() {
		l.blockDependents(id)
	}
}

// blockDependents marks Blocked every Pending subtask that can no longer
// become Ready because id will never succeed. A soft edge to a subtask that
// already produced a usable artifact stays satisfied.
func (l *loop) blockDependents(id string) []string {
	var blocked []string
	frontier := []string{id}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		usable := l.store.Usable(cur)
		for _, dep := range l.graph.Dependents(cur) {
			if l.store.Status(dep) != models.StatusPending {
				continue
			}
			if usable && edgeSync(l.graph.Subtask(dep), cur) == models.SyncSoft {
				continue
			}
			reason := fmt.Sprintf("dependency %s %s", cur, l.store.Status(cur))
			if l.commit(dep, store.Commit{Status: models.StatusBlocked, Reason: reason}) {
				blocked = append(blocked, dep)
				frontier = append(frontier, dep)
			}
		}
	}
	return blocked
}

func edgeSync(st *models.Subtask, depID string) models.SyncMode {
	for _, d := range st.DependsOn {
		if d.ID == depID {
			return st.EdgeSync(d)
		}
	}
	return models.SyncHard
}

// cancelRun cancels every Pending and Ready subtask and asks running
// dispatches to stop within CancelGrace.
func (l *loop) cancelRun(reason string) {
	if l.stopReason != "" {
		return
	}
	l.stopReason = reason
	l.logger.Info("cancelling run", zap.String("reason", reason), zap.Int("in_flight", len(l.inflight)))

	queued := l.queue
	l.queue = nil
	for _, id := range queued {
		l.commit(id, store.Commit{Status: models.StatusCancelled, Reason: reason})
	}
	for _, id := range l.graph.IDs() {
		if l.store.Status(id) == models.StatusPending {
			l.commit(id, store.Commit{Status: models.StatusCancelled, Reason: reason})
		}
	}

	forceAt := time.Now().Add(l.policy.Run.CancelGrace)
	for _, id := range l.inflightIDs() {
		inf := l.inflight[id]
		if inf.forceAt.IsZero() {
			inf.forceAt = forceAt
		}
		inf.cancelFn()
	}
}

// cancelSubtask handles a CancelSubtask request on the loop.
func (l *loop) cancelSubtask(id string) error {
	status := l.store.Status(id)
	if status == "" {
		return fmt.Errorf("cancel %s: unknown subtask", id)
	}
	if status.Terminal() {
		return nil
	}

	if inf, ok := l.inflight[id]; ok {
		if inf.forceAt.IsZero() {
			inf.forceAt = time.Now().Add(l.policy.Run.CancelGrace)
			inf.cancelFn()
		}
		return nil
	}

	l.dequeue(id)
	delete(l.notBefore, id)
	delete(l.pin, id)
	if !l.commit(id, store.Commit{Status: models.StatusCancelled, Reason: "cancelled"}) {
		return fmt.Errorf("cancel %s: %w", id, store.ErrInvalidTransition)
	}
	l.handler.Close(id, models.EscalationAbandoned, "cancelled")
	l.blockDependents(id)
	return nil
}

// forceExpired force-cancels dispatches whose grace period has elapsed.
// Their late results are dropped.
func (l *loop) forceExpired() {
	now := time.Now()
	for _, id := range l.inflightIDs() {
		inf := l.inflight[id]
		if inf.forceAt.IsZero() || now.Before(inf.forceAt) {
			continue
		}
		delete(l.inflight, id)
		l.registry.Release(inf.worker)
		l.dropped++
		l.logger.Warn("dispatch did not stop within grace period",
			zap.String("subtask_id", id),
			zap.String("worker_id", inf.worker))
		l.markCancelled(id, inf.worker, inf.attempt, "cancelled: grace period expired")
	}
}

// blockStranded is a guard for Pending subtasks that nothing can make Ready.
func (l *loop) blockStranded() int {
	n := 0
	for _, id := range l.graph.IDs() {
		if l.store.Status(id) != models.StatusPending {
			continue
		}
		l.logger.Error("subtask stranded", zap.String("subtask_id", id))
		if l.commit(id, store.Commit{Status: models.StatusBlocked, Reason: "dependencies can never be satisfied"}) {
			n++
		}
	}
	return n
}

// nextWake returns how long the loop may sleep before a timer is due.
func (l *loop) nextWake() time.Duration {
	wait := l.policy.Loop.PollInterval
	now := time.Now()
	consider := func(t time.Time) {
		if t.After(now) && t.Sub(now) < wait {
			wait = t.Sub(now)
		}
	}
	for _, id := range l.queue {
		if nb, ok := l.notBefore[id]; ok {
			consider(nb)
		}
	}
	for _, inf := range l.inflight {
		if !inf.forceAt.IsZero() {
			consider(inf.forceAt)
		}
	}
	return wait
}

func (l *loop) inflightIDs() []string {
	ids := make([]string, 0, len(l.inflight))
	for id := range l.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
