package escalation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Action is what the scheduler should do with a failed subtask.
type Action int

const (
	// Retry re-dispatches to the same worker after Delay.
	Retry Action = iota
	// Fallback routes to the next worker in the fallback chain.
	Fallback
	// Fail marks the subtask terminally failed.
	Fail
	// Cancel marks the subtask cancelled.
	Cancel
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Fallback:
		return "fallback"
	case Fail:
		return "fail"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Decision is the handler's verdict on one failure.
type Decision struct {
	Action Action
	// Delay is the backoff before a retry. Zero for other actions.
	Delay time.Duration
	// Attempt is the subtask's total failed dispatch count so far.
	Attempt int
}

// Policy bounds retries and backoff.
type Policy struct {
	// MaxRetries is the number of same-worker retries after the first failure.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Backoff returns base * 2^(n-1), capped at max. n is the 1-indexed retry.
func Backoff(base, max time.Duration, n int) time.Duration {
	if base <= 0 || n <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Handler owns the escalation records of one run.
type Handler struct {
	mu      sync.Mutex
	policy  Policy
	records map[string]*models.EscalationRecord
	order   []string
	// sameWorker counts consecutive failures on the current worker.
	sameWorker map[string]int
	now        func() time.Time
	logger     *zap.Logger
	observer   func(models.EscalationRecord)
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithObserver registers a callback invoked with a copy of a record after
// every change. It runs with the handler lock held and must not call back in.
func WithObserver(fn func(models.EscalationRecord)) Option {
	return func(h *Handler) { h.observer = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a handler with the given retry policy.
func NewHandler(p Policy, opts ...Option) *Handler {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	h := &Handler{
		policy:     p,
		records:    make(map[string]*models.EscalationRecord),
		sameWorker: make(map[string]int),
		now:        time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnFailure records a failed dispatch by worker and decides what happens next.
// Cancellation never opens a record.
func (h *Handler) OnFailure(id, worker string, class FailureClass, reason string) Decision {
	if class == Cancellation {
		return Decision{Action: Cancel}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.openLocked(id)
	rec.Attempts++
	rec.Reason = reason
	if worker != "" && (len(rec.TriedWorkers) == 0 || rec.TriedWorkers[len(rec.TriedWorkers)-1] != worker) {
		rec.TriedWorkers = append(rec.TriedWorkers, worker)
	}

	d := Decision{Attempt: rec.Attempts}
	switch class {
	case GateCritical:
		d.Action = Fail
	case Permanent:
		d.Action = Fallback
	default:
		h.sameWorker[id]++
		n := h.sameWorker[id]
		if n <= h.policy.MaxRetries {
			d.Action = Retry
			d.Delay = Backoff(h.policy.BackoffBase, h.policy.BackoffMax, n)
		} else {
			d.Action = Fallback
		}
	}
	if d.Action == Fallback {
		h.sameWorker[id] = 0
		rec.FallbackPosition++
	}

	h.logger.Info("subtask failure escalated",
		zap.String("subtask_id", id),
		zap.String("worker_id", worker),
		zap.String("class", class.String()),
		zap.String("action", d.Action.String()),
		zap.Int("attempt", rec.Attempts),
		zap.Duration("delay", d.Delay))
	h.notifyLocked(rec)
	return d
}

func (h *Handler) openLocked(id string) *models.EscalationRecord {
	if rec, ok := h.records[id]; ok {
		return rec
	}
	rec := &models.EscalationRecord{
		SubtaskID: id,
		Outcome:   models.EscalationOpen,
		OpenedAt:  h.now(),
	}
	h.records[id] = rec
	h.order = append(h.order, id)
	return rec
}

// Close sets a terminal outcome on an open record. It is a no-op when the
// subtask has no record or the record is already closed.
func (h *Handler) Close(id string, outcome models.EscalationOutcome, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec, ok := h.records[id]
	if !ok || rec.Closed() {
		return
	}
	h.closeLocked(rec, outcome, reason)
}

func (h *Handler) closeLocked(rec *models.EscalationRecord, outcome models.EscalationOutcome, reason string) {
	at := h.now()
	rec.Outcome = outcome
	rec.ClosedAt = &at
	if reason != "" {
		rec.Reason = reason
	}
	delete(h.sameWorker, rec.SubtaskID)
	h.notifyLocked(rec)
}

// Recovered closes a subtask's record after a successful retry or fallback.
func (h *Handler) Recovered(id string) {
	h.Close(id, models.EscalationRecovered, "")
}

// Exhausted opens (if needed) and closes a record for a subtask that has no
// capable worker left, handing it off for external review.
func (h *Handler) Exhausted(id, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rec := h.openLocked(id)
	if rec.Closed() {
		return
	}
	h.closeLocked(rec, models.EscalationExternalReview, reason)
}

// AbandonOpen closes every open record as abandoned.
func (h *Handler) AbandonOpen(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		if rec := h.records[id]; !rec.Closed() {
			h.closeLocked(rec, models.EscalationAbandoned, reason)
		}
	}
}

// Record returns a copy of the subtask's record.
func (h *Handler) Record(id string) (models.EscalationRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	if !ok {
		return models.EscalationRecord{}, false
	}
	return copyRecord(rec), true
}

// Records returns copies of every record in the order they were opened.
func (h *Handler) Records() []models.EscalationRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.EscalationRecord, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, copyRecord(h.records[id]))
	}
	return out
}

// TriedWorkers returns the workers that have failed the subtask, for
// excluding them from fallback routing.
func (h *Handler) TriedWorkers(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rec, ok := h.records[id]; ok {
		return append([]string(nil), rec.TriedWorkers...)
	}
	return nil
}

func (h *Handler) notifyLocked(rec *models.EscalationRecord) {
	if h.observer != nil {
		h.observer(copyRecord(rec))
	}
}

func copyRecord(rec *models.EscalationRecord) models.EscalationRecord {
	c := *rec
	c.TriedWorkers = append([]string(nil), rec.TriedWorkers...)
	if rec.ClosedAt != nil {
		t := *rec.ClosedAt
		c.ClosedAt = &t
	}
	return c
}
