// Package store is the serialized state and context store for a run.
// Every status change and artifact write goes through Commit.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/graph"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// ErrInvalidTransition indicates a commit would make an illegal status change.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowed lists the legal transitions. Failed -> Ready is the retry re-entry
// and Ready -> Failed covers routing exhaustion.
var allowed = map[models.SubtaskStatus][]models.SubtaskStatus{
	models.StatusPending: {models.StatusReady, models.StatusBlocked, models.StatusCancelled},
	models.StatusReady:   {models.StatusRunning, models.StatusBlocked, models.StatusCancelled, models.StatusFailed},
	models.StatusRunning: {models.StatusSucceeded, models.StatusFailed, models.StatusCancelled},
	models.StatusFailed:  {models.StatusReady, models.StatusBlocked},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to models.SubtaskStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Journal persists committed changes. Errors are logged by the store and
// never abort a commit.
type Journal interface {
	RecordStatus(runID, subtaskID string, status models.SubtaskStatus, worker string, attempt int, reason string, at time.Time) error
	RecordArtifact(runID, subtaskID string, seq int, key, value string, at time.Time) error
}

// Commit is a single serialized mutation of one subtask.
type Commit struct {
	Status    models.SubtaskStatus
	Artifacts map[string]string
	Reason    string
	Worker    string
	Attempt   int
	// CriticalBreach marks artifacts from a result that failed a critical
	// gate. They are logged but never served as context.
	CriticalBreach bool
}

// Transition describes the effect of a successful commit.
type Transition struct {
	SubtaskID string
	From      models.SubtaskStatus
	To        models.SubtaskStatus
	Reason    string
	Worker    string
	Attempt   int
	At        time.Time
}

// ArtifactEntry is one append-only artifact log record.
type ArtifactEntry struct {
	Seq       int       `json:"seq"`
	SubtaskID string    `json:"subtask_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Usable    bool      `json:"usable"`
	At        time.Time `json:"at"`
}

// SubtaskInfo is the store's view of one subtask.
type SubtaskInfo struct {
	ID       string               `json:"id"`
	Status   models.SubtaskStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Worker   string               `json:"worker,omitempty"`
	Attempts int                  `json:"attempts"`
	Usable   bool                 `json:"usable"`
}

// Store serializes all writes to subtask status and the artifact log.
type Store struct {
	mu      sync.Mutex
	graph   *graph.DependencyGraph
	runID   string
	log     []ArtifactEntry
	usable  map[string]bool
	info    map[string]*SubtaskInfo
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithJournal attaches a durable journal.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store over an already built graph.
func New(runID string, g *graph.DependencyGraph, opts ...Option) *Store {
	s := &Store{
		graph:  g,
		runID:  runID,
		usable: make(map[string]bool),
		info:   make(map[string]*SubtaskInfo),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range g.IDs() {
		s.info[id] = &SubtaskInfo{ID: id, Status: models.StatusPending}
	}
	return s
}

// RunID returns the run this store belongs to.
func (s *Store) RunID() string { return s.runID }

// Graph returns the underlying graph for read-only queries.
func (s *Store) Graph() *graph.DependencyGraph { return s.graph }

// Commit validates and applies a mutation, then journals it.
func (s *Store) Commit(id string, c Commit) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.info[id]
	if !ok {
		return Transition{}, fmt.Errorf("commit %s: unknown subtask", id)
	}
	from := info.Status
	if !CanTransition(from, c.Status) {
		return Transition{}, fmt.Errorf("commit %s %s -> %s: %w", id, from, c.Status, ErrInvalidTransition)
	}

	at := s.now()
	entries := s.appendArtifactsLocked(id, c, at)
	switch {
	case c.CriticalBreach:
		s.revokeLocked(id)
	case len(entries) > 0:
		s.usable[id] = true
		info.Usable = true
	}

	if err := s.graph.MarkStatus(id, c.Status); err != nil {
		return Transition{}, fmt.Errorf("commit %s: %w", id, err)
	}

	info.Status = c.Status
	if c.Reason != "" || c.Status == models.StatusSucceeded {
		info.Reason = c.Reason
	}
	if c.Worker != "" {
		info.Worker = c.Worker
	}
	if c.Attempt > info.Attempts {
		info.Attempts = c.Attempt
	}

	s.journalLocked(id, c, entries, at)

	return Transition{
		SubtaskID: id,
		From:      from,
		To:        c.Status,
		Reason:    c.Reason,
		Worker:    info.Worker,
		Attempt:   info.Attempts,
		At:        at,
	}, nil
}

// revokeLocked withdraws every artifact id has published, so soft edges
// stop treating it as satisfied and dependents no longer read them.
func (s *Store) revokeLocked(id string) {
	delete(s.usable, id)
	s.info[id].Usable = false
	for i := range s.log {
		if s.log[i].SubtaskID == id {
			s.log[i].Usable = false
		}
	}
}

func (s *Store) appendArtifactsLocked(id string, c Commit, at time.Time) []ArtifactEntry {
	if len(c.Artifacts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Artifacts))
	for k := range c.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	start := len(s.log)
	for _, k := range keys {
		s.log = append(s.log, ArtifactEntry{
			Seq:       len(s.log) + 1,
			SubtaskID: id,
			Key:       k,
			Value:     c.Artifacts[k],
			Usable:    !c.CriticalBreach,
			At:        at,
		})
	}
	return s.log[start:]
}

func (s *Store) journalLocked(id string, c Commit, entries []ArtifactEntry, at time.Time) {
	if s.journal == nil {
		return
	}
	info := s.info[id]
	if err := s.journal.RecordStatus(s.runID, id, c.Status, info.Worker, info.Attempts, c.Reason, at); err != nil {
		s.logger.Warn("journal status write failed",
			zap.String("subtask_id", id),
			zap.String("status", string(c.Status)),
			zap.Error(err))
	}
	for _, e := range entries {
		if err := s.journal.RecordArtifact(s.runID, id, e.Seq, e.Key, e.Value, at); err != nil {
			s.logger.Warn("journal artifact write failed",
				zap.String("subtask_id", id),
				zap.String("key", e.Key),
				zap.Error(err))
		}
	}
}

// Context returns the artifacts a subtask may read: its declared input keys,
// taken only from its declared dependencies. The latest usable entry per key wins.
func (s *Store) Context(id string) (map[string]string, error) {
	st := s.graph.Subtask(id)
	if st == nil {
		return nil, fmt.Errorf("context %s: unknown subtask", id)
	}

	deps := make(map[string]bool, len(st.DependsOn))
	for _, d := range st.DependsOn {
		deps[d.ID] = true
	}
	inputs := make(map[string]bool, len(st.Inputs))
	for _, k := range st.Inputs {
		inputs[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := make(map[string]string, len(inputs))
	for _, e := range s.log {
		if e.Usable && deps[e.SubtaskID] && inputs[e.Key] {
			ctx[e.Key] = e.Value
		}
	}
	return ctx, nil
}

// ReadySet returns Pending subtasks whose dependency rules hold, in
// scheduling order.
func (s *Store) ReadySet() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph.ReadySet(func(id string) bool { return s.usable[id] })
}

// Usable reports whether the subtask has produced a usable artifact.
func (s *Store) Usable(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usable[id]
}

// Status returns the current status of a subtask.
func (s *Store) Status(id string) models.SubtaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.info[id]; ok {
		return info.Status
	}
	return ""
}

// Info returns the store's view of a subtask.
func (s *Store) Info(id string) (SubtaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.info[id]
	if !ok {
		return SubtaskInfo{}, false
	}
	return *info, true
}

// Snapshot returns every subtask's info in graph insertion order.
func (s *Store) Snapshot() []SubtaskInfo {
	ids := s.graph.IDs()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubtaskInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.info[id])
	}
	return out
}

// Artifacts returns a copy of the artifact log.
func (s *Store) Artifacts() []ArtifactEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ArtifactEntry(nil), s.log...)
}

// AllTerminal reports whether every subtask has reached a terminal status.
func (s *Store) AllTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range s.info {
		if !info.Status.Terminal() {
			return false
		}
	}
	return true
}
