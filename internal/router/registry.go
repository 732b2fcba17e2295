// Package router holds the capability registry and selects workers for subtasks.
package router

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

var (
	// ErrWorkersBusy indicates capable workers exist but all are at capacity.
	ErrWorkersBusy = errors.New("all capable workers are busy")
	// ErrAtCapacity indicates Acquire was called on a saturated worker.
	ErrAtCapacity = errors.New("worker at capacity")
	// ErrUnknownWorker indicates the worker id is not registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

type entry struct {
	worker models.Worker
	// order is the registration position, kept across re-registration.
	order int
	load  atomic.Int64
}

// Registry tracks registered workers, their load, and the fallback chain
// configuration used by SelectWorker.
type Registry struct {
	mu        sync.RWMutex
	workers   map[string]*entry
	nextOrder int
	scorer    Scorer
	// fallback maps a capability tag to the tiers tried after the preference.
	fallback map[string][]models.Tier
	changed  chan struct{}
	logger   *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithScorer sets the matching strategy. Defaults to TagOverlap.
func WithScorer(s Scorer) Option {
	return func(r *Registry) {
		if s != nil {
			r.scorer = s
		}
	}
}

// WithFallbackTiers sets the per-tag fallback tier chains.
func WithFallbackTiers(m map[string][]models.Tier) Option {
	return func(r *Registry) {
		for tag, tiers := range m {
			r.fallback[normalizeTag(tag)] = append([]models.Tier(nil), tiers...)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers:  make(map[string]*entry),
		scorer:   TagOverlap{},
		fallback: make(map[string][]models.Tier),
		changed:  make(chan struct{}, 1),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetFallbackTiers replaces every per-tag fallback chain.
func (r *Registry) SetFallbackTiers(m map[string][]models.Tier) {
	fb := make(map[string][]models.Tier, len(m))
	for tag, tiers := range m {
		fb[normalizeTag(tag)] = append([]models.Tier(nil), tiers...)
	}
	r.mu.Lock()
	r.fallback = fb
	r.mu.Unlock()
	r.notify()
}

// Register adds a worker or replaces an existing descriptor with the same id.
// A replaced worker keeps its registration order and current load.
func (r *Registry) Register(w models.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("register worker: empty id")
	}
	if !w.Tier.Valid() {
		return fmt.Errorf("register worker %s: invalid tier %d", w.ID, w.Tier)
	}
	if w.MaxConcurrent < 1 {
		w.MaxConcurrent = 1
	}
	w.Tags = append([]string(nil), w.Tags...)

	r.mu.Lock()
	if e, ok := r.workers[w.ID]; ok {
		e.worker = w
	} else {
		r.workers[w.ID] = &entry{worker: w, order: r.nextOrder}
		r.nextOrder++
	}
	r.mu.Unlock()

	r.logger.Debug("worker registered",
		zap.String("worker_id", w.ID),
		zap.Strings("tags", w.Tags),
		zap.Int("tier", int(w.Tier)),
		zap.Int("max_concurrent", w.MaxConcurrent))
	r.notify()
	return nil
}

// Deregister removes a worker. In-flight assignments are unaffected; their
// Release becomes a no-op. Returns false if the worker was not registered.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	_, ok := r.workers[id]
	delete(r.workers, id)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("worker deregistered", zap.String("worker_id", id))
		r.notify()
	}
	return ok
}

// Worker returns the descriptor for id.
func (r *Registry) Worker(id string) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	return e.worker, true
}

// Workers returns every registered descriptor in registration order.
func (r *Registry) Workers() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.sortedLocked()
	out := make([]models.Worker, len(entries))
	for i, e := range entries {
		out[i] = e.worker
	}
	return out
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Load returns the current number of assignments held by a worker.
func (r *Registry) Load(id string) int {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(e.load.Load())
}

// Acquire increments a worker's load if it is below MaxConcurrent.
func (r *Registry) Acquire(id string) error {
	r.mu.RLock()
	e, ok := r.workers[id]
	var limit int64
	if ok {
		limit = int64(e.worker.Capacity())
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("acquire %s: %w", id, ErrUnknownWorker)
	}

	for {
		cur := e.load.Load()
		if cur >= limit {
			return fmt.Errorf("acquire %s: %w", id, ErrAtCapacity)
		}
		if e.load.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release decrements a worker's load and wakes anyone waiting on Changed.
func (r *Registry) Release(id string) {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if ok {
		for {
			cur := e.load.Load()
			if cur <= 0 {
				break
			}
			if e.load.CompareAndSwap(cur, cur-1) {
				break
			}
		}
	}
	r.notify()
}

// Changed is signalled after registrations, deregistrations, and releases.
// The channel holds at most one pending signal.
func (r *Registry) Changed() <-chan struct{} {
	return r.changed
}

func (r *Registry) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *Registry) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	return entries
}

// Request describes what a subtask needs from a worker.
type Request struct {
	Tags           []string
	TierPreference *models.Tier
	// Exclude lists workers that must not be selected.
	Exclude []string
	// Pin bypasses the fallback chain and selects a single worker, for
	// same-worker retries.
	Pin string
}

// Selection is the outcome of a successful SelectWorker call.
type Selection struct {
	Worker models.Worker
	// Position is the index in the fallback chain the worker was found at.
	Position int
	Score    float64
}

// FallbackChain returns the acceptable tiers for the request in the order
// SelectWorker tries them. A nil chain means every tier is acceptable.
func (r *Registry) FallbackChain(tags []string, pref *models.Tier) []models.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var flat []models.Tier
	for _, pos := range r.positionsLocked(tags, pref) {
		flat = append(flat, pos...)
	}
	return flat
}

// positionsLocked groups acceptable tiers by chain position: the preference
// alone, then the i-th configured tier of every requested tag together.
// Tiers already offered at an earlier position are dropped. Without any
// configured chain the result is nil and every tier competes at once,
// ranked by distance from the preference.
func (r *Registry) positionsLocked(tags []string, pref *models.Tier) [][]models.Tier {
	var configured [][]models.Tier
	for _, tag := range tags {
		for i, t := range r.fallback[normalizeTag(tag)] {
			for len(configured) <= i {
				configured = append(configured, nil)
			}
			configured[i] = append(configured[i], t)
		}
	}
	if len(configured) == 0 {
		return nil
	}

	var positions [][]models.Tier
	seen := make(map[models.Tier]bool)
	add := func(tiers []models.Tier) {
		var pos []models.Tier
		for _, t := range tiers {
			if !seen[t] {
				seen[t] = true
				pos = append(pos, t)
			}
		}
		if len(pos) > 0 {
			positions = append(positions, pos)
		}
	}
	if pref != nil {
		add([]models.Tier{*pref})
	}
	for _, tiers := range configured {
		add(tiers)
	}
	return positions
}

func admits(pos []models.Tier, t models.Tier) bool {
	for _, p := range pos {
		if p == t {
			return true
		}
	}
	return false
}

// SelectWorker walks the fallback chain and returns the best available worker
// at the first position that has capable candidates.
// Returns ErrWorkersBusy if those candidates are all at capacity and
// models.ErrNoCapableWorker if no position has a capable worker.
func (r *Registry) SelectWorker(req Request) (Selection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excluded := make(map[string]bool, len(req.Exclude))
	for _, id := range req.Exclude {
		excluded[id] = true
	}

	if req.Pin != "" {
		e, ok := r.workers[req.Pin]
		if !ok || excluded[req.Pin] {
			return Selection{}, fmt.Errorf("select pinned worker %s: %w", req.Pin, models.ErrNoCapableWorker)
		}
		if e.load.Load() >= int64(e.worker.Capacity()) {
			return Selection{}, ErrWorkersBusy
		}
		return Selection{Worker: e.worker}, nil
	}

	entries := r.sortedLocked()

	chain := r.positionsLocked(req.Tags, req.TierPreference)
	positions := len(chain)
	if positions == 0 {
		positions = 1
	}

	for pos := 0; pos < positions; pos++ {
		var candidates []scored
		for _, e := range entries {
			if excluded[e.worker.ID] {
				continue
			}
			if chain != nil && !admits(chain[pos], e.worker.Tier) {
				continue
			}
			score := 1.0
			if len(req.Tags) > 0 {
				score = r.scorer.Match(req.Tags, &e.worker)
			}
			if score <= 0 {
				continue
			}
			candidates = append(candidates, scored{entry: e, score: score, load: e.load.Load()})
		}
		if len(candidates) == 0 {
			continue
		}

		var available []scored
		for _, c := range candidates {
			if c.load < int64(c.entry.worker.Capacity()) {
				available = append(available, c)
			}
		}
		if len(available) == 0 {
			return Selection{}, ErrWorkersBusy
		}

		best := pickBest(available, req.TierPreference)
		r.logger.Debug("worker selected",
			zap.String("worker_id", best.entry.worker.ID),
			zap.Int("position", pos),
			zap.Float64("score", best.score))
		return Selection{Worker: best.entry.worker, Position: pos, Score: best.score}, nil
	}

	return Selection{}, fmt.Errorf("select worker for tags %v: %w", req.Tags, models.ErrNoCapableWorker)
}

type scored struct {
	entry *entry
	score float64
	load  int64
}

// pickBest orders by match desc, tier distance asc, load asc, worker
// priority desc, then registration order.
func pickBest(cs []scored, pref *models.Tier) scored {
	distance := func(c scored) float64 {
		if pref == nil {
			return 0
		}
		return math.Abs(float64(c.entry.worker.Tier - *pref))
	}
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if da, db := distance(a), distance(b); da != db {
			return da < db
		}
		if a.load != b.load {
			return a.load < b.load
		}
		if pa, pb := a.entry.worker.Priority.Rank(), b.entry.worker.Priority.Rank(); pa != pb {
			return pa > pb
		}
		return a.entry.order < b.entry.order
	})
	return cs[0]
}
