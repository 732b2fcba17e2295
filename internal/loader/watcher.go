package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher reloads a workers file into a registry whenever it changes.
// The parent directory is watched so editors that replace the file by
// rename are picked up. A file that fails to parse leaves the registry
// untouched.
type Watcher struct {
	path     string
	registry *router.Registry
	logger   *zap.Logger
	debounce time.Duration
	onReload func(Diff, error)
	// base holds chains from configuration; the file's chains override it per tag.
	base map[string][]models.Tier

	watcher *fsnotify.Watcher
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger.
func WithWatchLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithDebounce sets how long to wait for writes to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnReload registers a callback invoked after every reload attempt.
func WithOnReload(fn func(Diff, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithBaseFallbackTiers sets the fallback chains a reloaded file is merged
// over. Tags the file does not mention keep these chains.
func WithBaseFallbackTiers(m map[string][]models.Tier) WatcherOption {
	return func(w *Watcher) { w.base = m }
}

// NewWatcher starts watching path. Call Run to process changes.
func NewWatcher(path string, reg *router.Registry, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		registry: reg,
		logger:   zap.NewNop(),
		debounce: defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.watcher = fw
	return w, nil
}

// Run processes file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case <-timerCh:
			timerCh = nil
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("workers watcher error", zap.Error(err))
		}
	}
}

// Reload reads the file and applies it to the registry.
func (w *Watcher) Reload() (Diff, error) {
	workers, err := LoadWorkers(w.path)
	if err != nil {
		w.logger.Warn("workers reload failed, keeping current registry",
			zap.String("path", w.path),
			zap.Error(err))
		w.notify(Diff{}, err)
		return Diff{}, err
	}
	diff, err := workers.Apply(w.registry)
	if err == nil {
		w.registry.SetFallbackTiers(MergeFallbackTiers(w.base, workers.FallbackTiers))
	}
	if err != nil {
		w.logger.Warn("workers reload partially applied", zap.Error(err))
	} else if !diff.Empty() {
		w.logger.Info("workers reloaded",
			zap.Strings("added", diff.Added),
			zap.Strings("updated", diff.Updated),
			zap.Strings("removed", diff.Removed))
	}
	w.notify(diff, err)
	return diff, err
}

func (w *Watcher) notify(d Diff, err error) {
	if w.onReload != nil {
		w.onReload(d, err)
	}
}

// MergeFallbackTiers returns base with every tag in over replacing base's
// chain for that tag. Tags are compared case-insensitively.
func MergeFallbackTiers(base, over map[string][]models.Tier) map[string][]models.Tier {
	out := make(map[string][]models.Tier, len(base)+len(over))
	for tag, tiers := range base {
		out[strings.ToLower(strings.TrimSpace(tag))] = tiers
	}
	for tag, tiers := range over {
		out[strings.ToLower(strings.TrimSpace(tag))] = tiers
	}
	return out
}
