// Package control lets other processes steer a running graph through
// signal files in a directory: "pause", "cancel", and "cancel.<subtask>".
// Removing "pause" resumes dispatching.
package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	// PauseFile holds dispatching while it exists.
	PauseFile = "pause"
	// CancelFile cancels the whole run.
	CancelFile = "cancel"

	cancelPrefix   = "cancel."
	signalFileMode = 0644
	signalDirMode  = 0755
	stampLayout    = time.RFC3339
)

// Target is what signals act on. *orchestrator.Orchestrator implements it.
type Target interface {
	Pause()
	Resume()
	Cancel()
	CancelSubtask(id string) error
}

// Watcher applies signal files in dir to a Target.
type Watcher struct {
	dir     string
	target  Target
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates dir if needed and starts watching it.
func NewWatcher(dir string, target Target, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, signalDirMode); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, target: target, logger: logger, watcher: fw}, nil
}

// Run applies signals until ctx is done. Signal files present before Run
// starts are applied first.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	entries, err := os.ReadDir(w.dir)
	if err == nil {
		for _, e := range entries {
			w.apply(e.Name(), true)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.apply(base, true)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.apply(base, false)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("control watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) apply(name string, present bool) {
	switch {
	case name == PauseFile && present:
		w.logger.Info("pause signal received")
		w.target.Pause()
	case name == PauseFile:
		w.logger.Info("pause signal cleared")
		w.target.Resume()
	case name == CancelFile && present:
		w.logger.Info("cancel signal received")
		w.target.Cancel()
	case strings.HasPrefix(name, cancelPrefix) && present:
		id := strings.TrimPrefix(name, cancelPrefix)
		if id == "" {
			return
		}
		w.logger.Info("subtask cancel signal received", zap.String("subtask_id", id))
		if err := w.target.CancelSubtask(id); err != nil {
			w.logger.Warn("subtask cancel failed", zap.String("subtask_id", id), zap.Error(err))
		}
	}
}

// Signal names accepted by Send.
const (
	SignalPause  = "pause"
	SignalResume = "resume"
	SignalCancel = "cancel"
)

// Send writes or removes the signal file for sig in dir. subtask narrows a
// cancel to one subtask.
func Send(dir, sig, subtask string) error {
	if err := os.MkdirAll(dir, signalDirMode); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	stamp := []byte(time.Now().Format(stampLayout))
	switch sig {
	case SignalPause:
		return os.WriteFile(filepath.Join(dir, PauseFile), stamp, signalFileMode)
	case SignalResume:
		err := os.Remove(filepath.Join(dir, PauseFile))
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case SignalCancel:
		name := CancelFile
		if subtask != "" {
			name = cancelPrefix + subtask
		}
		return os.WriteFile(filepath.Join(dir, name), stamp, signalFileMode)
	default:
		return fmt.Errorf("unknown signal %q", sig)
	}
}

// Clear removes every signal file in dir.
func Clear(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		n := e.Name()
		if n == PauseFile || n == CancelFile || strings.HasPrefix(n, cancelPrefix) {
			if err := os.Remove(filepath.Join(dir, n)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
