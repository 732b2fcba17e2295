package orchestrator

import (
	"sync"

	"go.uber.org/zap"
)

// PauseController gates new dispatches. The run loop consults IsPaused
// before starting work; dispatches already running are left alone.
type PauseController struct {
	mu     sync.RWMutex
	paused bool
	wake   chan struct{} // buffered, holds one pending resume
	logger *zap.Logger
}

// NewPauseController returns an unpaused controller.
func NewPauseController(logger *zap.Logger) *PauseController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PauseController{wake: make(chan struct{}, 1), logger: logger}
}

// Pause holds back new dispatches until Resume.
func (p *PauseController) Pause() {
	if p.set(true) {
		p.logger.Info("dispatching paused")
	}
}

// Resume lifts a pause and wakes the run loop. It is a no-op when not paused.
func (p *PauseController) Resume() {
	if !p.set(false) {
		return
	}
	p.logger.Info("dispatching resumed")
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// set stores the flag and reports whether it changed.
func (p *PauseController) set(paused bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == paused {
		return false
	}
	p.paused = paused
	return true
}

// IsPaused reports whether new dispatches are held back.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Resumed receives once per Resume that lifted a pause.
func (p *PauseController) Resumed() <-chan struct{} {
	return p.wake
}
