package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventEmitter delivers events to a single buffered channel.
// A full channel gets a short grace period before the event is dropped,
// so a slow consumer never stalls the run loop for long.
type EventEmitter struct {
	events       chan Event
	dropAfter    time.Duration
	droppedCount atomic.Uint64
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, dropAfter time.Duration, logger *zap.Logger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		events:    make(chan Event, bufferSize),
		dropAfter: dropAfter,
		logger:    logger,
	}
}

// Emit sends an event to the events channel.
// Events emitted after Close are discarded.
func (e *EventEmitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- event:
		return
	default:
	}

	if e.dropAfter > 0 {
		t := time.NewTimer(e.dropAfter)
		defer t.Stop()
		select {
		case e.events <- event:
			return
		case <-t.C:
		}
	}

	count := e.droppedCount.Add(1)
	if count%10 == 1 {
		e.logger.Warn("event channel full, dropping event",
			zap.Uint64("dropped_total", count),
			zap.String("type", string(event.Type)))
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events. It is closed when the run ends.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
