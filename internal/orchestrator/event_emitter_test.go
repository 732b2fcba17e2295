package orchestrator

import (
	"testing"
	"time"
)

func TestEventEmitter_DropsWhenFull(t *testing.T) {
	e := NewEventEmitter(1, time.Millisecond, nil)

	e.Emit(newEvent(EventRunStarted, "run", time.Now()))
	e.Emit(newEvent(EventRunDone, "run", time.Now()))

	if got := e.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount() = %d, want 1", got)
	}
	ev := <-e.Events()
	if ev.Type != EventRunStarted {
		t.Errorf("first event = %s, want %s", ev.Type, EventRunStarted)
	}
}

func TestEventEmitter_CloseIsIdempotent(t *testing.T) {
	e := NewEventEmitter(4, 0, nil)
	e.Emit(newEvent(EventRunStarted, "run", time.Now()))
	e.Close()
	e.Close()
	e.Emit(newEvent(EventRunDone, "run", time.Now()))

	var n int
	for range e.Events() {
		n++
	}
	if n != 1 {
		t.Errorf("received %d events, want 1", n)
	}
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	a := newEvent(EventSubtaskStatus, "run", time.Now())
	b := newEvent(EventSubtaskStatus, "run", time.Now())
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("event ids %q and %q should be unique and non-empty", a.ID, b.ID)
	}
}

func TestPauseController(t *testing.T) {
	p := NewPauseController(nil)
	if p.IsPaused() {
		t.Fatal("new controller should not be paused")
	}

	p.Resume()
	select {
	case <-p.Resumed():
		t.Fatal("Resume without a pause should not signal")
	default:
	}

	p.Pause()
	p.Pause()
	if !p.IsPaused() {
		t.Fatal("expected paused")
	}

	p.Resume()
	if p.IsPaused() {
		t.Fatal("expected resumed")
	}
	select {
	case <-p.Resumed():
	default:
		t.Fatal("Resume should signal")
	}
}
