package events

import (
	"context"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
)

const defaultBuffer = 256

type subscriber struct {
	sink    Sink
	ch      chan orchestrator.Event
	dropped atomic.Uint64
}

// Fanout copies each event from a source stream to every sink. Each sink
// has its own buffer and goroutine, so a slow sink drops its own events
// instead of stalling the others.
type Fanout struct {
	subs   []*subscriber
	logger *zap.Logger
}

// NewFanout creates a fan-out with a per-sink buffer of bufSize.
func NewFanout(bufSize int, logger *zap.Logger, sinks ...Sink) *Fanout {
	if bufSize < 1 {
		bufSize = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s == nil {
			continue
		}
		f.subs = append(f.subs, &subscriber{sink: s, ch: make(chan orchestrator.Event, bufSize)})
	}
	return f
}

// Run forwards events until src is closed, then drains every sink and
// closes the ones implementing Closer. ctx is passed to sink handlers.
func (f *Fanout) Run(ctx context.Context, src <-chan orchestrator.Event) {
	wg := conc.NewWaitGroup()
	for _, sub := range f.subs {
		sub := sub
		wg.Go(func() { f.consume(ctx, sub) })
	}

	for ev := range src {
		for _, sub := range f.subs {
			select {
			case sub.ch <- ev:
			default:
				if n := sub.dropped.Add(1); n%10 == 1 {
					f.logger.Warn("event sink falling behind, dropping events",
						zap.String("sink", sub.sink.Name()),
						zap.Uint64("dropped", n))
				}
			}
		}
	}

	for _, sub := range f.subs {
		close(sub.ch)
	}
	wg.Wait()
}

func (f *Fanout) consume(ctx context.Context, sub *subscriber) {
	for ev := range sub.ch {
		if err := sub.sink.Handle(ctx, ev); err != nil {
			f.logger.Warn("event sink failed",
				zap.String("sink", sub.sink.Name()),
				zap.String("event_id", ev.ID),
				zap.Error(err))
		}
	}
	if c, ok := sub.sink.(Closer); ok {
		if err := c.Close(); err != nil {
			f.logger.Warn("event sink close failed",
				zap.String("sink", sub.sink.Name()),
				zap.Error(err))
		}
	}
}

// Dropped returns the number of events each sink missed, keyed by sink name.
func (f *Fanout) Dropped() map[string]uint64 {
	out := make(map[string]uint64, len(f.subs))
	for _, sub := range f.subs {
		out[sub.sink.Name()] += sub.dropped.Load()
	}
	return out
}
