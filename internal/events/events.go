// Package events fans the orchestrator's event stream out to sinks: logs,
// metrics, files, and Redis Streams.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
)

// Sink consumes orchestrator events.
type Sink interface {
	// Name identifies the sink in logs and drop counters.
	Name() string
	Handle(ctx context.Context, ev orchestrator.Event) error
}

// Closer is implemented by sinks that hold resources.
type Closer interface {
	Close() error
}

// LogSink writes every event to a zap logger. Run boundaries and
// escalations log at Info, the rest at Debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink that logs to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink.
func (s *LogSink) Handle(_ context.Context, ev orchestrator.Event) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID),
		zap.String("run_id", ev.RunID),
	}
	if ev.SubtaskID != "" {
		fields = append(fields, zap.String("subtask_id", ev.SubtaskID))
	}
	if ev.WorkerID != "" {
		fields = append(fields, zap.String("worker_id", ev.WorkerID))
	}
	if ev.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", ev.Attempt))
	}
	if ev.Message != "" {
		fields = append(fields, zap.String("message", ev.Message))
	}

	switch ev.Type {
	case orchestrator.EventRunStarted:
		s.logger.Info("run started", fields...)
	case orchestrator.EventRunDone:
		s.logger.Info("run done", append(fields, zap.String("outcome", string(ev.Outcome)))...)
	case orchestrator.EventEscalation:
		if ev.Escalation != nil {
			fields = append(fields, zap.String("outcome", string(ev.Escalation.Outcome)))
		}
		s.logger.Info("escalation", fields...)
	case orchestrator.EventSubtaskStatus:
		s.logger.Debug("subtask status",
			append(fields, zap.String("from", string(ev.From)), zap.String("to", string(ev.To)))...)
	case orchestrator.EventGateEvaluated:
		if ev.Gate != nil {
			fields = append(fields, zap.Bool("pass", ev.Gate.Pass))
		}
		s.logger.Debug("gate evaluated", fields...)
	default:
		s.logger.Debug(string(ev.Type), fields...)
	}
	return nil
}

// JSONLSink writes one JSON object per event to w.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewJSONLSink creates a sink writing to w. If w is an io.Closer it is
// closed when the fan-out finishes.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s
}

// Name implements Sink.
func (s *JSONLSink) Name() string { return "jsonl" }

// Handle implements Sink.
func (s *JSONLSink) Handle(_ context.Context, ev orchestrator.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return nil
}

// Close implements Closer.
func (s *JSONLSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}
