// Package redisstream publishes orchestrator events to a Redis Stream.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
)

// streamAdder is the part of the Redis client the sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Config holds the connection and stream settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen trims the stream approximately. Zero disables trimming.
	MaxLen int64
}

// Sink appends every event to a stream with XADD. The event JSON is stored
// under "data", with type, run and subtask ids as flat fields for filtering.
type Sink struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
	logger *zap.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Sink, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis stream: empty stream name")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	s := newSink(client, cfg.Stream, cfg.MaxLen, logger)
	s.closer = client.Close
	return s, nil
}

func newSink(client streamAdder, stream string, maxLen int64, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "redis:" + s.stream }

// Handle implements events.Sink.
func (s *Sink) Handle(ctx context.Context, ev orchestrator.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"type":       string(ev.Type),
			"run_id":     ev.RunID,
			"subtask_id": ev.SubtaskID,
			"data":       string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", s.stream, err)
	}

	s.logger.Debug("event published",
		zap.String("event_id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("stream", s.stream),
		zap.String("entry_id", id))
	return nil
}

// Close releases the Redis connection when the sink owns one.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
