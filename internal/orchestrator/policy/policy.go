// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes concurrency limits, retry bounds, and timeouts so they can
// be loaded from configuration and overridden in tests.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Run controls concurrency, retries, and cancellation.
	Run RunPolicy

	// Loop controls run loop behavior.
	Loop LoopPolicy
}

// RunPolicy controls how subtasks are dispatched and retried.
type RunPolicy struct {
	// MaxParallel is the maximum number of in-flight dispatches across all workers.
	MaxParallel int

	// MaxRetries is the number of same-worker retries after a transient failure
	// before the subtask falls back to another worker.
	MaxRetries int

	// BackoffBase is the delay before the first retry. Each further retry doubles it.
	BackoffBase time.Duration

	// BackoffMax caps the retry delay.
	BackoffMax time.Duration

	// DispatchTimeout bounds a single Execute call. Subtasks may override it.
	DispatchTimeout time.Duration

	// CancelGrace is how long a running dispatch may take to honor a cancel
	// before it is force-marked cancelled and its result dropped.
	CancelGrace time.Duration

	// PartialCompletion lets unaffected branches finish after a terminal failure.
	// When false the first terminal failure cancels the rest of the run.
	PartialCompletion bool
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// PollInterval is the longest the loop sleeps without a wake-up signal.
	PollInterval time.Duration

	// EventBuffer is the buffer size of the event channel.
	EventBuffer int

	// EventDropAfter is how long Emit waits on a full event channel before dropping.
	EventDropAfter time.Duration
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Run: RunPolicy{
			MaxParallel:     4,
			MaxRetries:      2,
			BackoffBase:     500 * time.Millisecond,
			BackoffMax:      30 * time.Second,
			DispatchTimeout: 10 * time.Minute,
			CancelGrace:     5 * time.Second,
		},
		Loop: LoopPolicy{
			PollInterval:   time.Second,
			EventBuffer:    256,
			EventDropAfter: 100 * time.Millisecond,
		},
	}
}

// Validate checks that policy values are within acceptable ranges,
// clamping out-of-range values back to their defaults.
func (c *Config) Validate() error {
	d := Default()
	if c.Run.MaxParallel < 1 {
		c.Run.MaxParallel = d.Run.MaxParallel
	}
	if c.Run.MaxRetries < 0 {
		c.Run.MaxRetries = 0
	}
	if c.Run.BackoffBase < 0 {
		c.Run.BackoffBase = 0
	}
	if c.Run.BackoffMax < c.Run.BackoffBase {
		c.Run.BackoffMax = c.Run.BackoffBase
	}
	if c.Run.DispatchTimeout <= 0 {
		c.Run.DispatchTimeout = d.Run.DispatchTimeout
	}
	if c.Run.CancelGrace < 0 {
		c.Run.CancelGrace = 0
	}
	if c.Loop.PollInterval < 10*time.Millisecond {
		c.Loop.PollInterval = d.Loop.PollInterval
	}
	if c.Loop.EventBuffer < 1 {
		c.Loop.EventBuffer = d.Loop.EventBuffer
	}
	if c.Loop.EventDropAfter < 0 {
		c.Loop.EventDropAfter = 0
	}
	return nil
}
