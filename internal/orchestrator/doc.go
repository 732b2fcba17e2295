// Package orchestrator drives a subtask graph to a terminal state.
//
// The orchestrator package provides functionality for:
//   - Dependency management: releasing subtasks as hard and soft edges are satisfied
//   - Routing: assigning ready subtasks to capable workers through the router
//   - Escalation: retrying, falling back, and recording failures
//
// A single loop goroutine owns every status change. Dispatches run
// concurrently under the run's parallelism limit and report back to the
// loop, which applies quality gates to successful results before marking
// the subtask succeeded.
//
// Example usage:
//
//	orc, err := orchestrator.New(orchestrator.RequiredConfig{
//		Subtasks: subtasks,
//		Registry: registry,
//		Executor: executor,
//	}, orchestrator.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	report, err := orc.Run(ctx)
package orchestrator
