package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the subtask graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// GraphError describes why a subtask graph was rejected at ingest.
// It always unwraps to models.ErrInvalidGraph.
type GraphError struct {
	Msg string
	// Cycle holds the offending path when the graph is cyclic.
	Cycle []string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return models.ErrInvalidGraph.Error()
	}
	return fmt.Sprintf("%s: %s", models.ErrInvalidGraph.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return models.ErrInvalidGraph }

// Is lets errors.Is match ErrCycleDetected for cyclic graphs.
func (e *GraphError) Is(target error) bool {
	return target == ErrCycleDetected && len(e.Cycle) > 0
}

func invalidf(format string, args ...any) error {
	return &GraphError{Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	return &GraphError{
		Msg:   "cycle: " + strings.Join(path, " -> "),
		Cycle: path,
	}
}
