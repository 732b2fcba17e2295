package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// maxStderrTail is how much of a failed command's stderr is kept in errors.
const maxStderrTail = 512

// Request is the JSON document written to a worker command's stdin.
type Request struct {
	Subtask models.Subtask `json:"subtask"`
	// Context holds the artifacts of the subtask's dependencies.
	Context map[string]string `json:"context"`
	Worker  WorkerInfo        `json:"worker"`
}

// WorkerInfo identifies the worker a request was routed to.
type WorkerInfo struct {
	ID   string      `json:"id"`
	Tags []string    `json:"tags,omitempty"`
	Tier models.Tier `json:"tier"`
}

// CommandExecutor runs each worker's configured command with a Request on
// stdin and reads a models.Result from stdout.
//
// A command that exits non-zero without printing a result is a transient
// failure. Output that is not a valid result is a permanent failure, since
// retrying the same worker would produce the same output. Workers report
// permanence themselves with "permanent": true in the result.
type CommandExecutor struct {
	runner  CommandRunner
	workDir string
	logger  *zap.Logger
}

// ExecutorOption configures a CommandExecutor.
type ExecutorOption func(*CommandExecutor)

// WithRunner overrides the command runner.
func WithRunner(r CommandRunner) ExecutorOption {
	return func(e *CommandExecutor) {
		if r != nil {
			e.runner = r
		}
	}
}

// WithKillGrace sets how long a cancelled worker has between SIGTERM and
// SIGKILL. Runners other than *ShellRunner are left alone.
func WithKillGrace(d time.Duration) ExecutorOption {
	return func(e *CommandExecutor) {
		if sr, ok := e.runner.(*ShellRunner); ok && d > 0 {
			sr.KillGrace = d
		}
	}
}

// WithWorkDir sets the working directory commands run in.
func WithWorkDir(dir string) ExecutorOption {
	return func(e *CommandExecutor) { e.workDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *CommandExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewCommandExecutor creates an executor backed by a ShellRunner.
func NewCommandExecutor(opts ...ExecutorOption) *CommandExecutor {
	e := &CommandExecutor{runner: NewRunner(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ orchestrator.Executor = (*CommandExecutor)(nil)

// Execute implements orchestrator.Executor.
func (e *CommandExecutor) Execute(ctx context.Context, w models.Worker, st models.Subtask, input map[string]string) (*models.Result, error) {
	if strings.TrimSpace(w.Command) == "" {
		return nil, models.Permanent(fmt.Errorf("worker %s has no command", w.ID))
	}

	if input == nil {
		input = map[string]string{}
	}
	req, err := json.Marshal(Request{
		Subtask: st,
		Context: input,
		Worker:  WorkerInfo{ID: w.ID, Tags: w.Tags, Tier: w.Tier},
	})
	if err != nil {
		return nil, models.Permanent(fmt.Errorf("encode request for %s: %w", st.ID, err))
	}

	env := []string{
		"SWITCHBOARD_SUBTASK_ID=" + st.ID,
		"SWITCHBOARD_WORKER_ID=" + w.ID,
	}
	e.logger.Debug("running worker command",
		zap.String("subtask_id", st.ID),
		zap.String("worker_id", w.ID))

	stdout, stderr, runErr := e.runner.RunShell(ctx, e.workDir, w.Command, req, env)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("worker %s: %w", w.ID, ctxErr)
	}

	res, parseErr := parseResult(stdout)
	if runErr != nil {
		if parseErr == nil {
			// The worker explained its failure on stdout.
			return res, nil
		}
		return nil, fmt.Errorf("worker %s command failed: %v%s: %w",
			w.ID, runErr, stderrTail(stderr), models.ErrTransientExecution)
	}
	if parseErr != nil {
		return nil, models.Permanent(fmt.Errorf("worker %s: %w", w.ID, parseErr))
	}
	return res, nil
}

func parseResult(stdout []byte) (*models.Result, error) {
	stdout = bytes.TrimSpace(stdout)
	if len(stdout) == 0 {
		return nil, errors.New("empty result")
	}
	// Workers may log before the result; the result is the last line.
	if i := bytes.LastIndexByte(stdout, '\n'); i >= 0 {
		stdout = stdout[i+1:]
	}
	var res models.Result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if !res.Status.Valid() {
		return nil, fmt.Errorf("result has unknown status %q", res.Status)
	}
	return &res, nil
}

func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if len(s) > maxStderrTail {
		s = "..." + s[len(s)-maxStderrTail:]
	}
	return ": " + s
}
