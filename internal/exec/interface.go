// Package exec runs worker commands. CommandExecutor is an
// orchestrator.Executor that hands a subtask to a worker's shell command.
package exec

import "context"

// CommandRunner runs a worker command line under "sh -c". stdin is fed to
// the process and extra env entries are added on top of os.Environ.
// Tests substitute a fake to avoid spawning processes.
type CommandRunner interface {
	RunShell(ctx context.Context, workDir, command string, stdin []byte, env []string) (stdout, stderr []byte, err error)
}
