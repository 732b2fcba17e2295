package exec

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ShellRunner implements CommandRunner using os/exec.
//
// Cancelling ctx sends SIGTERM to the command's process group so workers can
// stop cleanly. Anything still alive KillGrace later gets SIGKILL.
type ShellRunner struct {
	// KillGrace is the time between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// WaitDelay bounds how long a killed command's pipes are drained.
	WaitDelay time.Duration
}

// NewRunner creates a ShellRunner with a 5s kill grace.
func NewRunner() *ShellRunner {
	return &ShellRunner{KillGrace: 5 * time.Second, WaitDelay: 2 * time.Second}
}

// RunShell executes a shell command through "sh -c" in its own process group.
func (r *ShellRunner) RunShell(ctx context.Context, workDir, command string, stdin []byte, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return err
		}
		// Not stopped when the leader exits: stragglers in the group still
		// need the SIGKILL.
		time.AfterFunc(r.KillGrace, func() {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		})
		return nil
	}
	// Wait falls back to killing the leader once this elapses.
	cmd.WaitDelay = r.KillGrace + r.WaitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Verify ShellRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ShellRunner)(nil)
