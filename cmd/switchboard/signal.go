package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/control"
)

var signalCmd = &cobra.Command{
	Use:   "signal <control-dir> pause|resume|cancel [subtask]",
	Short: "Pause, resume, or cancel a running run",
	Long: `Send a control signal to a run started with --control-dir.

  pause            stop dispatching new subtasks
  resume           continue dispatching
  cancel           cancel the whole run
  cancel SUBTASK   cancel one subtask and block its dependents`,
	Args:      cobra.RangeArgs(2, 3),
	ValidArgs: []string{control.SignalPause, control.SignalResume, control.SignalCancel},
	RunE:      runSignal,
}

func runSignal(cmd *cobra.Command, args []string) error {
	dir, sig := args[0], args[1]
	var subtask string
	if len(args) == 3 {
		if sig != control.SignalCancel {
			return withExitCode(exitInvalidInput, fmt.Errorf("only cancel takes a subtask"))
		}
		subtask = args[2]
	}

	if err := control.Send(dir, sig, subtask); err != nil {
		return withExitCode(exitInvalidInput, err)
	}

	target := "run"
	if subtask != "" {
		target = "subtask " + subtask
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s in %s\n", sig, target, dir)
	return nil
}
