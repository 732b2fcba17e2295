package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/state"
)

var (
	statusLimit int
	statusPurge time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show journaled runs",
	Long: `Display runs recorded in the state journal.

Without arguments, lists the most recent runs. With a run id, shows the
last journaled status of every subtask in that run and its escalations.

--purge deletes runs that started longer ago than the given duration.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "number of runs to list")
	statusCmd.Flags().DurationVar(&statusPurge, "purge", 0, "delete runs older than this (e.g. 720h)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if _, err := os.Stat(cfg.State.Path); os.IsNotExist(err) {
		fmt.Fprintln(out, "No runs recorded. Run 'switchboard run <graph>' to start.")
		return nil
	}

	db, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if statusPurge > 0 {
		n, err := db.PurgeOldRuns(statusPurge)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Purged %d runs older than %s\n\n", n, formatDuration(statusPurge))
	}

	if len(args) == 1 {
		return displayRun(out, db, args[0])
	}
	return displayRecentRuns(out, db, statusLimit)
}

func displayRecentRuns(out io.Writer, db *state.DB, limit int) error {
	runs, err := db.ListRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	fmt.Fprintln(out, "Recent Runs:")
	for _, r := range runs {
		fmt.Fprintf(out, "  %s  %-20s %s (%s ago)\n",
			r.ID, r.Graph, runState(r), formatDuration(time.Since(r.StartedAt)))
	}
	return nil
}

func runState(r state.Run) string {
	switch r.Status {
	case state.RunFinished:
		return color.New(outcomeColor(r.Outcome)).Sprint(r.Outcome)
	case state.RunInterrupted:
		return color.RedString("interrupted")
	default:
		return color.CyanString(string(r.Status))
	}
}

func displayRun(out io.Writer, db *state.DB, id string) error {
	r, err := db.GetRun(id)
	if err != nil {
		return err
	}
	if r == nil {
		return withExitCode(exitInvalidInput, fmt.Errorf("run %s not found", id))
	}

	fmt.Fprintf(out, "Run: %s\n", r.ID)
	fmt.Fprintf(out, "  Graph: %s (%d subtasks)\n", r.Graph, r.Subtasks)
	fmt.Fprintf(out, "  Status: %s\n", runState(*r))
	fmt.Fprintf(out, "  Started: %s\n", r.StartedAt.Local().Format(time.RFC3339))
	if r.EndedAt != nil {
		fmt.Fprintf(out, "  Duration: %s\n", formatDuration(r.EndedAt.Sub(r.StartedAt)))
	} else {
		fmt.Fprintf(out, "  Running for: %s\n", formatDuration(time.Since(r.StartedAt)))
	}

	records, err := db.ListSubtaskStatus(id)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Subtasks:")
		for _, s := range records {
			symbol, attr := statusSymbol(s.Status)
			msg := fmt.Sprintf("%s %s", s.SubtaskID, s.Status)
			if s.Worker != "" {
				msg += fmt.Sprintf(" on %s (attempt %d)", s.Worker, s.Attempt)
			}
			if s.Reason != "" {
				msg += ": " + s.Reason
			}
			fmt.Fprint(out, "  ")
			printStatus(out, symbol, msg, attr)
		}
	}

	escalations, err := db.ListEscalations(id)
	if err != nil {
		return err
	}
	if len(escalations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Escalations:")
		for _, e := range escalations {
			fmt.Fprintf(out, "  %s: %s after %d attempts", e.SubtaskID, e.Outcome, e.Attempts)
			if len(e.TriedWorkers) > 0 {
				fmt.Fprintf(out, " [%s]", strings.Join(e.TriedWorkers, " → "))
			}
			if e.Reason != "" {
				fmt.Fprintf(out, ": %s", e.Reason)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}
