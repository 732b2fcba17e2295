package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/graph"
	"github.com/ShayCichocki/switchboard/internal/router"
)

var validateWorkersFile string

var validateCmd = &cobra.Command{
	Use:   "validate <graph>",
	Short: "Check a graph and workers file without running anything",
	Long: `Validate parses the graph and workers files, checks the graph for
cycles, unknown dependencies, and unsatisfiable inputs, and checks that
every subtask can be routed to at least one worker.

Exits 3 when anything is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateWorkersFile, "workers", "w", "workers.yaml", "workers file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	g, workers, err := loadInputs(args[0], validateWorkersFile)
	if err != nil {
		printStatus(out, "✗", err.Error(), color.FgRed)
		return withExitCode(exitInvalidInput, nil)
	}

	dg := graph.New()
	if err := dg.Build(g.Subtasks); err != nil {
		printStatus(out, "✗", err.Error(), color.FgRed)
		return withExitCode(exitInvalidInput, nil)
	}
	printStatus(out, "✓", fmt.Sprintf("Graph %s: %d subtasks, acyclic", g.Name, dg.Size()), color.FgGreen)

	reg, err := buildRegistry(cfg, workers)
	if err != nil {
		printStatus(out, "✗", err.Error(), color.FgRed)
		return withExitCode(exitInvalidInput, nil)
	}
	printStatus(out, "✓", fmt.Sprintf("%d workers registered", reg.Len()), color.FgGreen)

	if problems := checkRouting(out, dg, reg); problems > 0 {
		return withExitCode(exitInvalidInput, nil)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Dispatch order (dependencies first):")
	for i, id := range dg.TopologicalSort() {
		fmt.Fprintf(out, "  %2d. %s\n", i+1, id)
	}
	return nil
}

// checkRouting prints a line per subtask no worker can take and returns
// how many there were.
func checkRouting(out io.Writer, dg *graph.DependencyGraph, reg *router.Registry) int {
	problems := 0
	for _, st := range dg.Subtasks() {
		sel, err := reg.SelectWorker(router.Request{Tags: st.Tags, TierPreference: st.Tier})
		if err != nil && !errors.Is(err, router.ErrWorkersBusy) {
			problems++
			printStatus(out, "✗", fmt.Sprintf("%s: %v", st.ID, err), color.FgRed)
			continue
		}
		if sel.Position > 0 {
			printStatus(out, "⚠", fmt.Sprintf("%s: only reachable by fallback (%s)", st.ID, sel.Worker.ID), color.FgYellow)
		}
	}
	if problems == 0 {
		printStatus(out, "✓", "Every subtask has a capable worker", color.FgGreen)
	}
	return problems
}
