package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/switchboard/internal/loader"
)

var workersCmdFile string

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers and fallback chains",
	Long: `Load a workers file and print each worker with its tags, tier, and
capacity, followed by the fallback tier chain configured per tag.`,
	Args: cobra.NoArgs,
	RunE: runWorkers,
}

func init() {
	workersCmd.Flags().StringVarP(&workersCmdFile, "workers", "w", "workers.yaml", "workers file")
}

func runWorkers(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	workers, err := loader.LoadWorkers(workersCmdFile)
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}
	reg, err := buildRegistry(cfg, workers)
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}

	fmt.Fprintf(out, "Workers (%d):\n", reg.Len())
	for _, w := range reg.Workers() {
		line := fmt.Sprintf("  %-20s %-20s cap=%d", w.ID, w.Tier, w.Capacity())
		if w.Priority != "" {
			line += fmt.Sprintf(" priority=%s", w.Priority)
		}
		fmt.Fprintf(out, "%s  [%s]\n", line, strings.Join(w.Tags, ", "))
	}

	tags := make(map[string]bool)
	for _, w := range reg.Workers() {
		for _, t := range w.Tags {
			tags[strings.ToLower(t)] = true
		}
	}
	names := make([]string, 0, len(tags))
	for t := range tags {
		names = append(names, t)
	}
	sort.Strings(names)

	var lines []string
	for _, t := range names {
		chain := reg.FallbackChain([]string{t}, nil)
		if len(chain) == 0 {
			continue
		}
		parts := make([]string, len(chain))
		for i, tier := range chain {
			parts[i] = tier.String()
		}
		lines = append(lines, fmt.Sprintf("  %-20s %s", t, strings.Join(parts, " → ")))
	}
	if len(lines) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Fallback chains:")
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
	}
	return nil
}
