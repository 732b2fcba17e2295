package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// statusSymbol returns the symbol and color used to show a subtask status.
func statusSymbol(s models.SubtaskStatus) (string, color.Attribute) {
	switch s {
	case models.StatusSucceeded:
		return "✓", color.FgGreen
	case models.StatusFailed:
		return "✗", color.FgRed
	case models.StatusBlocked:
		return "⊘", color.FgYellow
	case models.StatusCancelled:
		return "-", color.FgHiBlack
	case models.StatusRunning:
		return "▶", color.FgCyan
	default:
		return "·", color.FgWhite
	}
}

func outcomeColor(o models.RunOutcome) color.Attribute {
	switch o {
	case models.RunSucceeded:
		return color.FgGreen
	case models.RunPartiallyFailed:
		return color.FgYellow
	default:
		return color.FgRed
	}
}

// printStatus prints a status line with color
func printStatus(w io.Writer, symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// printReport prints the run report in human-readable form.
func printReport(w io.Writer, r *orchestrator.Report) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Run %s: %s (%s)\n", r.RunID,
		color.New(outcomeColor(r.Outcome), color.Bold).Sprint(r.Outcome),
		formatDuration(r.Duration()))
	if r.StopReason != "" {
		fmt.Fprintf(w, "  Stopped: %s\n", r.StopReason)
	}
	fmt.Fprintln(w)

	for _, s := range r.Subtasks {
		symbol, attr := statusSymbol(s.Status)
		printStatus(w, symbol, subtaskLine(s), attr)
		if s.Gate != nil {
			for _, b := range s.Gate.Warnings {
				fmt.Fprintf(w, "    %s %s\n", color.YellowString("warning:"), b.String())
			}
		}
	}

	if len(r.Escalations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Escalations:")
		for _, e := range r.Escalations {
			fmt.Fprintf(w, "  %s: %s after %d attempts", e.SubtaskID, e.Outcome, e.Attempts)
			if len(e.TriedWorkers) > 0 {
				fmt.Fprintf(w, " [%s]", strings.Join(e.TriedWorkers, " → "))
			}
			fmt.Fprintln(w)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s, %d dispatches\n", summarizeCounts(r.Counts()), len(r.Dispatches))
	if r.DroppedEvents > 0 {
		fmt.Fprintf(w, "%s %d events dropped\n", color.YellowString("⚠"), r.DroppedEvents)
	}
}

func subtaskLine(s orchestrator.SubtaskReport) string {
	var b strings.Builder
	b.WriteString(s.ID)
	if s.Optional {
		b.WriteString(" (optional)")
	}
	if s.Worker != "" {
		fmt.Fprintf(&b, " on %s", s.Worker)
	}
	if s.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", s.Attempts)
	}
	if s.Reason != "" && s.Status != models.StatusSucceeded {
		fmt.Fprintf(&b, ": %s", s.Reason)
	}
	return b.String()
}

var countOrder = []models.SubtaskStatus{
	models.StatusSucceeded,
	models.StatusFailed,
	models.StatusBlocked,
	models.StatusCancelled,
}

// summarizeCounts renders counts like "3 succeeded, 1 failed".
func summarizeCounts(counts map[models.SubtaskStatus]int) string {
	var parts []string
	for _, s := range countOrder {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no subtasks"
	}
	return strings.Join(parts, ", ")
}

func printReportJSON(w io.Writer, r *orchestrator.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s > 0 {
			return fmt.Sprintf("%dm%ds", m, s)
		}
		return fmt.Sprintf("%dm", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
