package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/logging"
)

// Exit codes beyond the run outcome codes.
const (
	exitError        = 1
	exitInvalidInput = 3
)

var (
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool

	// cfg and logger are set by the root command before any subcommand runs.
	cfg    *config.Config
	logger *zap.Logger
)

// exitCodeError carries a process exit code through cobra. A nil err means
// the command already reported its outcome.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	return &exitCodeError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Route a subtask graph to specialist workers",
	Long: `Switchboard takes a ready-made subtask graph, routes each subtask to the
best-matching worker, and drives the graph to completion.

Core capabilities:
- Dependency ordering with hard and soft edges
- Capability and tier based routing with fallback chains
- Bounded concurrency with per-worker capacity
- Retry, fallback, and escalation on failure
- Quality gates on reported metrics

Exit codes for run: 0 succeeded, 2 partially failed, 1 failed,
3 invalid graph or input.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func setup(cmd *cobra.Command) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return withExitCode(exitInvalidInput, fmt.Errorf("load config: %w", err))
	}

	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, err = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return withExitCode(exitInvalidInput, fmt.Errorf("init logger: %w", err))
	}
	return nil
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var ec *exitCodeError
	if errors.As(err, &ec) {
		if ec.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ec.err)
		}
		return ec.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return exitError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: user and project config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
