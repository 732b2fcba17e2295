package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/config"
	"github.com/ShayCichocki/switchboard/internal/control"
	"github.com/ShayCichocki/switchboard/internal/events"
	"github.com/ShayCichocki/switchboard/internal/events/redisstream"
	"github.com/ShayCichocki/switchboard/internal/exec"
	"github.com/ShayCichocki/switchboard/internal/loader"
	"github.com/ShayCichocki/switchboard/internal/metrics"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// sinkDrainTimeout bounds how long sinks may keep publishing after the run.
const sinkDrainTimeout = 10 * time.Second

var (
	runWorkersFile  string
	runMaxParallel  int
	runMaxRetries   int
	runPartial      bool
	runWatchWorkers bool
	runMetricsAddr  string
	runRedisAddr    string
	runEventsOut    string
	runControlDir   string
	runID           string
	runNoJournal    bool
	runJSON         bool
	runWorkDir      string
)

var runCmd = &cobra.Command{
	Use:   "run <graph>",
	Short: "Run a subtask graph",
	Long: `Run a subtask graph against the workers in --workers.

Each worker with a command receives the subtask and its dependency
artifacts as JSON on stdin and prints a JSON result on stdout.

Ctrl-C cancels the run cooperatively: queued subtasks are cancelled and
running ones get the configured grace period to finish.

With --control-dir, another process can pause, resume, or cancel the
run with 'switchboard signal'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runWorkersFile, "workers", "w", "workers.yaml", "workers file")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "max concurrent dispatches (default from config)")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "retries per worker before fallback (default from config)")
	runCmd.Flags().BoolVar(&runPartial, "partial", false, "keep running independent branches after a failure")
	runCmd.Flags().BoolVar(&runWatchWorkers, "watch-workers", false, "reload the workers file when it changes")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	runCmd.Flags().StringVar(&runRedisAddr, "redis", "", "publish events to this Redis server")
	runCmd.Flags().StringVar(&runEventsOut, "events-out", "", "write events as JSON lines to this file")
	runCmd.Flags().StringVar(&runControlDir, "control-dir", "", "watch this directory for pause/cancel signals")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run id (default: random UUID)")
	runCmd.Flags().BoolVar(&runNoJournal, "no-journal", false, "don't record the run in the state journal")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the report as JSON")
	runCmd.Flags().StringVar(&runWorkDir, "workdir", "", "working directory for worker commands")
}

func runRun(cmd *cobra.Command, args []string) error {
	g, workers, err := loadInputs(args[0], runWorkersFile)
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}

	pol, err := cfg.Policy()
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}
	if runMaxParallel > 0 {
		pol.Run.MaxParallel = runMaxParallel
	}
	if runMaxRetries >= 0 {
		pol.Run.MaxRetries = runMaxRetries
	}
	if cmd.Flags().Changed("partial") {
		pol.Run.PartialCompletion = runPartial
	}

	registry, err := buildRegistry(cfg, workers)
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithPolicy(pol),
		orchestrator.WithLogger(logger),
		orchestrator.WithCriteria(g.Criteria),
		orchestrator.WithGraphName(g.Name),
		orchestrator.WithRunID(runID),
	}

	if cfg.State.Enabled && !runNoJournal {
		db, err := openJournal(cfg.State.Path)
		if err != nil {
			logger.Warn("run journal unavailable, continuing without it", zap.Error(err))
		} else {
			defer db.Close()
			opts = append(opts, orchestrator.WithJournal(db))
		}
	}

	executor := exec.NewCommandExecutor(
		exec.WithWorkDir(runWorkDir),
		exec.WithKillGrace(pol.Run.CancelGrace),
		exec.WithLogger(logger),
	)
	orc, err := orchestrator.New(orchestrator.RequiredConfig{
		Subtasks: g.Subtasks,
		Registry: registry,
		Executor: executor,
	}, opts...)
	if err != nil {
		if errors.Is(err, models.ErrInvalidGraph) {
			return withExitCode(exitInvalidInput, err)
		}
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sinks, err := buildSinks(ctx)
	if err != nil {
		return withExitCode(exitInvalidInput, err)
	}

	// Sinks outlive ctx so the final events still reach them after a cancel.
	sinkCtx, sinkCancel := context.WithCancel(context.Background())
	defer sinkCancel()
	fan := events.NewFanout(pol.Loop.EventBuffer, logger, sinks...)
	var sinkWG conc.WaitGroup
	sinkWG.Go(func() { fan.Run(sinkCtx, orc.Events()) })

	var bg conc.WaitGroup
	if err := startBackground(ctx, &bg, orc, registry); err != nil {
		cancel()
		bg.Wait()
		return withExitCode(exitInvalidInput, err)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nReceived interrupt, cancelling run...")
			orc.Cancel()
		case <-ctx.Done():
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Running %s (%d subtasks, %d workers) as run %s\n",
		g.Name, len(g.Subtasks), registry.Len(), orc.RunID())

	report, runErr := orc.Run(ctx)
	cancel()
	bg.Wait()

	drained := make(chan struct{})
	go func() {
		sinkWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(sinkDrainTimeout):
		logger.Warn("event sinks did not drain in time")
		sinkCancel()
		<-drained
	}

	if report == nil {
		return runErr
	}
	if runJSON {
		if err := printReportJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
	} else {
		printReport(cmd.OutOrStdout(), report)
	}
	for sink, n := range fan.Dropped() {
		if n > 0 {
			logger.Warn("event sink dropped events", zap.String("sink", sink), zap.Uint64("dropped", n))
		}
	}

	if code := report.Outcome.ExitCode(); code != 0 {
		return withExitCode(code, nil)
	}
	return nil
}

// loadInputs reads the graph and workers files.
func loadInputs(graphPath, workersPath string) (*loader.Graph, *loader.Workers, error) {
	g, err := loader.LoadGraph(graphPath)
	if err != nil {
		return nil, nil, err
	}
	workers, err := loader.LoadWorkers(workersPath)
	if err != nil {
		return nil, nil, err
	}
	return g, workers, nil
}

// buildRegistry registers workers with routing from config. Fallback chains
// in the workers file take precedence over config for the same tag.
func buildRegistry(c *config.Config, workers *loader.Workers) (*router.Registry, error) {
	ropts, err := c.RouterOptions()
	if err != nil {
		return nil, err
	}
	ropts = append(ropts,
		router.WithFallbackTiers(workers.FallbackTiers),
		router.WithLogger(logger),
	)
	reg := router.New(ropts...)
	if err := workers.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// openJournal opens the state journal and closes out runs left running by
// a previous process.
func openJournal(path string) (*state.DB, error) {
	db, err := state.Open(path)
	if err != nil {
		return nil, err
	}
	before, err := db.SchemaVersion()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	if before < state.LatestSchemaVersion() {
		logger.Debug("journal migrated",
			zap.String("path", db.Path()),
			zap.Int("from", before),
			zap.Int("to", state.LatestSchemaVersion()))
	}
	interrupted, err := db.RecoverInterrupted(time.Now())
	if err != nil {
		logger.Warn("recovering interrupted runs failed", zap.Error(err))
	}
	for _, r := range interrupted {
		logger.Warn("previous run was interrupted",
			zap.String("run_id", r.RunID),
			zap.Int("unfinished", r.Unfinished),
			zap.Int("open_escalations", r.OpenEscalations))
	}
	return db, nil
}

func buildSinks(ctx context.Context) ([]events.Sink, error) {
	sinks := []events.Sink{events.NewLogSink(logger)}

	if addr := metricsAddr(); addr != "" {
		sinks = append(sinks, metrics.NewCollector(prometheus.DefaultRegisterer))
	}

	redisCfg := cfg.Events.Redis
	if runRedisAddr != "" {
		redisCfg.Enabled = true
		redisCfg.Addr = runRedisAddr
	}
	if redisCfg.Enabled {
		pw, err := config.RedisPassword(cfg)
		if err != nil {
			return nil, fmt.Errorf("redis password: %w", err)
		}
		rs, err := redisstream.New(ctx, redisstream.Config{
			Addr:     redisCfg.Addr,
			Password: pw,
			DB:       redisCfg.DB,
			Stream:   redisCfg.Stream,
			MaxLen:   redisCfg.MaxLen,
		}, logger)
		if err != nil {
			logger.Warn("redis event sink unavailable, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, rs)
		}
	}

	if runEventsOut != "" {
		f, err := os.Create(runEventsOut)
		if err != nil {
			return nil, fmt.Errorf("create events file: %w", err)
		}
		sinks = append(sinks, events.NewJSONLSink(f))
	}
	return sinks, nil
}

func metricsAddr() string {
	if runMetricsAddr != "" {
		return runMetricsAddr
	}
	return cfg.Metrics.Addr
}

// startBackground starts the optional metrics server and watchers. They
// stop when ctx is done.
func startBackground(ctx context.Context, wg *conc.WaitGroup, orc *orchestrator.Orchestrator, reg *router.Registry) error {
	if addr := metricsAddr(); addr != "" {
		srv, err := metrics.Listen(addr, prometheus.DefaultGatherer, logger)
		if err != nil {
			return err
		}
		wg.Go(func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		})
	}

	if runWatchWorkers {
		base, err := cfg.FallbackTiers()
		if err != nil {
			return err
		}
		w, err := loader.NewWatcher(runWorkersFile, reg,
			loader.WithBaseFallbackTiers(base),
			loader.WithWatchLogger(logger))
		if err != nil {
			return err
		}
		wg.Go(func() { w.Run(ctx) })
	}

	if runControlDir != "" {
		if err := control.Clear(runControlDir); err != nil {
			return fmt.Errorf("clear control dir: %w", err)
		}
		w, err := control.NewWatcher(runControlDir, orc, logger)
		if err != nil {
			return err
		}
		wg.Go(func() { w.Run(ctx) })
	}
	return nil
}
