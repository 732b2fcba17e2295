package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/switchboard/internal/orchestrator/policy"
	"github.com/ShayCichocki/switchboard/internal/router"
	"github.com/ShayCichocki/switchboard/internal/state"
	"github.com/ShayCichocki/switchboard/internal/store"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Executor runs one subtask on a worker. input holds the subtask's context:
// its declared input artifacts from its dependencies.
// Implementations must honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, worker models.Worker, subtask models.Subtask, input map[string]string) (*models.Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, worker models.Worker, subtask models.Subtask, input map[string]string) (*models.Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, worker models.Worker, subtask models.Subtask, input map[string]string) (*models.Result, error) {
	return f(ctx, worker, subtask, input)
}

// RunJournal durably records a run. *state.DB implements it.
type RunJournal interface {
	store.Journal
	CreateRun(r *state.Run) error
	FinishRun(id string, outcome models.RunOutcome, endedAt time.Time) error
	RecordEscalation(runID string, rec models.EscalationRecord) error
}

var _ RunJournal = (*state.DB)(nil)

// RequiredConfig contains the minimal required configuration for an Orchestrator.
// All fields are required and have no defaults.
type RequiredConfig struct {
	// Subtasks is the graph to run. It is validated by New.
	Subtasks []*models.Subtask
	// Registry holds the workers subtasks are routed to.
	Registry *router.Registry
	// Executor runs a subtask on its selected worker.
	Executor Executor
}

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	policyConfig *policy.Config
	logger       *zap.Logger
	journal      RunJournal
	criteria     []models.Criterion
	runID        string
	graphName    string
	now          func() time.Time
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *orchestratorOptions) { o.policyConfig = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithJournal persists the run, status changes, artifacts, and escalations.
func WithJournal(j RunJournal) Option {
	return func(o *orchestratorOptions) { o.journal = j }
}

// WithCriteria sets run-level quality criteria. Subtask criteria on the same
// metric take precedence.
func WithCriteria(c []models.Criterion) Option {
	return func(o *orchestratorOptions) { o.criteria = append([]models.Criterion(nil), c...) }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(o *orchestratorOptions) { o.runID = id }
}

// WithGraphName labels the run in the journal, usually with the graph file path.
func WithGraphName(name string) Option {
	return func(o *orchestratorOptions) { o.graphName = name }
}

// WithClock overrides time.Now for timestamps, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}
