package harness

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/pool"
	"github.com/roach88/simharness/internal/proc"
	"github.com/roach88/simharness/internal/scenario"
	"github.com/roach88/simharness/internal/table"
)

// Harness runs the batch described by a Config. Build it once with New;
// Run may be called more than once, each call producing a new batch.
type Harness struct {
	cfg      *Config
	pipeline *proc.Pipeline
	metadata []table.Column
	points   [][]table.Field
	sources  []scenario.Source // one per sweep point
	policy   aggregate.Policy
	hash     string
	timeout  time.Duration

	logger   *slog.Logger
	ids      IDGenerator
	now      func() time.Time
	observer pool.Observer
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// WithIDGenerator sets the batch ID generator. Default UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(h *Harness) {
		h.ids = g
	}
}

// WithClock sets the function used to timestamp batches. Default time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) {
		h.now = now
	}
}

// WithObserver receives task start and finish notifications.
func WithObserver(o pool.Observer) Option {
	return func(h *Harness) {
		h.observer = o
	}
}

// New validates cfg and builds the pipeline and scenario sources.
// A stage graph that could deadlock fails here with a
// *proc.DeadlockRiskError, before any process starts.
func New(cfg *Config, opts ...Option) (*Harness, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	h := &Harness{
		cfg:    cfg,
		logger: slog.Default(),
		ids:    UUIDv7Generator{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}

	schema, err := table.NewSchema(cfg.Columns...)
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	specs, err := cfg.stageSpecs()
	if err != nil {
		return nil, err
	}
	h.pipeline, err = proc.New(specs, schema, proc.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	if named := h.pipeline.NamedInputs(); len(named) > 0 {
		return nil, fmt.Errorf("stages read named inputs %v, which a batch cannot supply", named)
	}

	h.metadata, h.points, err = cfg.sweepPoints()
	if err != nil {
		return nil, err
	}
	h.policy, _ = aggregate.ParsePolicy(cfg.Policy)
	// The dataset columns must be buildable before any task runs.
	if _, err := aggregate.New(schema, h.metadata, aggregate.WithPolicy(h.policy)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	h.timeout, _ = cfg.timeout()
	if h.hash, err = Fingerprint(cfg); err != nil {
		return nil, err
	}

	h.sources = make([]scenario.Source, len(h.points))
	for i, point := range h.points {
		if h.sources[i], err = h.source(point); err != nil {
			return nil, fmt.Errorf("scenario: %w", err)
		}
	}
	return h, nil
}

func (h *Harness) source(point []table.Field) (scenario.Source, error) {
	sc := h.cfg.Scenario
	switch {
	case len(sc.Command) > 0:
		argv := append([]string(nil), sc.Command...)
		if strings.ContainsRune(argv[0], filepath.Separator) {
			argv[0] = h.cfg.resolve(argv[0])
		}
		return scenario.Command(h.cfg.BaseDir, argv, point...)
	case sc.File != "":
		return scenario.FromFile(h.cfg.resolve(sc.File), point...), nil
	default:
		return scenario.Static([]byte(sc.Inline), point...), nil
	}
}

// Config returns the validated configuration.
func (h *Harness) Config() *Config {
	return h.cfg
}

// Pipeline returns the validated stage graph.
func (h *Harness) Pipeline() *proc.Pipeline {
	return h.pipeline
}

// Metadata returns the sweep parameter columns.
func (h *Harness) Metadata() []table.Column {
	return append([]table.Column(nil), h.metadata...)
}

// Run executes every task and aggregates the results.
//
// Failed tasks are recorded in the report and contribute no rows. A
// *aggregate.SchemaMismatchError stops the batch: remaining tasks are
// cancelled and the error is returned with the partial report. If ctx is
// cancelled the report covers every task, with unfinished ones marked
// cancelled, and the error wraps the cancellation cause.
func (h *Harness) Run(ctx context.Context) (*Report, error) {
	agg, err := aggregate.New(h.pipeline.Schema(), h.metadata, aggregate.WithPolicy(h.policy))
	if err != nil {
		return nil, err
	}

	repeat := h.cfg.Repeat
	tasks := len(h.points) * repeat
	report := &Report{
		BatchID:    h.ids.Generate(),
		ConfigHash: h.hash,
		Name:       h.cfg.Name,
		Policy:     h.policy,
		StartedAt:  h.now(),
		Tasks:      tasks,
		Runs:       make([]RunRecord, tasks),
	}
	logger := h.logger.With("batch", report.BatchID)
	logger.Info("batch started",
		"name", h.cfg.Name,
		"tasks", tasks,
		"points", len(h.points),
		"concurrency", h.cfg.Concurrency,
		"stages", len(h.pipeline.Stages()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	source := func(ctx context.Context, run int) (scenario.Scenario, error) {
		return h.sources[run/repeat](ctx, run)
	}
	opts := pool.Options{
		Tasks:       tasks,
		Concurrency: h.cfg.Concurrency,
		Timeout:     h.timeout,
		Observer:    h.observer,
		Logger:      logger,
	}

	var mismatch error
	for o := range pool.Stream(runCtx, opts, source, h.pipeline) {
		if err := h.fold(report, agg, o, mismatch != nil); err != nil {
			mismatch = err
			logger.Error("aggregation stopped", "run", o.Run, "error", err)
			cancel()
		}
	}
	report.FinishedAt = h.now()

	if mismatch != nil {
		report.Dataset = agg.Dataset()
		return report, mismatch
	}

	ds := agg.Dataset()
	if h.policy == aggregate.PolicyRows {
		ds.SortByRun()
	}
	report.Dataset = ds

	logger.Info("batch finished",
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"rows", ds.Len(),
		"elapsed", report.FinishedAt.Sub(report.StartedAt))

	if ctx.Err() != nil {
		return report, fmt.Errorf("batch cancelled: %w", context.Cause(ctx))
	}
	return report, nil
}

// fold records o in the report and adds its rows to agg. Once the batch has
// stopped, rows are no longer added and successful runs are recorded as
// cancelled. The run whose rows agg rejects is recorded with that error.
func (h *Harness) fold(report *Report, agg *aggregate.Aggregator, o pool.Outcome, stopped bool) error {
	rec := newRunRecord(o)
	rec.Params = h.points[o.Run/h.cfg.Repeat]

	var err error
	switch {
	case rec.Failed():
		// Failures never stop the batch and are recorded by Add only.
		if !stopped {
			err = agg.Add(o, rec.Params)
		}
	case stopped:
		rec.reject(fmt.Errorf("rows discarded: %w", errBatchStopped))
	default:
		if err = agg.Add(o, rec.Params); err != nil {
			rec.reject(err)
		}
	}
	report.Runs[o.Run] = rec
	return err
}
