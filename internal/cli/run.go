package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/harness"
	"github.com/roach88/simharness/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	publishOptions

	Database    string
	Concurrency int
	Repeat      int
	Timeout     time.Duration

	// IDGenerator overrides the batch ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator harness.IDGenerator

	// Clock overrides batch timestamps (for testing).
	Clock func() time.Time
}

// RunSummary is the result of the run command.
type RunSummary struct {
	BatchID   string       `json:"batch_id"`
	Config    string       `json:"config_hash"`
	Name      string       `json:"name"`
	Policy    string       `json:"policy"`
	Tasks     int          `json:"tasks"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Rows      int          `json:"rows"`
	Elapsed   string       `json:"elapsed"`
	Out       string       `json:"out,omitempty"`
	Uploaded  string       `json:"uploaded,omitempty"`
	Failures  []RunFailure `json:"failures,omitempty"`
}

// RunFailure describes one failed run.
type RunFailure struct {
	Run   int    `json:"run"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s RunSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch %s (%s)\n", s.BatchID, s.Name)
	fmt.Fprintf(&b, "  policy:    %s\n", s.Policy)
	fmt.Fprintf(&b, "  tasks:     %d\n", s.Tasks)
	fmt.Fprintf(&b, "  succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(&b, "  failed:    %d\n", s.Failed)
	fmt.Fprintf(&b, "  rows:      %d", s.Rows)
	if s.Out != "" {
		fmt.Fprintf(&b, "\n  out:       %s", s.Out)
	}
	if s.Uploaded != "" {
		fmt.Fprintf(&b, "\n  uploaded:  %s", s.Uploaded)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(&b, "\n  run %d: %s: %s", f.Run, f.Kind, f.Error)
	}
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <config>",
		Short: "Run a batch",
		Long: `Run every task of the batch described by a YAML or CUE config and
aggregate the results.

Failed runs are reported and contribute no rows; the other runs still
finish. Ctrl-C cancels the batch and kills every running stage.

Exit codes:
  0 - Every run succeeded
  1 - One or more runs failed, or the batch was cancelled
  2 - Command error (invalid config, schema mismatch, database or upload failure)

Examples:
  simharness run batch.yaml --out results.csv
  simharness run batch.cue --db runs.db --concurrency 8
  simharness run batch.yaml --upload s3://results/sweeps/`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the batch in this SQLite database")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", `write the dataset as CSV ("-" for stdout)`)
	cmd.Flags().StringVar(&opts.Upload, "upload", "", "upload the CSV to s3://bucket/key")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "override the config's concurrency")
	cmd.Flags().IntVar(&opts.Repeat, "repeat", 0, "override the config's repeat count")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "override the config's per-task timeout")

	return cmd
}

func runBatch(opts *RunOptions, path string, cmd *cobra.Command) error {
	logger := opts.newLogger(cmd)
	formatter := opts.formatter(cmd)
	if opts.Out == "-" {
		// The CSV owns stdout.
		formatter.Writer = cmd.ErrOrStderr()
	}

	cfg, err := harness.LoadConfig(path)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeConfig, "failed to load config", err)
	}
	if opts.Concurrency > 0 {
		cfg.Concurrency = opts.Concurrency
	}
	if opts.Repeat > 0 {
		cfg.Repeat = opts.Repeat
	}
	if opts.Timeout > 0 {
		cfg.Timeout = opts.Timeout.String()
	}

	hopts := []harness.Option{harness.WithLogger(logger)}
	if opts.IDGenerator != nil {
		hopts = append(hopts, harness.WithIDGenerator(opts.IDGenerator))
	}
	if opts.Clock != nil {
		hopts = append(hopts, harness.WithClock(opts.Clock))
	}
	h, err := harness.New(cfg, hopts...)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeConfig, "invalid config", err)
	}
	if _, err := opts.uploadTarget(); err != nil {
		return fail(formatter, ExitCommandError, CodeOutput, "invalid upload target", err)
	}

	var st *store.Store
	if opts.Database != "" {
		logger.Debug("opening database", "path", opts.Database)
		st, err = store.Open(opts.Database)
		if err != nil {
			return fail(formatter, ExitCommandError, CodeStore, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, cancelling batch", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	report, runErr := h.Run(ctx)
	if report == nil {
		return fail(formatter, ExitCommandError, CodeConfig, "batch did not start", runErr)
	}
	if aggregate.IsSchemaMismatch(runErr) {
		return fail(formatter, ExitCommandError, CodeSchemaMismatch, "output does not match declared columns", runErr)
	}

	if st != nil {
		// Detached so a cancelled batch is still recorded.
		storeCtx := context.WithoutCancel(ctx)
		if err := st.WriteBatch(storeCtx, batchRecord(cfg, report), runRecords(report), report.Dataset); err != nil {
			return fail(formatter, ExitCommandError, CodeStore, "failed to record batch", err)
		}
		logger.Info("batch recorded", "batch", report.BatchID, "db", opts.Database)
	}

	uploaded, err := opts.publish(context.WithoutCancel(ctx), report.Dataset, report.BatchID+".csv", cmd.OutOrStdout())
	if err != nil {
		return fail(formatter, ExitCommandError, CodeOutput, "failed to publish dataset", err)
	}

	summary := summarize(report)
	if opts.Out != "-" {
		summary.Out = opts.Out
	}
	if uploaded != nil {
		summary.Uploaded = uploaded.String()
	}

	switch {
	case runErr != nil:
		return failWith(formatter, ExitFailure, CodeCancelled, "batch cancelled", runErr, summary)
	case summary.Failed > 0:
		msg := fmt.Sprintf("%d of %d runs failed", summary.Failed, summary.Tasks)
		return failWith(formatter, ExitFailure, CodeRunsFailed, msg, nil, summary)
	}
	return formatter.Success(summary)
}

func summarize(r *harness.Report) RunSummary {
	s := RunSummary{
		BatchID:   r.BatchID,
		Config:    r.ConfigHash,
		Name:      r.Name,
		Policy:    string(r.Policy),
		Tasks:     r.Tasks,
		Succeeded: r.Succeeded(),
		Failed:    r.Failed(),
		Rows:      r.Dataset.Len(),
		Elapsed:   r.FinishedAt.Sub(r.StartedAt).String(),
	}
	for _, rec := range r.Runs {
		if rec.Failed() {
			s.Failures = append(s.Failures, RunFailure{Run: rec.Run, Kind: rec.Kind, Error: rec.Error})
		}
	}
	return s
}

func batchRecord(cfg *harness.Config, r *harness.Report) store.Batch {
	return store.Batch{
		ID:          r.BatchID,
		Name:        r.Name,
		Description: cfg.Description,
		Policy:      string(r.Policy),
		ConfigHash:  r.ConfigHash,
		Columns:     r.Dataset.Schema,
		Tasks:       r.Tasks,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}

func runRecords(r *harness.Report) []store.Run {
	runs := make([]store.Run, len(r.Runs))
	for i, rec := range r.Runs {
		runs[i] = store.Run{
			Run:      rec.Run,
			Kind:     rec.Kind,
			Error:    rec.Error,
			Rows:     rec.Rows,
			Params:   rec.Params,
			Duration: rec.Duration,
		}
	}
	return runs
}

// fail reports err through the formatter and returns it with an exit code.
func fail(f *OutputFormatter, exit int, code, message string, err error) error {
	return failWith(f, exit, code, message, err, nil)
}

func failWith(f *OutputFormatter, exit int, code, message string, err error, details any) error {
	text := message
	if err != nil {
		text = message + ": " + err.Error()
	}
	if v, ok := details.(fmt.Stringer); ok && !f.JSON() {
		fmt.Fprintln(f.Writer, v)
		details = nil
	}
	if outErr := f.Error(code, text, details); outErr != nil {
		slog.Default().Warn("could not write error output", "error", outErr)
	}
	return WrapExitError(exit, message, err)
}
