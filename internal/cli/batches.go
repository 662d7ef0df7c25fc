package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/simharness/internal/store"
	"github.com/roach88/simharness/internal/table"
)

// BatchesOptions holds flags for the batches commands.
type BatchesOptions struct {
	*RootOptions
	Database string
	Config   string // list only batches with this config fingerprint
	Failures bool   // show only failed runs
}

// BatchInfo is one batch in list and show output.
type BatchInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Policy      string    `json:"policy"`
	ConfigHash  string    `json:"config_hash,omitempty"`
	Columns     []string  `json:"columns"`
	Tasks       int       `json:"tasks"`
	Failed      int       `json:"failed"`
	Rows        int       `json:"rows"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// RunInfo is one run in show output.
type RunInfo struct {
	Run        int               `json:"run"`
	Kind       string            `json:"kind"`
	Error      string            `json:"error,omitempty"`
	Rows       int               `json:"rows"`
	Params     map[string]string `json:"params,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// BatchList is the result of batches list.
type BatchList struct {
	Batches []BatchInfo `json:"batches"`
}

func (l BatchList) String() string {
	if len(l.Batches) == 0 {
		return "No batches recorded"
	}
	var b strings.Builder
	for i, info := range l.Batches {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %s  %s  tasks=%d failed=%d rows=%d",
			info.ID, info.StartedAt.UTC().Format(time.RFC3339), info.Name, info.Tasks, info.Failed, info.Rows)
	}
	return b.String()
}

// BatchDetail is the result of batches show.
type BatchDetail struct {
	Batch BatchInfo `json:"batch"`
	Runs  []RunInfo `json:"runs"`
}

func (d BatchDetail) String() string {
	var b strings.Builder
	info := d.Batch
	fmt.Fprintf(&b, "Batch %s (%s)\n", info.ID, info.Name)
	if info.Description != "" {
		fmt.Fprintf(&b, "  %s\n", info.Description)
	}
	fmt.Fprintf(&b, "  policy:   %s\n", info.Policy)
	fmt.Fprintf(&b, "  columns:  %s\n", strings.Join(info.Columns, ","))
	fmt.Fprintf(&b, "  started:  %s\n", info.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  finished: %s\n", info.FinishedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  tasks=%d failed=%d rows=%d", info.Tasks, info.Failed, info.Rows)
	for _, r := range d.Runs {
		fmt.Fprintf(&b, "\n  run %d: %s rows=%d", r.Run, r.Kind, r.Rows)
		if len(r.Params) > 0 {
			fmt.Fprintf(&b, " %s", formatParams(r.Params))
		}
		if r.Error != "" {
			fmt.Fprintf(&b, ": %s", r.Error)
		}
	}
	return b.String()
}

// BatchDeleted is the result of batches delete.
type BatchDeleted struct {
	ID string `json:"id"`
}

func (d BatchDeleted) String() string {
	return "Deleted batch " + d.ID
}

// NewBatchesCommand creates the batches command and its subcommands.
// Without a subcommand it lists batches.
func NewBatchesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect recorded batches",
		Long: `List, show and delete batches recorded with run --db.

Examples:
  simharness batches --db runs.db
  simharness batches --db runs.db --config 3f9a...
  simharness batches show --db runs.db 0192b4c8-... --failures
  simharness batches delete --db runs.db 0192b4c8-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkPersistentFlagRequired("db")
	cmd.Flags().StringVar(&opts.Config, "config", "", "only batches with this config fingerprint")

	list := &cobra.Command{
		Use:           "list",
		Short:         "List batches, most recent first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	list.Flags().StringVar(&opts.Config, "config", "", "only batches with this config fingerprint")

	show := &cobra.Command{
		Use:           "show <batch-id>",
		Short:         "Show a batch and its runs",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}
	show.Flags().BoolVar(&opts.Failures, "failures", false, "only list failed runs")

	del := &cobra.Command{
		Use:           "delete <batch-id>",
		Short:         "Delete a batch with its runs and dataset",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runList(opts *BatchesOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openExisting(opts.Database)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	var batches []store.Batch
	if opts.Config != "" {
		batches, err = st.ListBatchesByConfig(ctx, opts.Config)
	} else {
		batches, err = st.ListBatches(ctx)
	}
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to list batches", err)
	}
	list := BatchList{Batches: make([]BatchInfo, len(batches))}
	for i, b := range batches {
		list.Batches[i] = batchInfo(b)
	}
	return formatter.Success(list)
}

func runShow(opts *BatchesOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openExisting(opts.Database)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	b, err := st.ReadBatch(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return fail(formatter, ExitCommandError, CodeNotFound, fmt.Sprintf("batch %s not found", id), nil)
	}
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to read batch", err)
	}

	read := st.ReadRuns
	if opts.Failures {
		read = st.ReadFailures
	}
	runs, err := read(ctx, id)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to read runs", err)
	}

	detail := BatchDetail{Batch: batchInfo(b), Runs: make([]RunInfo, len(runs))}
	for i, r := range runs {
		detail.Runs[i] = RunInfo{
			Run:        r.Run,
			Kind:       r.Kind,
			Error:      r.Error,
			Rows:       r.Rows,
			Params:     paramMap(r.Params),
			DurationMS: r.Duration.Milliseconds(),
		}
	}
	return formatter.Success(detail)
}

func runDelete(opts *BatchesOptions, id string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	st, err := openExisting(opts.Database)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	err = st.DeleteBatch(commandContext(cmd), id)
	if errors.Is(err, store.ErrNotFound) {
		return fail(formatter, ExitCommandError, CodeNotFound, fmt.Sprintf("batch %s not found", id), nil)
	}
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to delete batch", err)
	}
	return formatter.Success(BatchDeleted{ID: id})
}

func batchInfo(b store.Batch) BatchInfo {
	return BatchInfo{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Policy:      b.Policy,
		ConfigHash:  b.ConfigHash,
		Columns:     b.Columns.Names(),
		Tasks:       b.Tasks,
		Failed:      b.Failed,
		Rows:        b.Rows,
		StartedAt:   b.StartedAt,
		FinishedAt:  b.FinishedAt,
	}
}

func paramMap(params []table.Field) map[string]string {
	if len(params) == 0 {
		return nil
	}
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Name] = p.Value.String()
	}
	return m
}

// formatParams renders params as name=value pairs in sorted name order.
func formatParams(params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + params[name]
	}
	return strings.Join(parts, " ")
}
