package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/simharness/internal/store"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	publishOptions

	Database string
}

// ExportResult is the JSON result of the export command.
type ExportResult struct {
	BatchID  string `json:"batch_id"`
	Rows     int    `json:"rows"`
	Out      string `json:"out,omitempty"`
	Uploaded string `json:"uploaded,omitempty"`
}

func (r ExportResult) String() string {
	s := fmt.Sprintf("Exported %d row(s) of %s", r.Rows, r.BatchID)
	if r.Out != "" {
		s += " to " + r.Out
	}
	if r.Uploaded != "" {
		s += "\nUploaded " + r.Uploaded
	}
	return s
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	return newExportCommand(&ExportOptions{RootOptions: rootOpts})
}

func newExportCommand(opts *ExportOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <batch-id>",
		Short: "Write a recorded batch's dataset as CSV",
		Long: `Read the dataset of a recorded batch and write it as CSV, to a file,
to stdout, or to an S3 compatible object store.

Object store credentials come from SIMHARNESS_S3_ENDPOINT,
SIMHARNESS_S3_ACCESS_KEY and SIMHARNESS_S3_SECRET_KEY.

Examples:
  simharness export --db runs.db 0192b4c8-... > results.csv
  simharness export --db runs.db 0192b4c8-... --out results.csv
  simharness export --db runs.db 0192b4c8-... --upload s3://results/`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "-", `CSV file ("-" for stdout)`)
	cmd.Flags().StringVar(&opts.Upload, "upload", "", "upload the CSV to s3://bucket/key")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runExport(opts *ExportOptions, batchID string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	if opts.Out == "-" {
		formatter.Writer = cmd.ErrOrStderr()
	}
	if _, err := opts.uploadTarget(); err != nil {
		return fail(formatter, ExitCommandError, CodeOutput, "invalid upload target", err)
	}

	st, err := openExisting(opts.Database)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	ds, err := st.ReadDataset(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return fail(formatter, ExitCommandError, CodeNotFound, fmt.Sprintf("batch %s not found", batchID), nil)
	}
	if err != nil {
		return fail(formatter, ExitCommandError, CodeStore, "failed to read dataset", err)
	}

	uploaded, err := opts.publish(ctx, ds, batchID+".csv", cmd.OutOrStdout())
	if err != nil {
		return fail(formatter, ExitCommandError, CodeOutput, "failed to publish dataset", err)
	}

	result := ExportResult{BatchID: batchID, Rows: ds.Len()}
	if opts.Out != "-" {
		result.Out = opts.Out
	}
	if uploaded != nil {
		result.Uploaded = uploaded.String()
	}
	if opts.Out == "-" && !formatter.JSON() && !formatter.Verbose {
		// Keep stderr quiet when the CSV is piped.
		return nil
	}
	return formatter.Success(result)
}

// openExisting opens a database that must already exist. store.Open
// would create an empty one.
func openExisting(path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return store.Open(path)
}
