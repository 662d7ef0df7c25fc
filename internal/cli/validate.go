package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/simharness/internal/harness"
	"github.com/roach88/simharness/internal/table"
)

// ValidateResult describes a config that loaded and built cleanly.
type ValidateResult struct {
	Valid       bool           `json:"valid"`
	Name        string         `json:"name"`
	Stages      []string       `json:"stages"` // start order
	Terminal    string         `json:"terminal"`
	Columns     []table.Column `json:"columns"`
	Metadata    []table.Column `json:"metadata,omitempty"`
	Tasks       int            `json:"tasks"`
	Concurrency int            `json:"concurrency"`
	Policy      string         `json:"policy"`
}

func (r ValidateResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓ %s is valid\n", r.Name)
	fmt.Fprintf(&b, "  stages:   %s (terminal %s)\n", strings.Join(r.Stages, " → "), r.Terminal)
	fmt.Fprintf(&b, "  columns:  %s\n", columnList(r.Columns))
	if len(r.Metadata) > 0 {
		fmt.Fprintf(&b, "  sweep:    %s\n", columnList(r.Metadata))
	}
	fmt.Fprintf(&b, "  tasks:    %d\n", r.Tasks)
	fmt.Fprintf(&b, "  policy:   %s", r.Policy)
	return b.String()
}

func columnList(cols []table.Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.Name + ":" + string(c.Type)
	}
	return strings.Join(parts, " ")
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Check a batch config without running it",
		Long: `Load a batch config, check it against the config schema and build
its pipeline. Stage graphs that could deadlock are rejected here.

No stage process is started.

Examples:
  simharness validate batch.yaml
  simharness validate batch.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := harness.LoadConfig(path)
	if err != nil {
		return fail(formatter, ExitCommandError, CodeConfig, "failed to load config", err)
	}
	formatter.VerboseLog("Loaded %s (%d stage(s))", path, len(cfg.Stages))

	h, err := harness.New(cfg, harness.WithLogger(opts.newLogger(cmd)))
	if err != nil {
		return fail(formatter, ExitCommandError, CodeConfig, "invalid config", err)
	}

	p := h.Pipeline()
	result := ValidateResult{
		Valid:       true,
		Name:        cfg.Name,
		Terminal:    p.Terminal(),
		Columns:     p.Schema(),
		Metadata:    h.Metadata(),
		Tasks:       cfg.Tasks(),
		Concurrency: cfg.Concurrency,
		Policy:      cfg.Policy,
	}
	if result.Policy == "" {
		result.Policy = "rows"
	}
	for _, s := range p.Stages() {
		result.Stages = append(result.Stages, s.Name)
	}
	return formatter.Success(result)
}
