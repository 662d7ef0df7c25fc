package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders the deterministic parts of a report: the dataset as CSV
// followed by one "run,kind,rows" line per task. Timings and batch IDs are
// left out so repeated batches produce identical snapshots.
func Snapshot(r *Report) ([]byte, error) {
	var buf bytes.Buffer
	if r.Dataset != nil {
		if err := r.Dataset.WriteCSV(&buf); err != nil {
			return nil, err
		}
	}
	buf.WriteString("\n# runs\n")
	for _, rec := range r.Runs {
		fmt.Fprintf(&buf, "%d,%s,%d\n", rec.Run, rec.Kind, rec.Rows)
	}
	return buf.Bytes(), nil
}

// RunWithGolden runs the batch and compares its snapshot against
// testdata/golden/{cfg.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness/... -update
func RunWithGolden(t *testing.T, cfg *Config, opts ...Option) (*Report, error) {
	t.Helper()

	h, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	report, err := h.Run(context.Background())
	if err != nil {
		return report, err
	}
	if err := AssertGolden(t, cfg.Name, report); err != nil {
		return report, err
	}
	return report, nil
}

// AssertGolden compares an existing report against a golden file without
// re-running the batch.
func AssertGolden(t *testing.T, name string, r *Report) error {
	t.Helper()

	snapshot, err := Snapshot(r)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, snapshot)
	return nil
}
