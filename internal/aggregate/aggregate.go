package aggregate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/simharness/internal/pool"
	"github.com/roach88/simharness/internal/table"
)

// RunColumn is the name of the column holding each row's run index.
const RunColumn = "run"

// RunsColumn is the name of the count column added by PolicyMean.
const RunsColumn = "runs"

// Policy selects how repeated runs are folded into the final dataset.
type Policy string

const (
	// PolicyRows keeps every row of every run.
	PolicyRows Policy = "rows"
	// PolicyMean keeps one row per distinct metadata tuple holding the
	// mean of every numeric result column.
	PolicyMean Policy = "mean"
)

// ParsePolicy converts a configuration string into a Policy.
// The empty string selects PolicyRows.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyRows:
		return PolicyRows, nil
	case PolicyMean:
		return PolicyMean, nil
	default:
		return "", fmt.Errorf("unknown policy %q (want %q or %q)", s, PolicyRows, PolicyMean)
	}
}

// Failure records a run that contributed no rows.
type Failure struct {
	Run    int
	Params []table.Field
	Err    error
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithPolicy sets the repeat policy applied by Dataset. Default PolicyRows.
func WithPolicy(p Policy) Option {
	return func(a *Aggregator) {
		a.policy = p
	}
}

// Aggregator accumulates rows from many runs. It is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	schema   table.Schema // result columns
	metadata table.Schema
	columns  table.Schema // result, run, metadata
	policy   Policy
	rows     []table.Row
	runs     map[int]bool
	failures []Failure
}

// New creates an Aggregator for results with the given schema. Each row is
// extended with the run index and then the metadata columns, in order.
func New(schema table.Schema, metadata []table.Column, opts ...Option) (*Aggregator, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("aggregate: result schema is empty")
	}
	meta, err := table.NewSchema(metadata...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: metadata: %w", err)
	}
	cols, err := schema.Concat(append([]table.Column{{Name: RunColumn, Type: table.TypeInt}}, meta...)...)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	a := &Aggregator{
		schema:   schema,
		metadata: meta,
		columns:  cols,
		policy:   PolicyRows,
		runs:     make(map[int]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	if _, err := ParsePolicy(string(a.policy)); err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	if a.policy == PolicyMean && cols.Index(RunsColumn) >= 0 {
		return nil, fmt.Errorf("aggregate: column name %q is reserved by the %s policy", RunsColumn, PolicyMean)
	}
	return a, nil
}

// Columns returns the dataset columns before any policy is applied.
func (a *Aggregator) Columns() table.Schema {
	return append(table.Schema(nil), a.columns...)
}

// Add folds one task outcome into the dataset. meta supplies a value for
// every declared metadata column.
//
// A failed outcome is recorded in Failures and adds no rows. A table or
// metadata set that does not fit the declared columns yields a
// *SchemaMismatchError and leaves the dataset as it was.
func (a *Aggregator) Add(o pool.Outcome, meta []table.Field) error {
	if o.Failed() {
		a.mu.Lock()
		a.failures = append(a.failures, Failure{Run: o.Run, Params: o.Params, Err: o.Err})
		a.mu.Unlock()
		return nil
	}

	if o.Table == nil {
		return &SchemaMismatchError{Run: o.Run, Expected: a.schema, Reason: "run produced no table"}
	}
	if !a.schema.Equal(o.Table.Schema) {
		return &SchemaMismatchError{Run: o.Run, Expected: a.schema, Got: o.Table.Schema}
	}
	tail, err := a.metadataRow(o.Run, meta)
	if err != nil {
		return err
	}

	// Build every row before taking the lock so a bad row leaves nothing behind.
	rows := make([]table.Row, 0, len(o.Table.Rows))
	for i, r := range o.Table.Rows {
		if len(r) != len(a.schema) {
			return &SchemaMismatchError{
				Run:      o.Run,
				Expected: a.schema,
				Reason:   fmt.Sprintf("row %d has %d values, want %d", i, len(r), len(a.schema)),
			}
		}
		row := make(table.Row, 0, len(a.columns))
		row = append(row, r...)
		row = append(row, tail...)
		rows = append(rows, row)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runs[o.Run] {
		return fmt.Errorf("aggregate: run %d added twice", o.Run)
	}
	a.runs[o.Run] = true
	a.rows = append(a.rows, rows...)
	return nil
}

// metadataRow returns the run value followed by the metadata values in
// declared column order.
func (a *Aggregator) metadataRow(run int, meta []table.Field) (table.Row, error) {
	mismatch := func(format string, args ...any) error {
		return &SchemaMismatchError{Run: run, Expected: a.metadata, Reason: fmt.Sprintf(format, args...)}
	}

	byName := make(map[string]table.Value, len(meta))
	for _, f := range meta {
		name := table.NormalizeName(f.Name)
		if _, dup := byName[name]; dup {
			return nil, mismatch("metadata %q given twice", name)
		}
		byName[name] = f.Value
	}
	if len(byName) != len(a.metadata) {
		return nil, mismatch("got %d metadata values, want %d %v", len(byName), len(a.metadata), a.metadata.Names())
	}

	tail := make(table.Row, 0, 1+len(a.metadata))
	tail = append(tail, table.Int(run))
	for _, col := range a.metadata {
		v, ok := byName[col.Name]
		if !ok {
			return nil, mismatch("missing metadata %q", col.Name)
		}
		if v == nil || v.Type() != col.Type {
			return nil, mismatch("metadata %q is %v, want %s", col.Name, typeOf(v), col.Type)
		}
		tail = append(tail, v)
	}
	return tail, nil
}

func typeOf(v table.Value) string {
	if v == nil {
		return "nil"
	}
	return string(v.Type())
}

// Merge adds each outcome in order, using the outcome's own scenario
// parameters as its metadata. It stops at the first error.
func (a *Aggregator) Merge(outcomes ...pool.Outcome) error {
	for _, o := range outcomes {
		if err := a.Add(o, o.Params); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of rows collected so far.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

// Succeeded returns the number of runs whose rows were added.
func (a *Aggregator) Succeeded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.runs)
}

// Failures returns the failed runs sorted by run index.
func (a *Aggregator) Failures() []Failure {
	a.mu.Lock()
	out := append([]Failure(nil), a.failures...)
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Run < out[j].Run })
	return out
}

// Dataset returns a snapshot of the collected rows with the repeat policy
// applied. Rows appear in arrival order under PolicyRows.
func (a *Aggregator) Dataset() *Dataset {
	a.mu.Lock()
	d := &Dataset{
		Schema: a.Columns(),
		Rows:   append([]table.Row(nil), a.rows...),
	}
	policy := a.policy
	a.mu.Unlock()

	if policy == PolicyMean {
		return d.Mean(len(a.schema))
	}
	return d
}
