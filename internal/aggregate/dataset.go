package aggregate

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/roach88/simharness/internal/table"
)

// Dataset is the merged result of a batch.
type Dataset struct {
	Schema table.Schema
	Rows   []table.Row
}

// Len returns the number of rows.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Column returns the values of the named column, or nil when the dataset
// has no such column.
func (d *Dataset) Column(name string) []table.Value {
	if d == nil {
		return nil
	}
	t := table.Table{Schema: d.Schema, Rows: d.Rows}
	return t.Column(name)
}

// SortByRun orders rows by run index, keeping the original order of rows
// within a run. Datasets without a run column are left unchanged.
func (d *Dataset) SortByRun() {
	idx := d.Schema.Index(RunColumn)
	if idx < 0 {
		return
	}
	sort.SliceStable(d.Rows, func(i, j int) bool {
		return d.Rows[i][idx].(table.Int) < d.Rows[j][idx].(table.Int)
	})
}

// WriteCSV writes a header row followed by every row. NaN is written as
// "NaN".
func (d *Dataset) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(d.Schema.Names()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(d.Schema))
	for i, r := range d.Rows {
		for j, v := range r {
			record[j] = v.String()
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Mean collapses the dataset into one row per distinct metadata tuple.
// The first resultCols columns are the result columns; the column after
// them must be the run column and the rest are metadata.
//
// Each output row holds the mean of every numeric result column, then the
// metadata values, then the number of runs in the group. NaN values are
// skipped; a column with no other values averages to NaN. Groups are
// ordered by their lowest run index.
func (d *Dataset) Mean(resultCols int) *Dataset {
	numeric := make([]int, 0, resultCols)
	out := &Dataset{}
	for i := 0; i < resultCols; i++ {
		if d.Schema[i].Type.Numeric() {
			numeric = append(numeric, i)
			out.Schema = append(out.Schema, table.Column{Name: d.Schema[i].Name, Type: table.TypeFloat})
		}
	}
	metaStart := resultCols + 1
	out.Schema = append(out.Schema, d.Schema[metaStart:]...)
	out.Schema = append(out.Schema, table.Column{Name: RunsColumn, Type: table.TypeInt})

	type group struct {
		meta     table.Row
		firstRun table.Int
		runs     map[table.Int]bool
		sums     []float64
		counts   []int
	}
	groups := make(map[string]*group)
	for _, r := range d.Rows {
		key := groupKey(r[metaStart:])
		g, ok := groups[key]
		run := r[resultCols].(table.Int)
		if !ok {
			g = &group{
				meta:     r[metaStart:],
				firstRun: run,
				runs:     make(map[table.Int]bool),
				sums:     make([]float64, len(numeric)),
				counts:   make([]int, len(numeric)),
			}
			groups[key] = g
		}
		g.runs[run] = true
		if run < g.firstRun {
			g.firstRun = run
		}
		for k, col := range numeric {
			f, _ := table.Float64(r[col])
			if math.IsNaN(f) {
				continue
			}
			g.sums[k] += f
			g.counts[k]++
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].firstRun < ordered[j].firstRun })

	for _, g := range ordered {
		row := make(table.Row, 0, len(out.Schema))
		for k := range numeric {
			mean := math.NaN()
			if g.counts[k] > 0 {
				mean = g.sums[k] / float64(g.counts[k])
			}
			row = append(row, table.Float(mean))
		}
		row = append(row, g.meta...)
		row = append(row, table.Int(len(g.runs)))
		out.Rows = append(out.Rows, row)
	}
	return out
}

func groupKey(meta table.Row) string {
	var b strings.Builder
	for _, v := range meta {
		b.WriteString(string(v.Type()))
		b.WriteByte(':')
		b.WriteString(v.String())
		b.WriteByte(0)
	}
	return b.String()
}
