package aggregate

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simharness/internal/pool"
	"github.com/roach88/simharness/internal/table"
)

var (
	resultSchema = table.MustSchema(
		table.Column{Name: "t", Type: table.TypeFloat},
		table.Column{Name: "e", Type: table.TypeUint},
	)
	sizeMeta = []table.Column{{Name: "N", Type: table.TypeInt}}
)

func outcome(run int, rows ...table.Row) pool.Outcome {
	return pool.Outcome{Run: run, Table: &table.Table{Schema: resultSchema, Rows: rows}}
}

func row(t float64, e uint64) table.Row {
	return table.Row{table.Float(t), table.Uint(e)}
}

func size(n int) []table.Field {
	return []table.Field{table.F("N", table.Int(n))}
}

func TestNewColumns(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)
	assert.Equal(t, []string{"t", "e", "run", "N"}, agg.Columns().Names())

	_, err = New(resultSchema, []table.Column{{Name: "run", Type: table.TypeInt}})
	assert.Error(t, err, "metadata may not shadow the run column")

	_, err = New(nil, sizeMeta)
	assert.Error(t, err)

	_, err = New(resultSchema, nil, WithPolicy("median"))
	assert.Error(t, err)
}

func TestRowCountIsSumOfRuns(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)

	want := 0
	var wg sync.WaitGroup
	for run := 0; run < 20; run++ {
		rows := make([]table.Row, run%4)
		for i := range rows {
			rows[i] = row(float64(i), uint64(run))
		}
		want += len(rows)

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, agg.Add(outcome(run, rows...), size(100)))
		}()
	}
	wg.Wait()

	ds := agg.Dataset()
	assert.Equal(t, want, ds.Len())
	assert.Equal(t, 20, agg.Succeeded())

	// Every row keeps the run that produced it.
	runIdx := ds.Schema.Index(RunColumn)
	for _, r := range ds.Rows {
		assert.Equal(t, table.Int(r[1].(table.Uint)), r[runIdx])
		assert.Equal(t, table.Int(100), r[3])
	}
}

func TestFailedRunsAddNoRows(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)

	boom := errors.New("exit status 3")
	require.NoError(t, agg.Add(outcome(0, row(1, 1)), size(5)))
	require.NoError(t, agg.Add(pool.Outcome{Run: 4, Err: boom}, size(5)))
	require.NoError(t, agg.Add(pool.Outcome{Run: 2, Err: context.Canceled}, size(5)))

	assert.Equal(t, 1, agg.Len())
	failures := agg.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, 2, failures[0].Run)
	assert.Equal(t, 4, failures[1].Run)
	assert.ErrorIs(t, failures[1].Err, boom)
}

func TestSchemaMismatchLeavesRowsIntact(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(0, row(1, 1), row(2, 2)), size(5)))

	other := table.MustSchema(
		table.Column{Name: "t", Type: table.TypeFloat},
		table.Column{Name: "e", Type: table.TypeFloat},
	)
	tests := []struct {
		name string
		o    pool.Outcome
		meta []table.Field
	}{
		{"column type", pool.Outcome{Run: 1, Table: &table.Table{Schema: other, Rows: []table.Row{{table.Float(1), table.Float(2)}}}}, size(5)},
		{"missing table", pool.Outcome{Run: 1}, size(5)},
		{"short row", pool.Outcome{Run: 1, Table: &table.Table{Schema: resultSchema, Rows: []table.Row{row(1, 1), {table.Float(3)}}}}, size(5)},
		{"missing metadata", outcome(1, row(3, 3)), nil},
		{"unknown metadata", outcome(1, row(3, 3)), []table.Field{table.F("noise", table.Float(0.1))}},
		{"metadata type", outcome(1, row(3, 3)), []table.Field{table.F("N", table.String("five"))}},
		{"extra metadata", outcome(1, row(3, 3)), append(size(5), table.F("k", table.Int(2)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := agg.Add(tt.o, tt.meta)
			require.Error(t, err)
			assert.True(t, IsSchemaMismatch(err), "got %v", err)

			ds := agg.Dataset()
			require.Equal(t, 2, ds.Len())
			assert.Equal(t, row(1, 1), ds.Rows[0][:2])
			assert.Equal(t, row(2, 2), ds.Rows[1][:2])
		})
	}
}

func TestAddRejectsDuplicateRun(t *testing.T) {
	agg, err := New(resultSchema, nil)
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(3, row(1, 1)), nil))
	assert.Error(t, agg.Add(outcome(3, row(1, 1)), nil))
	assert.Equal(t, 1, agg.Len())
}

func TestMergeUsesOutcomeParams(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)

	o := outcome(0, row(1, 1))
	o.Params = size(7)
	require.NoError(t, agg.Merge(o, pool.Outcome{Run: 1, Err: errors.New("spawn")}))

	ds := agg.Dataset()
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, table.Int(7), ds.Rows[0][3])
	assert.Len(t, agg.Failures(), 1)
}

func TestMeanPolicy(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta, WithPolicy(PolicyMean))
	require.NoError(t, err)

	require.NoError(t, agg.Add(outcome(3, row(4, 10)), size(20)))
	require.NoError(t, agg.Add(outcome(1, row(1, 2), row(math.NaN(), 4)), size(10)))
	require.NoError(t, agg.Add(outcome(0, row(2, 6)), size(10)))
	require.NoError(t, agg.Add(outcome(2, row(8, 30)), size(20)))

	ds := agg.Dataset()
	assert.Equal(t, []string{"t", "e", "N", "runs"}, ds.Schema.Names())
	assert.Equal(t, table.TypeFloat, ds.Schema[1].Type)
	require.Equal(t, 2, ds.Len())

	// N=10 holds runs 0 and 1, so it sorts first.
	assert.Equal(t, table.Row{table.Float(1.5), table.Float(4), table.Int(10), table.Int(2)}, ds.Rows[0])
	assert.Equal(t, table.Row{table.Float(6), table.Float(20), table.Int(20), table.Int(2)}, ds.Rows[1])
}

func TestMeanAllNaN(t *testing.T) {
	agg, err := New(resultSchema, nil, WithPolicy(PolicyMean))
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(0, row(math.NaN(), 1)), nil))

	ds := agg.Dataset()
	require.Equal(t, 1, ds.Len())
	assert.True(t, math.IsNaN(float64(ds.Rows[0][0].(table.Float))))
	assert.Equal(t, table.Int(1), ds.Rows[0][2])
}

func TestMeanReservesRunsColumn(t *testing.T) {
	_, err := New(resultSchema, []table.Column{{Name: RunsColumn, Type: table.TypeInt}}, WithPolicy(PolicyMean))
	assert.Error(t, err)

	counted := table.MustSchema(table.Column{Name: RunsColumn, Type: table.TypeUint})
	_, err = New(counted, nil, WithPolicy(PolicyMean))
	assert.Error(t, err)

	// Under the rows policy nothing adds a runs column.
	_, err = New(counted, nil)
	assert.NoError(t, err)
}

func TestDatasetColumn(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(1, row(3, 30)), size(20)))
	require.NoError(t, agg.Add(outcome(0, row(1, 10), row(2, 20)), size(10)))

	ds := agg.Dataset()
	ds.SortByRun()
	assert.Equal(t, []table.Value{table.Int(0), table.Int(0), table.Int(1)}, ds.Column(RunColumn))
	assert.Equal(t, []table.Value{table.Int(10), table.Int(10), table.Int(20)}, ds.Column("N"))
	assert.Nil(t, ds.Column("missing"))

	var empty *Dataset
	assert.Nil(t, empty.Column(RunColumn))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyRows, p)

	p, err = ParsePolicy("mean")
	require.NoError(t, err)
	assert.Equal(t, PolicyMean, p)

	_, err = ParsePolicy("max")
	assert.Error(t, err)
}

func TestWriteCSVGolden(t *testing.T) {
	agg, err := New(resultSchema, sizeMeta)
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(1, row(0.5, 2), row(math.NaN(), 3)), size(10)))
	require.NoError(t, agg.Add(outcome(0, row(1, 4)), size(10)))

	ds := agg.Dataset()
	ds.SortByRun()

	var buf bytes.Buffer
	require.NoError(t, ds.WriteCSV(&buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "dataset_rows", buf.Bytes())

	agg, err = New(resultSchema, sizeMeta, WithPolicy(PolicyMean))
	require.NoError(t, err)
	require.NoError(t, agg.Add(outcome(1, row(0.5, 2), row(math.NaN(), 3)), size(10)))
	require.NoError(t, agg.Add(outcome(0, row(1, 4)), size(10)))

	buf.Reset()
	require.NoError(t, agg.Dataset().WriteCSV(&buf))
	g.Assert(t, "dataset_mean", buf.Bytes())
}
