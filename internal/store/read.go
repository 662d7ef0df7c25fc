package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/table"
)

// ErrNotFound is returned when a batch does not exist.
var ErrNotFound = errors.New("batch not found")

const batchColumns = `
	b.id, b.name, b.description, b.policy, b.config_hash, b.columns, b.tasks, b.started_at, b.finished_at,
	(SELECT COUNT(*) FROM runs r WHERE r.batch_id = b.id AND r.kind != 'ok'),
	(SELECT COUNT(*) FROM dataset_rows w WHERE w.batch_id = b.id)
`

// ListBatches returns every stored batch, most recent first.
// Returns an empty slice (not nil) if there are none.
func (s *Store) ListBatches(ctx context.Context) ([]Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+`
		FROM batches b
		ORDER BY b.started_at DESC, b.id COLLATE BINARY ASC
	`)
}

// ListBatchesByConfig returns the batches whose config fingerprint is
// hash, most recent first.
func (s *Store) ListBatchesByConfig(ctx context.Context, hash string) ([]Batch, error) {
	return s.queryBatches(ctx, `
		SELECT `+batchColumns+`
		FROM batches b
		WHERE b.config_hash = ?
		ORDER BY b.started_at DESC, b.id COLLATE BINARY ASC
	`, hash)
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := []Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

// ReadBatch returns one batch summary.
// Returns ErrNotFound if no such batch exists.
func (s *Store) ReadBatch(ctx context.Context, id string) (Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches b
		WHERE b.id = ?
	`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	return b, err
}

// ReadRuns returns the runs of a batch ordered by run index.
func (s *Store) ReadRuns(ctx context.Context, batchID string) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT run, kind, error, row_count, params, duration_ns
		FROM runs
		WHERE batch_id = ?
		ORDER BY run ASC
	`, batchID)
}

// ReadFailures returns the failed runs of a batch ordered by run index.
func (s *Store) ReadFailures(ctx context.Context, batchID string) ([]Run, error) {
	return s.queryRuns(ctx, `
		SELECT run, kind, error, row_count, params, duration_ns
		FROM runs
		WHERE batch_id = ? AND kind != 'ok'
		ORDER BY run ASC
	`, batchID)
}

func (s *Store) queryRuns(ctx context.Context, query, batchID string) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		var (
			r          Run
			paramsJSON string
			durationNS int64
		)
		if err := rows.Scan(&r.Run, &r.Kind, &r.Error, &r.Rows, &paramsJSON, &durationNS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if r.Params, err = unmarshalParams(paramsJSON); err != nil {
			return nil, fmt.Errorf("run %d: %w", r.Run, err)
		}
		r.Duration = time.Duration(durationNS)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadDataset rebuilds the dataset stored with a batch, rows in their
// original order.
// Returns ErrNotFound if no such batch exists.
func (s *Store) ReadDataset(ctx context.Context, batchID string) (*aggregate.Dataset, error) {
	b, err := s.ReadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM dataset_rows
		WHERE batch_id = ?
		ORDER BY seq ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rows.Close()

	ds := &aggregate.Dataset{Schema: b.Columns, Rows: make([]table.Row, 0, b.Rows)}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row, err := table.UnmarshalRow([]byte(data), b.Columns)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", len(ds.Rows), err)
		}
		ds.Rows = append(ds.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return ds, nil
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(sc scanner) (Batch, error) {
	var (
		b                   Batch
		colsJSON            string
		startedAt, finished string
	)
	err := sc.Scan(&b.ID, &b.Name, &b.Description, &b.Policy, &b.ConfigHash, &colsJSON, &b.Tasks, &startedAt, &finished, &b.Failed, &b.Rows)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, err
		}
		return Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	if b.Columns, err = unmarshalColumns(colsJSON); err != nil {
		return Batch{}, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	if b.StartedAt, err = parseTime(startedAt); err != nil {
		return Batch{}, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	if b.FinishedAt, err = parseTime(finished); err != nil {
		return Batch{}, fmt.Errorf("batch %s: %w", b.ID, err)
	}
	return b, nil
}
