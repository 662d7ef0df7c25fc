package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/table"
)

// Batch is the stored summary of one harness batch.
type Batch struct {
	ID          string
	Name        string
	Description string
	Policy      string
	ConfigHash  string       // harness.Fingerprint of the batch config
	Columns     table.Schema // dataset columns
	Tasks       int
	StartedAt   time.Time
	FinishedAt  time.Time

	// Filled in by reads.
	Failed int
	Rows   int
}

// Run is the stored outcome of one task.
type Run struct {
	Run      int
	Kind     string
	Error    string
	Rows     int
	Params   []table.Field
	Duration time.Duration
}

// WriteBatch stores a finished batch with its runs and dataset in one
// transaction. Either everything is written or nothing is.
//
// The batch's Columns are taken from ds. Writing a batch ID that already
// exists is an error.
func (s *Store) WriteBatch(ctx context.Context, b Batch, runs []Run, ds *aggregate.Dataset) error {
	if b.ID == "" {
		return fmt.Errorf("write batch: id is required")
	}
	if ds == nil {
		ds = &aggregate.Dataset{Schema: b.Columns}
	}
	colsJSON, err := marshalColumns(ds.Schema)
	if err != nil {
		return fmt.Errorf("write batch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write batch: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches
		(id, name, description, policy, config_hash, columns, tasks, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID,
		b.Name,
		b.Description,
		b.Policy,
		b.ConfigHash,
		colsJSON,
		b.Tasks,
		formatTime(b.StartedAt),
		formatTime(b.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("write batch %s: %w", b.ID, err)
	}

	runStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO runs
		(batch_id, run, kind, error, row_count, params, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write batch: prepare runs: %w", err)
	}
	defer runStmt.Close()

	for _, r := range runs {
		paramsJSON, err := marshalParams(r.Params)
		if err != nil {
			return fmt.Errorf("write run %d: %w", r.Run, err)
		}
		if _, err := runStmt.ExecContext(ctx, b.ID, r.Run, r.Kind, r.Error, r.Rows, paramsJSON, int64(r.Duration)); err != nil {
			return fmt.Errorf("write run %d: %w", r.Run, err)
		}
	}

	rowStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dataset_rows (batch_id, seq, data) VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write batch: prepare rows: %w", err)
	}
	defer rowStmt.Close()

	for i, row := range ds.Rows {
		data, err := table.MarshalRow(row)
		if err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
		if _, err := rowStmt.ExecContext(ctx, b.ID, i, string(data)); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write batch: commit: %w", err)
	}
	return nil
}

// DeleteBatch removes a batch with its runs and rows.
// Returns ErrNotFound if no such batch exists.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete batch %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
