package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/pool"
	"github.com/roach88/simharness/internal/proc"
	"github.com/roach88/simharness/internal/table"
)

// Error kinds returned by Classify.
const (
	KindOK             = "ok"
	KindSpawn          = "spawn"
	KindDeadlockRisk   = "deadlock_risk"
	KindStageFailure   = "stage_failure"
	KindParse          = "parse"
	KindSchemaMismatch = "schema_mismatch"
	KindScenario       = "scenario"
	KindTimeout        = "timeout"
	KindCancelled      = "cancelled"
	KindError          = "error"
)

// Classify returns a stable name for the kind of err. A nil error is
// KindOK.
func Classify(err error) string {
	switch {
	case err == nil:
		return KindOK
	case proc.IsSpawnError(err):
		return KindSpawn
	case proc.IsDeadlockRisk(err):
		return KindDeadlockRisk
	case proc.IsStageFailure(err):
		return KindStageFailure
	case table.IsParseError(err):
		return KindParse
	case aggregate.IsSchemaMismatch(err):
		return KindSchemaMismatch
	case pool.IsScenarioError(err):
		return KindScenario
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindError
	}
}

// RunRecord summarizes one task of a batch.
type RunRecord struct {
	Run      int           `json:"run"`
	Params   []table.Field `json:"-"`
	Rows     int           `json:"rows"`
	Kind     string        `json:"kind"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Failed reports whether the run produced no rows because of an error.
func (r RunRecord) Failed() bool {
	return r.Kind != KindOK
}

// Report is the outcome of a batch.
type Report struct {
	BatchID    string             `json:"batch_id"`
	ConfigHash string             `json:"config_hash"`
	Name       string             `json:"name"`
	Policy     aggregate.Policy   `json:"policy"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Tasks      int                `json:"tasks"`
	Runs       []RunRecord        `json:"runs"` // sorted by run index
	Dataset    *aggregate.Dataset `json:"-"`
}

// Failed returns the number of failed runs.
func (r *Report) Failed() int {
	n := 0
	for _, rec := range r.Runs {
		if rec.Failed() {
			n++
		}
	}
	return n
}

// Succeeded returns the number of runs that contributed rows.
func (r *Report) Succeeded() int {
	return len(r.Runs) - r.Failed()
}

// errBatchStopped marks runs that finished after the batch was stopped.
var errBatchStopped = fmt.Errorf("batch stopped by a schema mismatch: %w", context.Canceled)

// reject marks a run that finished but contributed no rows.
func (r *RunRecord) reject(err error) {
	r.Rows = 0
	r.Kind = Classify(err)
	r.Error = err.Error()
}

func newRunRecord(o pool.Outcome) RunRecord {
	rec := RunRecord{
		Run:      o.Run,
		Params:   o.Params,
		Rows:     o.Table.Len(),
		Kind:     Classify(o.Err),
		Duration: o.Duration,
	}
	if o.Err != nil {
		rec.Rows = 0
		rec.Error = o.Err.Error()
	}
	return rec
}
