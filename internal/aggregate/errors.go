package aggregate

import (
	"errors"
	"fmt"

	"github.com/roach88/simharness/internal/table"
)

// SchemaMismatchError reports a result table or metadata set that does not
// match the columns the Aggregator was created with. It points at a
// configuration problem shared by all runs rather than a bad run.
type SchemaMismatchError struct {
	Run      int
	Expected table.Schema
	Got      table.Schema
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("run %d: schema mismatch: %s", e.Run, e.Reason)
	}
	return fmt.Sprintf("run %d: schema mismatch: expected %s, got %s", e.Run, e.Expected, e.Got)
}

// IsSchemaMismatch reports whether err is or wraps a *SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var sm *SchemaMismatchError
	return errors.As(err, &sm)
}
