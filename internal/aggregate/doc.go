// Package aggregate merges per-run result tables into one dataset.
//
// Every row of the dataset carries the run index of the task that produced
// it and the metadata the caller attached to that task. Tables whose schema
// differs from the declared one are rejected with a SchemaMismatchError and
// never partially appended.
package aggregate
