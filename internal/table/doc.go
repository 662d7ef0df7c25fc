// Package table provides the typed tabular values exchanged between the
// harness and the external engines.
//
// An engine reports its metrics on standard output as comma-separated rows
// with no header. The caller declares the column list and the type of every
// column up front as a Schema; Decode turns the byte stream into a Table and
// rejects any row whose arity or values disagree with the schema.
//
// Supported column types:
//   - float:  float64 (accepts NaN and Inf spellings understood by strconv)
//   - uint:   uint64
//   - int:    int64
//   - string: raw field text
//
// Column names are compared after NFC normalization so that two schemas
// written with different Unicode compositions of the same name are equal.
//
// This package imports nothing internal. Every other package builds on it.
package table
