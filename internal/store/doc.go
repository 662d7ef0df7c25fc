// Package store provides SQLite-backed storage for harness batches.
//
// A batch is written once, when it finishes, in a single transaction:
//   - batches: one record per batch with its dataset columns
//   - runs: one record per task with its outcome kind, error and row count
//   - dataset_rows: the dataset rows, one JSON array of cell strings per row
//
// Rows keep the order they had in the dataset (seq), so reading a batch back
// yields the dataset that was exported.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
