// Package pool executes many scenario runs with bounded parallelism.
//
// Each task is one call to the scenario source followed by one call to the
// runner (usually a proc.Pipeline). A counting semaphore admits at most
// Concurrency tasks at a time; the rest wait in the submission loop, so the
// number of live OS processes never grows with the task count.
//
// Run indices are assigned in the submission loop, before the task starts,
// and never depend on completion order. The source is called in that same
// loop after admission, so a deterministic source maps run indices to
// scenarios deterministically and at most Concurrency payloads are alive.
//
// Task failures are values: every task produces exactly one Outcome, and a
// failed task never cancels its siblings.
package pool
