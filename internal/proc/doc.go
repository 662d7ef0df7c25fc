// Package proc runs chains of external engine processes for one scenario.
//
// A Pipeline is an immutable, validated graph of StageSpecs. Each call to
// Start materializes it as a RunningPipeline: one OS process per stage, one
// OS pipe per edge, and one writer goroutine per input the orchestrator has
// to feed (the scenario payload or a named caller input).
//
// # Streaming
//
// When a stage consumes another stage's output, the read end of the
// producer's stdout pipe is handed to the consumer at spawn time, either as
// its stdin or as an extra descriptor (fd 3, 4, ...). The orchestrator never
// reads those pipes itself, so peak memory does not depend on output size.
// Argument tokens of the form {extra:i} expand to /dev/fd/<3+i> so engines
// that take file paths can open their extra inputs.
//
// Only the terminal stage's stdout is read by the orchestrator, and it is
// decoded as a table.Table while the rest of the chain is still running.
//
// # Deadlock avoidance
//
// Input writing always happens on goroutines separate from output reading,
// and every writer closes its end on its own exit path. Graphs that would
// leave a producer without a reader (or with two) are rejected by New with
// a DeadlockRiskError.
//
// # Cancellation
//
// Stages run under exec.CommandContext. When the context ends the whole
// process group of every stage is killed, reads on the terminal pipe are
// unblocked, and Wait returns an error wrapping the context error.
package proc
