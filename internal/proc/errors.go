package proc

import (
	"errors"
	"fmt"
	"strings"
)

// SpawnError reports that a stage's executable could not be started
// (missing binary, permission denied, bad working directory).
type SpawnError struct {
	Stage   string
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn stage %q (%s): %v", e.Stage, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// StageFailure reports a stage that exited with a non-zero status.
type StageFailure struct {
	Stage    string
	ExitCode int    // -1 when the process was killed by a signal
	Stderr   string // tail of the stage's standard error
	Err      error
}

func (e *StageFailure) Error() string {
	msg := fmt.Sprintf("stage %q exited with code %d", e.Stage, e.ExitCode)
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return msg
}

func (e *StageFailure) Unwrap() error {
	return e.Err
}

// DeadlockRiskError reports a pipeline graph that could stall or corrupt a
// stream at run time, such as a stage output nobody reads.
type DeadlockRiskError struct {
	Stage  string
	Reason string
}

func (e *DeadlockRiskError) Error() string {
	return fmt.Sprintf("deadlock risk at stage %q: %s", e.Stage, e.Reason)
}

// IsSpawnError reports whether err is or wraps a *SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// IsStageFailure reports whether err is or wraps a *StageFailure.
func IsStageFailure(err error) bool {
	var sf *StageFailure
	return errors.As(err, &sf)
}

// IsDeadlockRisk reports whether err is or wraps a *DeadlockRiskError.
func IsDeadlockRisk(err error) bool {
	var de *DeadlockRiskError
	return errors.As(err, &de)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
