package proc

import (
	"fmt"
	"strconv"
	"strings"
)

// InputKind selects where a stage input comes from.
type InputKind int

const (
	// InputNone connects the null device.
	InputNone InputKind = iota
	// InputPayload streams the scenario payload.
	InputPayload
	// InputStage hands over another stage's live stdout.
	InputStage
	// InputNamed streams a caller-supplied reader passed to Start.
	InputNamed
)

// InputRef names the source of a stage's stdin or of one extra input.
type InputRef struct {
	Kind InputKind
	Name string // stage name for InputStage, input name for InputNamed
}

// None returns a reference to the null device.
func None() InputRef { return InputRef{Kind: InputNone} }

// Payload returns a reference to the scenario payload.
func Payload() InputRef { return InputRef{Kind: InputPayload} }

// FromStage returns a reference to the stdout of the named stage.
func FromStage(name string) InputRef { return InputRef{Kind: InputStage, Name: name} }

// Named returns a reference to a named input supplied at Start.
func Named(name string) InputRef { return InputRef{Kind: InputNamed, Name: name} }

// ParseInputRef parses the textual form used in configuration files:
// "" or "none", "payload", "stage:<name>" and "input:<name>".
func ParseInputRef(s string) (InputRef, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "none":
		return None(), nil
	case s == "payload":
		return Payload(), nil
	case strings.HasPrefix(s, "stage:"):
		name := strings.TrimPrefix(s, "stage:")
		if name == "" {
			return InputRef{}, fmt.Errorf("input %q: missing stage name", s)
		}
		return FromStage(name), nil
	case strings.HasPrefix(s, "input:"):
		name := strings.TrimPrefix(s, "input:")
		if name == "" {
			return InputRef{}, fmt.Errorf("input %q: missing input name", s)
		}
		return Named(name), nil
	default:
		return InputRef{}, fmt.Errorf("input %q: expected none, payload, stage:<name> or input:<name>", s)
	}
}

func (r InputRef) String() string {
	switch r.Kind {
	case InputPayload:
		return "payload"
	case InputStage:
		return "stage:" + r.Name
	case InputNamed:
		return "input:" + r.Name
	default:
		return "none"
	}
}

// StageSpec describes one engine invocation. It is shared read-only by every
// task that runs the pipeline.
type StageSpec struct {
	Name    string
	Command []string // argv; Command[0] is resolved through PATH
	Dir     string
	Env     []string // KEY=VALUE entries appended to the parent environment

	Stdin InputRef
	// ExtraInputs become descriptors 3, 4, ... in the child, in order.
	ExtraInputs []InputRef
}

// extraFD is the descriptor number the child sees for extra input i.
func extraFD(i int) int {
	return 3 + i
}

// ExtraInputPath is the path a child process can open to read extra
// input i.
func ExtraInputPath(i int) string {
	return "/dev/fd/" + strconv.Itoa(extraFD(i))
}

// expandArgs replaces {extra:i} tokens with ExtraInputPath(i).
func expandArgs(args []string, extras int) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		expanded, err := expandArg(a, extras)
		if err != nil {
			return nil, err
		}
		out[i] = expanded
	}
	return out, nil
}

func expandArg(arg string, extras int) (string, error) {
	var b strings.Builder
	rest := arg
	for {
		start := strings.Index(rest, "{extra:")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end += start
		idx, err := strconv.Atoi(rest[start+len("{extra:") : end])
		if err != nil || idx < 0 {
			return "", fmt.Errorf("argument %q: invalid extra input token", arg)
		}
		if idx >= extras {
			return "", fmt.Errorf("argument %q: extra input %d not declared", arg, idx)
		}
		b.WriteString(rest[:start])
		b.WriteString(ExtraInputPath(idx))
		rest = rest[end+1:]
	}
}
