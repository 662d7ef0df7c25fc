// Package scenario defines where scenario payloads come from.
//
// A scenario is an opaque byte payload fed to the first stage of a pipeline,
// plus the parameters that produced it. The harness treats the payload as a
// stream of bytes and never interprets it.
package scenario

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/simharness/internal/sysproc"
	"github.com/roach88/simharness/internal/table"
)

// Scenario is one generated input.
type Scenario struct {
	Payload []byte
	Params  []table.Field
}

// Source produces the scenario for one run. It is called once per run, from
// a single goroutine, in run-index order.
type Source func(ctx context.Context, run int) (Scenario, error)

// Static returns a source that yields the same payload for every run.
func Static(payload []byte, params ...table.Field) Source {
	return func(context.Context, int) (Scenario, error) {
		return Scenario{Payload: payload, Params: params}, nil
	}
}

// FromFile returns a source that reads path on every run, so edits between
// batches are picked up without restarting.
func FromFile(path string, params ...table.Field) Source {
	return func(context.Context, int) (Scenario, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return Scenario{}, fmt.Errorf("read scenario file: %w", err)
		}
		return Scenario{Payload: data, Params: params}, nil
	}
}

// generatorWaitDelay bounds how long a killed generator's descendants may
// hold its output pipes open.
const generatorWaitDelay = 2 * time.Second

// Command returns a source that runs a generator process per run, in dir,
// and uses its standard output as the payload. An empty dir means the
// current directory.
//
// Arguments may contain {run}, replaced by the run index, and
// {param:<name>}, replaced by the named parameter's value. A generator that
// exits non-zero fails the run with its stderr in the error. When ctx ends
// the generator's whole process group is killed.
func Command(dir string, argv []string, params ...table.Field) (Source, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("scenario command is empty")
	}
	for _, a := range argv {
		if _, err := expand(a, 0, params); err != nil {
			return nil, err
		}
	}
	argv = append([]string(nil), argv...)

	return func(ctx context.Context, run int) (Scenario, error) {
		args := make([]string, len(argv))
		for i, a := range argv {
			args[i], _ = expand(a, run, params)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Dir = dir
		sysproc.Bind(cmd, generatorWaitDelay)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return Scenario{}, fmt.Errorf("generator %s: %w", args[0], context.Cause(ctx))
			}
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return Scenario{}, fmt.Errorf("generator %s: %w: %s", args[0], err, msg)
			}
			return Scenario{}, fmt.Errorf("generator %s: %w", args[0], err)
		}
		return Scenario{Payload: stdout.Bytes(), Params: params}, nil
	}, nil
}

func expand(arg string, run int, params []table.Field) (string, error) {
	arg = strings.ReplaceAll(arg, "{run}", strconv.Itoa(run))
	var b strings.Builder
	rest := arg
	for {
		start := strings.Index(rest, "{param:")
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
		name := rest[start+len("{param:") : end]
		v, ok := lookup(params, name)
		if !ok {
			return "", fmt.Errorf("argument %q: unknown parameter %q", arg, name)
		}
		b.WriteString(rest[:start])
		b.WriteString(v.String())
		rest = rest[end+1:]
	}
}

func lookup(params []table.Field, name string) (table.Value, bool) {
	name = table.NormalizeName(name)
	for _, p := range params {
		if table.NormalizeName(p.Name) == name {
			return p.Value, true
		}
	}
	return nil, false
}
