package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/roach88/simharness/internal/sysproc"
	"github.com/roach88/simharness/internal/table"
)

// RunningStage is one live stage process bound to a single task.
type RunningStage struct {
	Spec StageSpec

	cmd     *exec.Cmd
	stderr  *tailBuffer
	started time.Time
}

// Name returns the stage name.
func (s *RunningStage) Name() string { return s.Spec.Name }

// Pid returns the process ID of the stage.
func (s *RunningStage) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stderr returns the retained tail of the stage's standard error.
func (s *RunningStage) Stderr() string { return s.stderr.String() }

// RunningPipeline is the set of live processes and descriptors of one task.
// Wait must be called exactly once after a successful Start.
type RunningPipeline struct {
	p      *Pipeline
	ctx    context.Context
	stages []*RunningStage
	fds    *fdSet
	out    *os.File // read end of the terminal stage's stdout

	writers  sync.WaitGroup
	writeErr chan error
	waitOnce sync.Once
}

// Stages returns the running stages in start order.
func (rp *RunningPipeline) Stages() []*RunningStage {
	return append([]*RunningStage(nil), rp.stages...)
}

type pendingWrite struct {
	stage string
	w     *os.File
	src   io.Reader
}

// Start spawns every stage and wires their descriptors. payload feeds the
// stages that read InputPayload; inputs supplies readers for InputNamed
// references, each of which may be consumed by one stage only.
//
// If any stage fails to spawn, the stages already started are killed and
// reaped, every descriptor is closed, and a *SpawnError is returned. A
// done ctx is reported as cancellation rather than a spawn failure.
func (p *Pipeline) Start(ctx context.Context, payload []byte, inputs map[string]io.Reader) (*RunningPipeline, error) {
	for _, name := range p.named {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("pipeline: named input %q not supplied", name)
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("pipeline cancelled: %w", context.Cause(ctx))
	}

	rp := &RunningPipeline{
		p:      p,
		ctx:    ctx,
		fds:    newFDSet(),
		stages: make([]*RunningStage, 0, len(p.stages)),
	}

	outR := make([]*os.File, len(p.stages))
	outW := make([]*os.File, len(p.stages))
	for i := range p.stages {
		r, w, err := rp.fds.pipe()
		if err != nil {
			rp.fds.closeAll()
			return nil, fmt.Errorf("pipeline: create pipe: %w", err)
		}
		outR[i], outW[i] = r, w
	}

	var pending []pendingWrite

	// connect resolves ref into the file the child should read. Payload and
	// named inputs get a fresh pipe whose write end is fed after all stages
	// are up.
	connect := func(stage string, ref InputRef) (*os.File, error) {
		switch ref.Kind {
		case InputNone:
			return nil, nil
		case InputStage:
			return outR[p.index[ref.Name]], nil
		case InputPayload, InputNamed:
			var src io.Reader
			if ref.Kind == InputPayload {
				src = bytes.NewReader(payload)
			} else {
				src = inputs[ref.Name]
			}
			r, w, err := rp.fds.pipe()
			if err != nil {
				return nil, fmt.Errorf("pipeline: create pipe: %w", err)
			}
			pending = append(pending, pendingWrite{stage: stage, w: w, src: src})
			return r, nil
		default:
			return nil, fmt.Errorf("pipeline: stage %q: unknown input kind %d", stage, ref.Kind)
		}
	}

	for i, spec := range p.stages {
		stdin, err := connect(spec.Name, spec.Stdin)
		if err != nil {
			rp.abort()
			return nil, err
		}
		extras := make([]*os.File, len(spec.ExtraInputs))
		for j, ref := range spec.ExtraInputs {
			f, err := connect(spec.Name, ref)
			if err != nil {
				rp.abort()
				return nil, err
			}
			if f == nil {
				// ExtraFiles entries must be real descriptors to keep numbering stable.
				f, err = rp.fds.openNull()
				if err != nil {
					rp.abort()
					return nil, fmt.Errorf("pipeline: open %s: %w", os.DevNull, err)
				}
			}
			extras[j] = f
		}

		args, _ := expandArgs(spec.Command[1:], len(spec.ExtraInputs))
		cmd := exec.CommandContext(ctx, spec.Command[0], args...)
		cmd.Dir = spec.Dir
		if len(spec.Env) > 0 {
			cmd.Env = append(os.Environ(), spec.Env...)
		}
		if stdin != nil {
			cmd.Stdin = stdin
		}
		cmd.Stdout = outW[i]
		cmd.ExtraFiles = extras
		stderr := newTailBuffer(p.stderrLimit)
		cmd.Stderr = stderr
		sysproc.Bind(cmd, p.waitDelay)

		if err := cmd.Start(); err != nil {
			rp.abort()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("pipeline cancelled: %w", context.Cause(ctx))
			}
			return nil, &SpawnError{Stage: spec.Name, Command: spec.Command[0], Err: err}
		}
		rs := &RunningStage{Spec: spec, cmd: cmd, stderr: stderr, started: time.Now()}
		rp.stages = append(rp.stages, rs)
		p.logger.Debug("stage started", "stage", spec.Name, "pid", rs.Pid(), "extra_inputs", len(extras))

		// The child holds its own copies now. Dropping ours is what lets a
		// consumer see end-of-stream when the producer exits.
		rp.fds.close(stdin)
		for _, f := range extras {
			rp.fds.close(f)
		}
		rp.fds.close(outW[i])
	}

	rp.out = outR[p.terminal]

	rp.writeErr = make(chan error, len(pending))
	for _, pw := range pending {
		rp.writers.Add(1)
		go rp.feed(pw.stage, rp.fds.release(pw.w), pw.src)
	}
	return rp, nil
}

// feed streams src into w and always closes w, signalling end-of-stream to
// the reading stage. EPIPE means the stage stopped reading early, which is
// the stage's decision and not a harness error.
func (rp *RunningPipeline) feed(stage string, w *os.File, src io.Reader) {
	defer rp.writers.Done()

	var err error
	defer func() {
		if cerr := w.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil && !errors.Is(err, syscall.EPIPE) && rp.ctx.Err() == nil {
			rp.writeErr <- fmt.Errorf("write input of stage %q: %w", stage, err)
		}
	}()
	_, err = io.Copy(w, src)
}

// abort tears down a partially started pipeline.
func (rp *RunningPipeline) abort() {
	for _, s := range rp.stages {
		_ = sysproc.Terminate(s.cmd)
	}
	// Close our pipe ends first so reaping cannot block on a full pipe.
	rp.fds.closeAll()
	for _, s := range rp.stages {
		_ = s.cmd.Wait()
	}
}

// Wait decodes the terminal stage's output, waits for every writer and every
// stage, and releases all descriptors.
//
// The returned table is nil when decoding failed. The error joins, in order:
// the context error if the pipeline was cancelled, input write errors, one
// *StageFailure per failed stage and the *table.ParseError if any.
func (rp *RunningPipeline) Wait() (*table.Table, error) {
	var (
		tbl  *table.Table
		errs []error
	)
	rp.waitOnce.Do(func() {
		tbl, errs = rp.wait()
	})
	if len(errs) > 0 {
		return tbl, errors.Join(errs...)
	}
	return tbl, nil
}

func (rp *RunningPipeline) wait() (*table.Table, []error) {
	stop := context.AfterFunc(rp.ctx, func() {
		// Unblock the decoder even if a stray grandchild keeps the pipe open.
		_ = rp.out.SetReadDeadline(time.Now())
	})
	defer stop()

	tbl, decodeErr := table.Decode(bufio.NewReaderSize(rp.out, 64*1024), rp.p.schema)
	if decodeErr != nil {
		// Keep draining so upstream stages can finish instead of dying on EPIPE.
		_, _ = io.Copy(io.Discard, rp.out)
	}
	rp.fds.closeAll()

	rp.writers.Wait()
	close(rp.writeErr)
	var errs []error
	for err := range rp.writeErr {
		errs = append(errs, err)
	}

	for _, s := range rp.stages {
		err := s.cmd.Wait()
		if err == nil {
			rp.p.logger.Debug("stage exited", "stage", s.Name(), "duration", time.Since(s.started))
			continue
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			rp.p.logger.Debug("stage failed", "stage", s.Name(), "exit_code", exitErr.ExitCode(), "stderr", s.Stderr())
			errs = append(errs, &StageFailure{
				Stage:    s.Name(),
				ExitCode: exitErr.ExitCode(),
				Stderr:   s.Stderr(),
				Err:      err,
			})
			continue
		}
		errs = append(errs, fmt.Errorf("wait stage %q: %w", s.Name(), err))
	}
	if decodeErr != nil {
		errs = append(errs, decodeErr)
		tbl = nil
	}

	// Failures caused by our own kill are noise; report the cancellation.
	if len(errs) > 0 && rp.ctx.Err() != nil {
		return nil, []error{fmt.Errorf("pipeline cancelled: %w", context.Cause(rp.ctx))}
	}
	return tbl, errs
}
