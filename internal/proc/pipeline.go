package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/simharness/internal/table"
)

const (
	defaultWaitDelay   = 5 * time.Second
	defaultStderrLimit = 4096
)

// Pipeline is a validated, immutable graph of stages whose terminal stage
// produces a table. A Pipeline is safe for concurrent use; every Start call
// gets its own processes and descriptors.
type Pipeline struct {
	stages   []StageSpec // topological order, producers first
	index    map[string]int
	terminal int
	schema   table.Schema
	named    []string // named inputs referenced by any stage

	logger      *slog.Logger
	waitDelay   time.Duration
	stderrLimit int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for stage lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithWaitDelay bounds how long Wait keeps waiting on a stage's I/O after
// its process was killed by cancellation.
func WithWaitDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.waitDelay = d }
}

// WithStderrLimit sets how many trailing bytes of each stage's stderr are
// kept for StageFailure diagnostics.
func WithStderrLimit(n int) Option {
	return func(p *Pipeline) { p.stderrLimit = n }
}

// New validates stages and returns a Pipeline whose terminal output is
// decoded with schema.
//
// Validation rules:
//   - at least one stage; names unique and non-empty; commands non-empty
//   - stage references resolve and form no cycle
//   - {extra:i} tokens refer to declared extra inputs
//   - every stage except one has its stdout consumed exactly once
//
// Violations of the last two rules are reported as *DeadlockRiskError.
func New(stages []StageSpec, schema table.Schema, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}
	if len(schema) == 0 {
		return nil, errors.New("pipeline: result schema has no columns")
	}

	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("pipeline: stage %d: name is required", i)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate stage name %q", s.Name)
		}
		if len(s.Command) == 0 || s.Command[0] == "" {
			return nil, fmt.Errorf("pipeline: stage %q: command is required", s.Name)
		}
		if _, err := expandArgs(s.Command[1:], len(s.ExtraInputs)); err != nil {
			return nil, fmt.Errorf("pipeline: stage %q: %w", s.Name, err)
		}
		index[s.Name] = i
	}

	consumers := make([]int, len(stages))
	namedSet := make(map[string]bool)
	var named []string
	for _, s := range stages {
		for _, ref := range s.inputs() {
			switch ref.Kind {
			case InputStage:
				j, ok := index[ref.Name]
				if !ok {
					return nil, fmt.Errorf("pipeline: stage %q: unknown input stage %q", s.Name, ref.Name)
				}
				if ref.Name == s.Name {
					return nil, &DeadlockRiskError{Stage: s.Name, Reason: "stage reads its own output"}
				}
				consumers[j]++
			case InputNamed:
				if ref.Name == "" {
					return nil, fmt.Errorf("pipeline: stage %q: named input without a name", s.Name)
				}
				if namedSet[ref.Name] {
					return nil, &DeadlockRiskError{Stage: s.Name, Reason: fmt.Sprintf("named input %q already consumed by another stage", ref.Name)}
				}
				namedSet[ref.Name] = true
				named = append(named, ref.Name)
			}
		}
	}

	terminal := -1
	for i, n := range consumers {
		switch {
		case n > 1:
			return nil, &DeadlockRiskError{
				Stage:  stages[i].Name,
				Reason: fmt.Sprintf("output consumed by %d stages; a pipe has exactly one reader", n),
			}
		case n == 0 && terminal >= 0:
			return nil, &DeadlockRiskError{
				Stage:  stages[i].Name,
				Reason: fmt.Sprintf("output is never read (stage %q is already the terminal stage)", stages[terminal].Name),
			}
		case n == 0:
			terminal = i
		}
	}
	if terminal < 0 {
		return nil, &DeadlockRiskError{Stage: stages[0].Name, Reason: "no terminal stage; stage outputs form a cycle"}
	}

	order, err := topoSort(stages, index)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		stages:      make([]StageSpec, len(order)),
		index:       make(map[string]int, len(order)),
		schema:      append(table.Schema(nil), schema...),
		named:       named,
		waitDelay:   defaultWaitDelay,
		stderrLimit: defaultStderrLimit,
	}
	for pos, i := range order {
		p.stages[pos] = cloneSpec(stages[i])
		p.index[stages[i].Name] = pos
		if i == terminal {
			p.terminal = pos
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Stages returns a copy of the stage specs in start order.
func (p *Pipeline) Stages() []StageSpec {
	out := make([]StageSpec, len(p.stages))
	for i, s := range p.stages {
		out[i] = cloneSpec(s)
	}
	return out
}

// Terminal returns the name of the stage whose output becomes the result.
func (p *Pipeline) Terminal() string {
	return p.stages[p.terminal].Name
}

// Schema returns the result schema.
func (p *Pipeline) Schema() table.Schema {
	return append(table.Schema(nil), p.schema...)
}

// NamedInputs returns the names of caller inputs that Start requires.
func (p *Pipeline) NamedInputs() []string {
	return append([]string(nil), p.named...)
}

// Run starts the pipeline and waits for its result.
func (p *Pipeline) Run(ctx context.Context, payload []byte) (*table.Table, error) {
	rp, err := p.Start(ctx, payload, nil)
	if err != nil {
		return nil, err
	}
	return rp.Wait()
}

func (s StageSpec) inputs() []InputRef {
	refs := make([]InputRef, 0, 1+len(s.ExtraInputs))
	refs = append(refs, s.Stdin)
	return append(refs, s.ExtraInputs...)
}

func cloneSpec(s StageSpec) StageSpec {
	s.Command = append([]string(nil), s.Command...)
	s.Env = append([]string(nil), s.Env...)
	s.ExtraInputs = append([]InputRef(nil), s.ExtraInputs...)
	return s
}

// topoSort orders stages so that every producer precedes its consumers.
// Stages are visited in declaration order and each one is preceded by
// its inputs.
func topoSort(stages []StageSpec, index map[string]int) ([]int, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(stages))
	order := make([]int, 0, len(stages))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return &DeadlockRiskError{Stage: stages[i].Name, Reason: "stage graph contains a cycle"}
		}
		state[i] = visiting
		for _, ref := range stages[i].inputs() {
			if ref.Kind == InputStage {
				if err := visit(index[ref.Name]); err != nil {
					return err
				}
			}
		}
		state[i] = done
		order = append(order, i)
		return nil
	}

	for i := range stages {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}
