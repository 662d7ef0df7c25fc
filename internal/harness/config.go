package harness

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/simharness/internal/aggregate"
	"github.com/roach88/simharness/internal/proc"
	"github.com/roach88/simharness/internal/table"
)

//go:embed schema.cue
var configSchema string

// Config describes one batch: how scenarios are produced, which engines
// run, what they print and how often.
type Config struct {
	// Name identifies the batch in the store and in exported files.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Concurrency bounds the number of pipelines alive at once.
	// Zero means one per CPU.
	Concurrency int `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`

	// Repeat is the number of tasks per sweep point. Defaults to 1.
	Repeat int `yaml:"repeat,omitempty" json:"repeat,omitempty"`

	// Timeout bounds each task, as a Go duration string ("30s").
	// Empty means no limit.
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Policy is "rows" (default) or "mean".
	Policy string `yaml:"policy,omitempty" json:"policy,omitempty"`

	Scenario ScenarioConfig `yaml:"scenario" json:"scenario"`
	Stages   []StageConfig  `yaml:"stages" json:"stages"`
	Columns  []table.Column `yaml:"columns" json:"columns"`

	// Sweep lists parameter points. Every point must name the same
	// parameters.
	Sweep []map[string]any `yaml:"sweep,omitempty" json:"sweep,omitempty"`

	// BaseDir resolves relative paths. LoadConfig sets it to the directory
	// holding the file.
	BaseDir string `yaml:"-" json:"-"`
}

// ScenarioConfig selects the scenario source. Exactly one field is set.
type ScenarioConfig struct {
	// Command runs once per task; its stdout is the payload.
	// Arguments may use {run} and {param:<name>}.
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	File    string   `yaml:"file,omitempty" json:"file,omitempty"`
	Inline  string   `yaml:"inline,omitempty" json:"inline,omitempty"`
}

// StageConfig is the file form of proc.StageSpec.
type StageConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Command     []string `yaml:"command" json:"command"`
	Dir         string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	Env         []string `yaml:"env,omitempty" json:"env,omitempty"`
	Stdin       string   `yaml:"stdin,omitempty" json:"stdin,omitempty"`
	ExtraInputs []string `yaml:"extra_inputs,omitempty" json:"extra_inputs,omitempty"`
}

// LoadConfig reads a configuration file. Files ending in .cue are
// evaluated with CUE; anything else is parsed as YAML. Unknown fields
// are rejected in both forms.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	if filepath.Ext(path) == ".cue" {
		cfg, err = ParseCUE(data, path)
	} else {
		cfg, err = ParseYAML(data)
	}
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config directory: %w", err)
	}
	cfg.BaseDir = abs

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ParseYAML decodes a YAML configuration without validating it.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// ParseCUE evaluates a CUE configuration against the #Config definition
// and decodes it. filename is used in error positions.
func ParseCUE(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("building config schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse CUE: %w", err)
	}

	// #Config is closed, so unknown fields fail unification.
	value = schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid CUE config: %w", err)
	}

	var cfg Config
	if err := value.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding CUE config: %w", err)
	}
	return &cfg, nil
}

// validateConfig checks required fields and fills in defaults.
// The stage graph itself is checked by proc.New when the harness is built.
func validateConfig(c *Config) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative")
	}
	if c.Repeat < 0 {
		return fmt.Errorf("repeat must be non-negative")
	}
	if c.Repeat == 0 {
		c.Repeat = 1
	}
	if _, err := c.timeout(); err != nil {
		return err
	}
	if _, err := aggregate.ParsePolicy(c.Policy); err != nil {
		return err
	}

	set := 0
	if len(c.Scenario.Command) > 0 {
		set++
	}
	if c.Scenario.File != "" {
		set++
	}
	if c.Scenario.Inline != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("scenario: exactly one of command, file or inline is required")
	}

	if len(c.Stages) == 0 {
		return fmt.Errorf("stages list is required and must be non-empty")
	}
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if len(s.Command) == 0 || s.Command[0] == "" {
			return fmt.Errorf("stages[%d]: command is required", i)
		}
	}

	if len(c.Columns) == 0 {
		return fmt.Errorf("columns list is required and must be non-empty")
	}
	if _, err := table.NewSchema(c.Columns...); err != nil {
		return fmt.Errorf("columns: %w", err)
	}

	if _, _, err := c.sweepPoints(); err != nil {
		return err
	}
	return nil
}

func (c *Config) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must be non-negative")
	}
	return d, nil
}

// Tasks returns the number of tasks the batch runs.
func (c *Config) Tasks() int {
	points := max(len(c.Sweep), 1)
	return points * max(c.Repeat, 1)
}

// resolve joins a relative path onto BaseDir.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.BaseDir == "" {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// stageSpecs converts the stage list into proc specs.
func (c *Config) stageSpecs() ([]proc.StageSpec, error) {
	specs := make([]proc.StageSpec, 0, len(c.Stages))
	for i, s := range c.Stages {
		stdin, err := proc.ParseInputRef(s.Stdin)
		if err != nil {
			return nil, fmt.Errorf("stages[%d] %s: stdin: %w", i, s.Name, err)
		}
		extras := make([]proc.InputRef, len(s.ExtraInputs))
		for j, raw := range s.ExtraInputs {
			if extras[j], err = proc.ParseInputRef(raw); err != nil {
				return nil, fmt.Errorf("stages[%d] %s: extra_inputs[%d]: %w", i, s.Name, j, err)
			}
		}

		dir := s.Dir
		if dir == "" {
			dir = c.BaseDir
		} else {
			dir = c.resolve(dir)
		}
		specs = append(specs, proc.StageSpec{
			Name:        s.Name,
			Command:     s.Command,
			Dir:         dir,
			Env:         s.Env,
			Stdin:       stdin,
			ExtraInputs: extras,
		})
	}
	return specs, nil
}

// sweepPoints returns the metadata columns and one field list per point,
// in column order. Parameter types are inferred: integers are int, other
// numbers float, everything else string. A parameter that is an integer
// at some points and a float at others is float throughout.
func (c *Config) sweepPoints() ([]table.Column, [][]table.Field, error) {
	if len(c.Sweep) == 0 {
		return nil, [][]table.Field{nil}, nil
	}

	names := make([]string, 0, len(c.Sweep[0]))
	for name := range c.Sweep[0] {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make(map[string]table.Type, len(names))
	for i, point := range c.Sweep {
		if len(point) != len(names) {
			return nil, nil, fmt.Errorf("sweep[%d]: has %d parameters, want %d %v", i, len(point), len(names), names)
		}
		for _, name := range names {
			raw, ok := point[name]
			if !ok {
				return nil, nil, fmt.Errorf("sweep[%d]: missing parameter %q", i, name)
			}
			t, err := inferType(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("sweep[%d].%s: %w", i, name, err)
			}
			types[name] = widen(types[name], t)
		}
	}

	cols := make([]table.Column, len(names))
	for i, name := range names {
		cols[i] = table.Column{Name: name, Type: types[name]}
	}
	if _, err := table.NewSchema(cols...); err != nil {
		return nil, nil, fmt.Errorf("sweep: %w", err)
	}
	for i := range cols {
		cols[i].Name = table.NormalizeName(cols[i].Name)
		if cols[i].Name == aggregate.RunColumn || cols[i].Name == aggregate.RunsColumn {
			return nil, nil, fmt.Errorf("sweep: parameter name %q is reserved", cols[i].Name)
		}
	}

	points := make([][]table.Field, len(c.Sweep))
	for i, point := range c.Sweep {
		fields := make([]table.Field, len(names))
		for j, name := range names {
			v, err := convert(point[name], cols[j].Type)
			if err != nil {
				return nil, nil, fmt.Errorf("sweep[%d].%s: %w", i, name, err)
			}
			fields[j] = table.F(cols[j].Name, v)
		}
		points[i] = fields
	}
	return cols, points, nil
}

func inferType(raw any) (table.Type, error) {
	switch raw.(type) {
	case int, int32, int64, uint, uint32, uint64:
		return table.TypeInt, nil
	case float32, float64:
		return table.TypeFloat, nil
	case string, bool:
		return table.TypeString, nil
	case nil:
		return "", errors.New("value is empty")
	default:
		return "", fmt.Errorf("unsupported value of type %T", raw)
	}
}

// widen merges two inferred types. An empty type means "not seen yet".
func widen(a, b table.Type) table.Type {
	switch {
	case a == "" || a == b:
		return b
	case a == table.TypeString || b == table.TypeString:
		return table.TypeString
	default:
		return table.TypeFloat
	}
}

func convert(raw any, t table.Type) (table.Value, error) {
	v, err := table.ValueOf(raw)
	if err != nil {
		return nil, err
	}
	switch t {
	case table.TypeString:
		return table.String(v.String()), nil
	case table.TypeFloat:
		f, _ := table.Float64(v)
		return table.Float(f), nil
	case table.TypeInt:
		switch n := v.(type) {
		case table.Int:
			return n, nil
		case table.Uint:
			return table.Int(n), nil
		}
		return nil, fmt.Errorf("%v is not an integer", raw)
	}
	return nil, fmt.Errorf("unsupported parameter type %q", t)
}
