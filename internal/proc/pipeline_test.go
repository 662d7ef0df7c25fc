package proc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/simharness/internal/table"
)

var countSchema = table.MustSchema(table.Column{Name: "n", Type: table.TypeUint})

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		stages   []StageSpec
		wantErr  string
		deadlock bool
	}{
		{
			name:    "no stages",
			wantErr: "at least one stage",
		},
		{
			name:    "missing name",
			stages:  []StageSpec{{Command: []string{"cat"}}},
			wantErr: "name is required",
		},
		{
			name: "duplicate name",
			stages: []StageSpec{
				{Name: "sim", Command: []string{"cat"}},
				{Name: "sim", Command: []string{"cat"}, Stdin: FromStage("sim")},
			},
			wantErr: "duplicate stage name",
		},
		{
			name:    "missing command",
			stages:  []StageSpec{{Name: "sim"}},
			wantErr: "command is required",
		},
		{
			name:    "unknown input stage",
			stages:  []StageSpec{{Name: "sim", Command: []string{"cat"}, Stdin: FromStage("gen")}},
			wantErr: "unknown input stage",
		},
		{
			name: "output read twice",
			stages: []StageSpec{
				{Name: "sim", Command: []string{"cat"}, Stdin: Payload()},
				{Name: "a", Command: []string{"cat"}, Stdin: FromStage("sim")},
				{Name: "b", Command: []string{"cat"}, ExtraInputs: []InputRef{FromStage("sim"), FromStage("a")}},
			},
			wantErr:  "consumed by 2 stages",
			deadlock: true,
		},
		{
			name: "output never read",
			stages: []StageSpec{
				{Name: "sim", Command: []string{"cat"}, Stdin: Payload()},
				{Name: "analyze", Command: []string{"cat"}, Stdin: Payload()},
			},
			wantErr:  "never read",
			deadlock: true,
		},
		{
			name:     "reads own output",
			stages:   []StageSpec{{Name: "sim", Command: []string{"cat"}, Stdin: FromStage("sim")}},
			wantErr:  "its own output",
			deadlock: true,
		},
		{
			name: "cycle",
			stages: []StageSpec{
				{Name: "a", Command: []string{"cat"}, Stdin: FromStage("b")},
				{Name: "b", Command: []string{"cat"}, Stdin: FromStage("a")},
			},
			wantErr:  "cycle",
			deadlock: true,
		},
		{
			name: "named input read twice",
			stages: []StageSpec{
				{Name: "a", Command: []string{"cat"}, Stdin: Named("sim1")},
				{Name: "b", Command: []string{"cat"}, Stdin: FromStage("a"), ExtraInputs: []InputRef{Named("sim1")}},
			},
			wantErr:  "already consumed",
			deadlock: true,
		},
		{
			name: "undeclared extra token",
			stages: []StageSpec{
				{Name: "diff", Command: []string{"diff_analyze", "--output1={extra:0}"}},
			},
			wantErr: "extra input 0 not declared",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.stages, countSchema)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.deadlock, IsDeadlockRisk(err))
		})
	}
}

func TestNewRequiresSchema(t *testing.T) {
	_, err := New([]StageSpec{{Name: "sim", Command: []string{"cat"}}}, nil)
	assert.ErrorContains(t, err, "schema")
}

func TestNewOrdersProducersFirst(t *testing.T) {
	p, err := New([]StageSpec{
		{Name: "diff", Command: []string{"paste"}, ExtraInputs: []InputRef{FromStage("sim1"), FromStage("sim2")}},
		{Name: "sim2", Command: []string{"cat"}, Stdin: Payload()},
		{Name: "sim1", Command: []string{"cat"}, Stdin: Payload()},
	}, countSchema)
	require.NoError(t, err)

	var names []string
	for _, s := range p.Stages() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"sim1", "sim2", "diff"}, names)
	assert.Equal(t, "diff", p.Terminal())
}

func TestStagesAreCopies(t *testing.T) {
	specs := []StageSpec{{Name: "sim", Command: []string{"cat", "-u"}, Stdin: Payload()}}
	p, err := New(specs, countSchema)
	require.NoError(t, err)

	specs[0].Command[1] = "mutated"
	got := p.Stages()
	got[0].Command[0] = "mutated"

	assert.Equal(t, []string{"cat", "-u"}, p.Stages()[0].Command)
}

func TestNamedInputs(t *testing.T) {
	p, err := New([]StageSpec{
		{Name: "diff", Command: []string{"paste"}, Stdin: Payload(), ExtraInputs: []InputRef{Named("sim1"), Named("sim2")}},
	}, countSchema)
	require.NoError(t, err)
	assert.Equal(t, []string{"sim1", "sim2"}, p.NamedInputs())
}

func TestParseInputRef(t *testing.T) {
	tests := []struct {
		in   string
		want InputRef
	}{
		{"", None()},
		{"none", None()},
		{"payload", Payload()},
		{"stage:simulation", FromStage("simulation")},
		{"input:sim1", Named("sim1")},
	}
	for _, tt := range tests {
		got, err := ParseInputRef(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		if tt.in != "" {
			assert.Equal(t, tt.in, got.String())
		}
	}

	for _, bad := range []string{"stdin", "stage:", "input:"} {
		_, err := ParseInputRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestExpandArgs(t *testing.T) {
	got, err := expandArgs([]string{
		"--output1={extra:0}",
		"--output2={extra:1}",
		"-a=/dev/stdout",
		"{extra:0},{extra:1}",
		"{literal}",
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"--output1=/dev/fd/3",
		"--output2=/dev/fd/4",
		"-a=/dev/stdout",
		"/dev/fd/3,/dev/fd/4",
		"{literal}",
	}, got)

	_, err = expandArgs([]string{"{extra:x}"}, 1)
	assert.Error(t, err)
}
