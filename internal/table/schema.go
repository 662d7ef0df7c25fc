package table

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Column declares one named, typed column.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type Type   `yaml:"type" json:"type"`
}

// Schema is the ordered column list of a Table.
type Schema []Column

// NormalizeName trims a column name and converts it to NFC so that names
// compare equal regardless of how their characters were composed.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// NewSchema validates and normalizes the given columns.
// Names must be non-empty and unique, and types must be supported.
func NewSchema(cols ...Column) (Schema, error) {
	s := make(Schema, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		name := NormalizeName(c.Name)
		if name == "" {
			return nil, fmt.Errorf("column %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("column %d: duplicate name %q", i, name)
		}
		if !c.Type.Valid() {
			return nil, fmt.Errorf("column %q: unknown type %q", name, c.Type)
		}
		seen[name] = true
		s = append(s, Column{Name: name, Type: c.Type})
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for tests and
// package-level declarations.
func MustSchema(cols ...Column) Schema {
	s, err := NewSchema(cols...)
	if err != nil {
		panic(err)
	}
	return s
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	name = NormalizeName(name)
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Equal reports whether both schemas have the same names and types in the
// same order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if NormalizeName(s[i].Name) != NormalizeName(other[i].Name) || s[i].Type != other[i].Type {
			return false
		}
	}
	return true
}

// Concat returns a new schema made of s followed by more.
// It fails if any name would appear twice.
func (s Schema) Concat(more ...Column) (Schema, error) {
	all := make([]Column, 0, len(s)+len(more))
	all = append(all, s...)
	all = append(all, more...)
	return NewSchema(all...)
}

func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.Name + ":" + string(c.Type)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Field is a single named value, used for scenario parameters and other
// per-task metadata.
type Field struct {
	Name  string
	Value Value
}

// F is shorthand for constructing a Field.
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// Row is one record of a Table, positionally aligned with its Schema.
type Row []Value

// Table is a decoded engine result.
type Table struct {
	Schema Schema
	Rows   []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns every value of the named column, or nil if there is no
// such column.
func (t *Table) Column(name string) []Value {
	idx := t.Schema.Index(name)
	if idx < 0 {
		return nil
	}
	out := make([]Value, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out
}
