package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/simharness/internal/table"
)

// marshalColumns converts a schema to JSON TEXT for storage.
func marshalColumns(s table.Schema) (string, error) {
	data, err := json.Marshal([]table.Column(s))
	if err != nil {
		return "", fmt.Errorf("marshal columns: %w", err)
	}
	return string(data), nil
}

// unmarshalColumns parses JSON TEXT back into a validated schema.
func unmarshalColumns(data string) (table.Schema, error) {
	var cols []table.Column
	if err := json.Unmarshal([]byte(data), &cols); err != nil {
		return nil, fmt.Errorf("unmarshal columns: %w", err)
	}
	return table.NewSchema(cols...)
}

// storedParam is the JSON form of a table.Field. Values are kept as text
// with their type so NaN and large integers survive.
type storedParam struct {
	Name  string     `json:"name"`
	Type  table.Type `json:"type"`
	Value string     `json:"value"`
}

// marshalParams converts scenario parameters to JSON TEXT. A nil list is
// stored as "[]".
func marshalParams(params []table.Field) (string, error) {
	out := make([]storedParam, len(params))
	for i, p := range params {
		if p.Value == nil {
			return "", fmt.Errorf("marshal params: %q has no value", p.Name)
		}
		out[i] = storedParam{Name: p.Name, Type: p.Value.Type(), Value: p.Value.String()}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	return string(data), nil
}

// unmarshalParams parses JSON TEXT written by marshalParams.
func unmarshalParams(data string) ([]table.Field, error) {
	var stored []storedParam
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	if len(stored) == 0 {
		return nil, nil
	}
	params := make([]table.Field, len(stored))
	for i, p := range stored {
		v, err := table.ParseValue(p.Type, p.Value)
		if err != nil {
			return nil, fmt.Errorf("unmarshal params: %q: %w", p.Name, err)
		}
		params[i] = table.F(p.Name, v)
	}
	return params, nil
}

// timeFormat is fixed-width RFC 3339 so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
