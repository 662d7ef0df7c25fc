package table

import (
	"encoding/json"
	"fmt"
)

// MarshalRow encodes a row as a JSON array of its textual cell values.
// Floats are stored as text so NaN and Inf survive the round trip, which
// plain JSON numbers cannot carry.
func MarshalRow(r Row) ([]byte, error) {
	cells := make([]string, len(r))
	for i, v := range r {
		if v == nil {
			return nil, fmt.Errorf("marshal row: cell %d is nil", i)
		}
		cells[i] = v.String()
	}
	return json.Marshal(cells)
}

// UnmarshalRow decodes a row written by MarshalRow using schema for the
// cell types.
func UnmarshalRow(data []byte, schema Schema) (Row, error) {
	var cells []string
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("unmarshal row: %w", err)
	}
	if len(cells) != len(schema) {
		return nil, fmt.Errorf("unmarshal row: expected %d cells, got %d", len(schema), len(cells))
	}
	row := make(Row, len(cells))
	for i, col := range schema {
		v, err := ParseValue(col.Type, cells[i])
		if err != nil {
			return nil, fmt.Errorf("unmarshal row: column %q: %w", col.Name, err)
		}
		row[i] = v
	}
	return row, nil
}
