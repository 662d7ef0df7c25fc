package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ParseError reports an engine output row that does not match the declared
// schema.
type ParseError struct {
	Line   int    // 1-based line in the engine output
	Column string // offending column, empty for arity errors
	Msg    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("parse error: line %d, column %q: %s", e.Line, e.Column, e.Msg)
	}
	return fmt.Sprintf("parse error: line %d: %s", e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is or wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Decode reads headerless comma-separated rows from r and converts them
// using schema. Blank lines are skipped.
//
// Decoding stops at the first row that has the wrong number of fields or a
// value that does not parse as its column type. The reader is not drained
// past that row; callers that share r with a live producer must drain it.
func Decode(r io.Reader, schema Schema) (*Table, error) {
	if len(schema) == 0 {
		return nil, errors.New("decode: schema has no columns")
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	t := &Table{Schema: schema}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return t, nil
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, &ParseError{Line: csvErr.Line, Msg: csvErr.Err.Error(), Err: err}
			}
			return nil, fmt.Errorf("decode: %w", err)
		}

		// csv skips empty lines but not lines of only whitespace.
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		line, _ := cr.FieldPos(0)
		if len(rec) != len(schema) {
			return nil, &ParseError{
				Line: line,
				Msg:  fmt.Sprintf("expected %d fields, got %d", len(schema), len(rec)),
			}
		}

		row := make(Row, len(schema))
		for i, col := range schema {
			v, err := ParseValue(col.Type, strings.TrimRight(rec[i], " \t\r"))
			if err != nil {
				return nil, &ParseError{Line: line, Column: col.Name, Msg: err.Error(), Err: err}
			}
			row[i] = v
		}
		t.Rows = append(t.Rows, row)
	}
}

// DecodeString is a convenience wrapper around Decode.
func DecodeString(s string, schema Schema) (*Table, error) {
	return Decode(strings.NewReader(s), schema)
}
