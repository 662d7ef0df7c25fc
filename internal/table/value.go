package table

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type names a column type.
type Type string

const (
	TypeFloat  Type = "float"
	TypeUint   Type = "uint"
	TypeInt    Type = "int"
	TypeString Type = "string"
)

// Valid reports whether t is one of the supported column types.
func (t Type) Valid() bool {
	switch t {
	case TypeFloat, TypeUint, TypeInt, TypeString:
		return true
	}
	return false
}

// Numeric reports whether values of t can be averaged.
func (t Type) Numeric() bool {
	return t == TypeFloat || t == TypeUint || t == TypeInt
}

// Value is a sealed interface over the cell types a Table may hold.
// Only Float, Uint, Int and String implement it.
type Value interface {
	Type() Type
	String() string
	tableValue()
}

// Float is a float64 cell.
type Float float64

func (Float) tableValue() {}

// Type implements Value.
func (Float) Type() Type { return TypeFloat }

// String formats the value in its shortest round-trip form. NaN is spelled
// "NaN" so exported files match what downstream analysis tools expect.
func (v Float) String() string {
	f := float64(v)
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Uint is an unsigned 64-bit cell.
type Uint uint64

func (Uint) tableValue() {}

// Type implements Value.
func (Uint) Type() Type { return TypeUint }

func (v Uint) String() string { return strconv.FormatUint(uint64(v), 10) }

// Int is a signed 64-bit cell.
type Int int64

func (Int) tableValue() {}

// Type implements Value.
func (Int) Type() Type { return TypeInt }

func (v Int) String() string { return strconv.FormatInt(int64(v), 10) }

// String is a text cell.
type String string

func (String) tableValue() {}

// Type implements Value.
func (String) Type() Type { return TypeString }

func (v String) String() string { return string(v) }

// ParseValue converts a raw field into a Value of type t.
// Surrounding whitespace is ignored for numeric types.
func ParseValue(t Type, raw string) (Value, error) {
	switch t {
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", raw)
		}
		return Float(f), nil
	case TypeUint:
		u, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid uint %q", raw)
		}
		return Uint(u), nil
	case TypeInt:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", raw)
		}
		return Int(n), nil
	case TypeString:
		return String(raw), nil
	default:
		return nil, fmt.Errorf("unknown column type %q", t)
	}
}

// Float64 returns the numeric value of v as a float64.
// The second result is false for String values.
func Float64(v Value) (float64, bool) {
	switch val := v.(type) {
	case Float:
		return float64(val), true
	case Uint:
		return float64(val), true
	case Int:
		return float64(val), true
	default:
		return 0, false
	}
}

// ValueOf converts a plain Go value into a Value.
// Integers map to Int (or Uint for unsigned kinds), floats to Float and
// strings to String. Used for metadata supplied by callers and config files.
func ValueOf(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		return val, nil
	case int:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		return Uint(val), nil
	case uint32:
		return Uint(val), nil
	case uint64:
		return Uint(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case string:
		return String(val), nil
	case bool:
		return String(strconv.FormatBool(val)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
