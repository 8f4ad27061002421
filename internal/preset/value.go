package preset

import (
	"fmt"
	"math"
	"strconv"
)

// ValueKind is the computed type of an evaluated value
type ValueKind string

const (
	ValueInteger ValueKind = "integer"
	ValueNumber  ValueKind = "number"
	ValueText    ValueKind = "text"
	ValueBoolean ValueKind = "boolean"
)

// Value is the result of evaluating a preset for one period
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
	Bool   bool
}

// IntegerValue wraps a count result
func IntegerValue(n int64) Value {
	return Value{Kind: ValueInteger, Number: float64(n)}
}

// NumberValue wraps a decimal result
func NumberValue(f float64) Value {
	return Value{Kind: ValueNumber, Number: f}
}

// TextValue wraps a textual result
func TextValue(s string) Value {
	return Value{Kind: ValueText, Text: s}
}

// BooleanValue wraps a boolean result
func BooleanValue(b bool) Value {
	return Value{Kind: ValueBoolean, Bool: b}
}

// String renders the value in DHIS2 wire format
func (v Value) String() string {
	switch v.Kind {
	case ValueInteger:
		return strconv.FormatInt(int64(v.Number), 10)
	case ValueNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case ValueBoolean:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Text
	}
}

// CompatibleWith reports whether this value satisfies the declared DHIS2
// data element value type. Integers satisfy decimal declarations; any
// value can be reported as text.
func (v Value) CompatibleWith(valueType string) bool {
	switch valueType {
	case "INTEGER", "INTEGER_POSITIVE", "INTEGER_NEGATIVE", "INTEGER_ZERO_OR_POSITIVE":
		return v.Kind == ValueInteger
	case "NUMBER", "PERCENTAGE", "UNIT_INTERVAL":
		return v.Kind == ValueInteger || v.Kind == ValueNumber
	case "BOOLEAN", "TRUE_ONLY":
		return v.Kind == ValueBoolean
	case "TEXT", "LONG_TEXT":
		return true
	default:
		// Unknown declarations are reported as-is rather than dropped
		return true
	}
}

// FromInterface coerces a raw query result cell into a Value
func FromInterface(raw interface{}) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return IntegerValue(0), nil
	case int64:
		return IntegerValue(v), nil
	case int:
		return IntegerValue(int64(v)), nil
	case float64:
		if v == math.Trunc(v) {
			return IntegerValue(int64(v)), nil
		}
		return NumberValue(v), nil
	case bool:
		return BooleanValue(v), nil
	case string:
		return TextValue(v), nil
	case []byte:
		return TextValue(string(v)), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}
