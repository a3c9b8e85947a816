package cache

import (
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParamType is the declared type of a bound query parameter.
type ParamType uint8

const (
	TypeNull ParamType = iota
	TypeInt
	TypeFloat
	TypeText
	TypeBool
	TypeBytes
	TypeDecimal
)

func (t ParamType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeText:
		return "text"
	case TypeBool:
		return "bool"
	case TypeBytes:
		return "bytes"
	case TypeDecimal:
		return "decimal"
	default:
		return "invalid"
	}
}

// Param is a typed positional query parameter. The declared type travels
// with the value so that binding and key derivation agree on how the value
// is interpreted; a value that does not match its declared type is a
// ParameterTypeError, never a silent coercion.
type Param struct {
	Type  ParamType
	Value any
}

// Null returns a NULL parameter. It canonicalizes to a marker distinct
// from the string "null".
func Null() Param {
	return Param{Type: TypeNull}
}

// Int returns an integer parameter.
func Int(v int64) Param {
	return Param{Type: TypeInt, Value: v}
}

// Float returns a floating point parameter.
func Float(v float64) Param {
	return Param{Type: TypeFloat, Value: v}
}

// Text returns a string parameter.
func Text(v string) Param {
	return Param{Type: TypeText, Value: v}
}

// Bool returns a boolean parameter.
func Bool(v bool) Param {
	return Param{Type: TypeBool, Value: v}
}

// Bytes returns a binary parameter.
func Bytes(v []byte) Param {
	return Param{Type: TypeBytes, Value: v}
}

// Decimal returns an exact decimal parameter. Use this for money and other
// values where binary floats would drift.
func Decimal(v decimal.Decimal) Param {
	return Param{Type: TypeDecimal, Value: v}
}

// DecimalText returns an exact decimal parameter from its text form. The
// text is validated when the parameter is bound or hashed; garbage yields
// a ParameterTypeError there.
func DecimalText(v string) Param {
	return Param{Type: TypeDecimal, Value: v}
}

// Bind returns the driver-level value for the parameter, or a
// ParameterTypeError when the value does not match the declared type.
// index is the zero-based position of the parameter, used in the error.
func (p Param) Bind(index int) (any, error) {
	switch p.Type {
	case TypeNull:
		if p.Value != nil {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return nil, nil
	case TypeInt:
		v, ok := asInt64(p.Value)
		if !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return v, nil
	case TypeFloat:
		v, ok := asFloat64(p.Value)
		if !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return v, nil
	case TypeText:
		v, ok := p.Value.(string)
		if !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return v, nil
	case TypeBool:
		v, ok := p.Value.(bool)
		if !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return v, nil
	case TypeBytes:
		v, ok := p.Value.([]byte)
		if !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return v, nil
	case TypeDecimal:
		d, ok, err := asDecimal(p.Value)
		if err != nil || !ok {
			return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		// Bind the canonical text so the database sees the same rendering
		// the key was derived from.
		return canonicalDecimal(d), nil
	default:
		return nil, &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
	}
}

// canonical returns the stable text rendering used for key derivation:
// "<type>:<text>". Equal values always render identically, so 5.0 and 5.00
// collapse to one key while 5.0 and 5.1 never do.
func (p Param) canonical(index int) (string, error) {
	switch p.Type {
	case TypeNull:
		if p.Value != nil {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "null:", nil
	case TypeInt:
		v, ok := asInt64(p.Value)
		if !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "int:" + strconv.FormatInt(v, 10), nil
	case TypeFloat:
		v, ok := asFloat64(p.Value)
		if !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		// Shortest exact rendering: 5.0 and 5.00 are both "5", 30.80 is "30.8".
		return "float:" + strconv.FormatFloat(v, 'f', -1, 64), nil
	case TypeText:
		v, ok := p.Value.(string)
		if !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "text:" + v, nil
	case TypeBool:
		v, ok := p.Value.(bool)
		if !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "bool:" + strconv.FormatBool(v), nil
	case TypeBytes:
		v, ok := p.Value.([]byte)
		if !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "bytes:" + hex.EncodeToString(v), nil
	case TypeDecimal:
		d, ok, err := asDecimal(p.Value)
		if err != nil || !ok {
			return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
		}
		return "decimal:" + canonicalDecimal(d), nil
	default:
		return "", &ParameterTypeError{Index: index, Declared: p.Type, Value: p.Value}
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

func asDecimal(v any) (decimal.Decimal, bool, error) {
	switch d := v.(type) {
	case decimal.Decimal:
		return d, true, nil
	case string:
		parsed, err := decimal.NewFromString(d)
		if err != nil {
			return decimal.Decimal{}, false, err
		}
		return parsed, true, nil
	default:
		return decimal.Decimal{}, false, nil
	}
}

// canonicalDecimal renders a decimal without trailing fractional zeros so
// equal values share a representation ("5.00" and "5.0" both become "5").
func canonicalDecimal(d decimal.Decimal) string {
	s := d.String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimRight(s, ".")
	}
	if s == "" || s == "-" {
		s = "0"
	}
	return s
}
