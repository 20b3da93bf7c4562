// Package domain holds the leaf types shared between the DHT and its stores.
package domain

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MaxValueSize bounds the payload of a stored value in bytes.
const MaxValueSize = 8 << 10

// ErrInvalidValue is returned for values outside the supported scalar kinds
// or larger than MaxValueSize.
var ErrInvalidValue = errors.New("invalid value")

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindString
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return "invalid"
	}
}

// Value is a small tagged union of int, float, bool, string or bytes.
// Only the field selected by Kind is meaningful.
type Value struct {
	Kind  ValueKind `msgpack:"k"`
	Int   int64     `msgpack:"i,omitempty"`
	Float float64   `msgpack:"f,omitempty"`
	Bool  bool      `msgpack:"b,omitempty"`
	Str   string    `msgpack:"s,omitempty"`
	Bytes []byte    `msgpack:"y,omitempty"`
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }
func BytesValue(v []byte) Value  { return Value{Kind: KindBytes, Bytes: append([]byte(nil), v...)} }

// NewValue converts a Go scalar into a Value. Unsupported types, unsigned
// integers above math.MaxInt64 and oversized payloads yield ErrInvalidValue.
func NewValue(v any) (Value, error) {
	var out Value
	switch x := v.(type) {
	case Value:
		out = x
	case int:
		out = IntValue(int64(x))
	case int8:
		out = IntValue(int64(x))
	case int16:
		out = IntValue(int64(x))
	case int32:
		out = IntValue(int64(x))
	case int64:
		out = IntValue(x)
	case uint8:
		out = IntValue(int64(x))
	case uint16:
		out = IntValue(int64(x))
	case uint32:
		out = IntValue(int64(x))
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint %d overflows int64", ErrInvalidValue, x)
		}
		out = IntValue(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return Value{}, fmt.Errorf("%w: uint64 %d overflows int64", ErrInvalidValue, x)
		}
		out = IntValue(int64(x))
	case float32:
		out = FloatValue(float64(x))
	case float64:
		out = FloatValue(x)
	case bool:
		out = BoolValue(x)
	case string:
		out = StringValue(x)
	case []byte:
		out = BytesValue(x)
	default:
		return Value{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidValue, v)
	}
	if err := out.Validate(); err != nil {
		return Value{}, err
	}
	return out, nil
}

// Validate reports whether v is a well-formed value.
func (v Value) Validate() error {
	switch v.Kind {
	case KindInt, KindFloat, KindBool:
		return nil
	case KindString:
		if len(v.Str) > MaxValueSize {
			return fmt.Errorf("%w: string of %d bytes exceeds %d", ErrInvalidValue, len(v.Str), MaxValueSize)
		}
		return nil
	case KindBytes:
		if len(v.Bytes) > MaxValueSize {
			return fmt.Errorf("%w: blob of %d bytes exceeds %d", ErrInvalidValue, len(v.Bytes), MaxValueSize)
		}
		return nil
	default:
		return fmt.Errorf("%w: kind %d", ErrInvalidValue, v.Kind)
	}
}

// IsZero reports whether v holds no variant.
func (v Value) IsZero() bool { return v.Kind == KindInvalid }

// Interface returns the Go scalar held by v.
func (v Value) Interface() any {
	switch v.Kind {
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	case KindBytes:
		return v.Bytes
	default:
		return nil
	}
}

// Equal compares kind and the active field.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return strconv.Quote(v.Str)
	case KindBytes:
		return "0x" + hex.EncodeToString(v.Bytes)
	default:
		return "<invalid>"
	}
}

// ParseValue parses the textual form used by the CLI: "int:42", "float:1.5",
// "bool:true", "bytes:<hex>" or "str:text". Input without a known prefix is
// taken as a string.
func ParseValue(s string) (Value, error) {
	kind, body, found := strings.Cut(s, ":")
	if !found {
		return NewValue(s)
	}
	switch kind {
	case "int":
		n, err := strconv.ParseInt(body, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return IntValue(n), nil
	case "float":
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return FloatValue(f), nil
	case "bool":
		b, err := strconv.ParseBool(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return BoolValue(b), nil
	case "bytes":
		raw, err := hex.DecodeString(body)
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return NewValue(raw)
	case "str":
		return NewValue(body)
	default:
		return NewValue(s)
	}
}
