package models

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// ValueKind identifies the scalar type carried by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

// Value is a field value written to the store: exactly one of bool, int64, float64 or string.
type Value struct {
	kind ValueKind
	num  uint64
	str  string
}

func BoolValue(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

func Int64Value(i int64) Value { return Value{kind: KindInt64, num: uint64(i)} }

func Float64Value(f float64) Value { return Value{kind: KindFloat64, num: math.Float64bits(f)} }

func StringValue(s string) Value { return Value{kind: KindString, str: s} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Bool() bool      { return v.kind == KindBool && v.num == 1 }
func (v Value) Int64() int64 {
	if v.kind != KindInt64 {
		return 0
	}
	return int64(v.num)
}
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		return 0
	}
	return math.Float64frombits(v.num)
}
func (v Value) Str() string { return v.str }

// Interface returns the value as bool, int64, float64 or string (nil for an invalid Value).
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.Bool()
	case KindInt64:
		return v.Int64()
	case KindFloat64:
		return v.Float64()
	case KindString:
		return v.str
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.Bool())
	case KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case KindString:
		return v.str
	default:
		return "<invalid>"
	}
}

// ValueOf wraps a Go scalar. It accepts the types produced by Interface plus the other
// integer and float widths, and fails for anything else.
func ValueOf(x interface{}) (Value, error) {
	switch t := x.(type) {
	case bool:
		return BoolValue(t), nil
	case int:
		return Int64Value(int64(t)), nil
	case int8:
		return Int64Value(int64(t)), nil
	case int16:
		return Int64Value(int64(t)), nil
	case int32:
		return Int64Value(int64(t)), nil
	case int64:
		return Int64Value(t), nil
	case uint8:
		return Int64Value(int64(t)), nil
	case uint16:
		return Int64Value(int64(t)), nil
	case uint32:
		return Int64Value(int64(t)), nil
	case float32:
		return Float64Value(float64(t)), nil
	case float64:
		return Float64Value(t), nil
	case string:
		return StringValue(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported field value type %T", x)
	}
}

// Tag is one tag of a point.
type Tag struct {
	Key   string
	Value string
}

// Field is one field of a point.
type Field struct {
	Key   string
	Value Value
}

// Point is the unit written to the time-series store.
// Tags and Fields keep the order of the record schema that produced them.
// A Point must not be modified once it has been handed to a transport.
type Point struct {
	Measurement string
	Timestamp   int64
	Precision   Precision
	Tags        []Tag
	Fields      []Field
}

// Time returns the point timestamp as a UTC time.
func (p *Point) Time() time.Time {
	return p.Precision.ToTime(p.Timestamp)
}

// Tag returns the value of the named tag.
func (p *Point) Tag(key string) (string, bool) {
	for _, t := range p.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Field returns the value of the named field.
func (p *Point) Field(key string) (Value, bool) {
	for _, f := range p.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// TagMap copies the tags into a map.
func (p *Point) TagMap() map[string]string {
	m := make(map[string]string, len(p.Tags))
	for _, t := range p.Tags {
		m[t.Key] = t.Value
	}
	return m
}

// FieldMap copies the fields into a map of plain Go values.
func (p *Point) FieldMap() map[string]interface{} {
	m := make(map[string]interface{}, len(p.Fields))
	for _, f := range p.Fields {
		m[f.Key] = f.Value.Interface()
	}
	return m
}
