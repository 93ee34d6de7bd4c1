package schema

import (
	"reflect"
	"time"
)

// Kind is the declared scalar type of a record field.
type Kind uint8

const (
	KindOther Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint
	KindFloat32
	KindFloat64
	KindString
	KindBytes
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindUint:
		return "uint"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindTime:
		return "time"
	default:
		return "other"
	}
}

// IsInteger reports whether the kind is a signed or unsigned integer.
func (k Kind) IsInteger() bool {
	switch k {
	case KindInt8, KindInt16, KindInt32, KindInt64, KindUint:
		return true
	}
	return false
}

// IsFloat reports whether the kind is float32 or float64.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

var timeType = reflect.TypeOf(time.Time{})

// kindOf classifies a declared field type. Pointers to scalars are nullable,
// as are byte slices.
func kindOf(t reflect.Type) (Kind, bool) {
	if t.Kind() == reflect.Ptr {
		elem := t.Elem()
		if elem.Kind() == reflect.Ptr {
			return KindOther, true
		}
		k, _ := kindOf(elem)
		return k, true
	}
	if t == timeType {
		return KindTime, false
	}

	switch t.Kind() {
	case reflect.Bool:
		return KindBool, false
	case reflect.Int8:
		return KindInt8, false
	case reflect.Int16:
		return KindInt16, false
	case reflect.Int32:
		return KindInt32, false
	case reflect.Int, reflect.Int64:
		return KindInt64, false
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return KindUint, false
	case reflect.Float32:
		return KindFloat32, false
	case reflect.Float64:
		return KindFloat64, false
	case reflect.String:
		return KindString, false
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return KindBytes, true
		}
	}
	return KindOther, false
}
