package mapper

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/basekick-labs/pointmap/pkg/schema"
)

// ErrNilRecord is returned when a nil record (or nil pointer) is passed to the encoder.
var ErrNilRecord = errors.New("mapper: nil record")

// NullTagError is returned when a tag field is null and null tags are not allowed.
type NullTagError struct {
	Measurement string
	Tag         string
}

func (e *NullTagError) Error() string {
	return fmt.Sprintf("mapper: tag %q of measurement %q is null", e.Tag, e.Measurement)
}

// QueryError is a server-side error embedded in a query result.
// ResultIndex is -1 when the error is attached to the whole response.
type QueryError struct {
	ResultIndex int
	Message     string
}

func (e *QueryError) Error() string {
	if e.ResultIndex < 0 {
		return "mapper: query failed: " + e.Message
	}
	return fmt.Sprintf("mapper: query failed in result %d: %s", e.ResultIndex, e.Message)
}

// TypeMismatchError is returned when a wire value cannot be coerced into the declared field type.
type TypeMismatchError struct {
	Field    string
	Column   string
	Declared schema.Kind
	Wire     string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("mapper: cannot decode %s value of column %q into field %s (%s)", e.Wire, e.Column, e.Field, e.Declared)
}

// UnsupportedFieldTypeError is returned when decoding into a field whose declared type has
// no coercion from any wire value.
type UnsupportedFieldTypeError struct {
	Field string
	Type  reflect.Type
}

func (e *UnsupportedFieldTypeError) Error() string {
	return fmt.Sprintf("mapper: unsupported type %s for field %s", e.Type, e.Field)
}

func wireType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case float64:
		return "float64"
	case int64:
		return "int64"
	case string:
		return "string"
	case bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", v)
	}
}
