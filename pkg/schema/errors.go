package schema

import (
	"fmt"
	"reflect"
)

// SchemaError reports invalid declarative metadata on a record type.
// It is raised at resolution time and is never worth retrying.
type SchemaError struct {
	Type   reflect.Type
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	name := "<nil>"
	if e.Type != nil {
		name = e.Type.String()
	}
	if e.Field != "" {
		return fmt.Sprintf("schema: %s.%s: %s", name, e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: %s: %s", name, e.Reason)
}

func schemaErrorf(t reflect.Type, field, format string, args ...interface{}) *SchemaError {
	return &SchemaError{Type: t, Field: field, Reason: fmt.Sprintf(format, args...)}
}
