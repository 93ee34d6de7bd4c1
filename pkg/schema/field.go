package schema

import "reflect"

// Role is the wire role of a column.
type Role uint8

const (
	RoleField Role = iota
	RoleTag
	RoleTime
)

func (r Role) String() string {
	switch r {
	case RoleTag:
		return "tag"
	case RoleTime:
		return "time"
	default:
		return "field"
	}
}

// FieldRef locates one record field and carries its declared scalar type.
// The index path is resolved once; Get and Target never search by name.
type FieldRef struct {
	// Name is the Go field path, dotted through embedded structs.
	Name     string
	Column   string
	Kind     Kind
	Nullable bool
	Type     reflect.Type
	Index    []int
}

// Get returns the field's scalar value with pointers dereferenced. ok is false when the
// field is null: a nil pointer or byte slice, or a nil embedded pointer on the path.
func (f *FieldRef) Get(rec reflect.Value) (reflect.Value, bool) {
	v := rec
	for i, idx := range f.Index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}, false
			}
			v = v.Elem()
		}
		v = v.Field(idx)
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return reflect.Value{}, false
		}
		return v.Elem(), true
	case reflect.Slice:
		if v.IsNil() {
			return reflect.Value{}, false
		}
	}
	return v, true
}

// Target returns the settable scalar behind the field, allocating nil pointers on the way.
// rec must be addressable.
func (f *FieldRef) Target(rec reflect.Value) reflect.Value {
	v := rec
	for i, idx := range f.Index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(idx)
	}

	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	return v
}
