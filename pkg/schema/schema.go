package schema

import (
	"reflect"

	"github.com/basekick-labs/pointmap/pkg/models"
)

// Measurer is implemented by record types that declare their measurement name.
type Measurer interface {
	Measurement() string
}

// Precisioner is implemented by record types that declare the precision of their timestamps.
type Precisioner interface {
	TimePrecision() models.Precision
}

// TypeSchema is the resolved mapping between a record type and its wire representation.
// It is immutable after resolution and safe to share between goroutines.
type TypeSchema struct {
	Type        reflect.Type
	Measurement string
	Precision   models.Precision

	// TimeColumn is the result column that carries the timestamp, "time" unless configured.
	TimeColumn string
	TimeField  *FieldRef

	// Tags and Fields keep declaration order.
	Tags   []*FieldRef
	Fields []*FieldRef

	columns map[string]columnRef
}

type columnRef struct {
	ref  *FieldRef
	role Role
}

func (s *TypeSchema) index() {
	s.columns = make(map[string]columnRef, len(s.Tags)+len(s.Fields)+2)
	for _, f := range s.Fields {
		s.columns[f.Column] = columnRef{ref: f, role: RoleField}
	}
	for _, f := range s.Tags {
		s.columns[f.Column] = columnRef{ref: f, role: RoleTag}
	}
	if s.TimeField != nil {
		s.columns[s.TimeField.Column] = columnRef{ref: s.TimeField, role: RoleTime}
		s.columns[s.TimeColumn] = columnRef{ref: s.TimeField, role: RoleTime}
	}
}

// Lookup finds the field bound to a wire column.
func (s *TypeSchema) Lookup(column string) (*FieldRef, Role, bool) {
	c, ok := s.columns[column]
	if !ok {
		return nil, RoleField, false
	}
	return c.ref, c.role, true
}

// Tag returns the tag field bound to column, or nil.
func (s *TypeSchema) Tag(column string) *FieldRef {
	if c, ok := s.columns[column]; ok && c.role == RoleTag {
		return c.ref
	}
	return nil
}

// Field returns the value field bound to column, or nil.
func (s *TypeSchema) Field(column string) *FieldRef {
	if c, ok := s.columns[column]; ok && c.role == RoleField {
		return c.ref
	}
	return nil
}

// Columns lists every wire column the schema reads: time first, then tags, then fields.
func (s *TypeSchema) Columns() []string {
	cols := make([]string, 0, len(s.Tags)+len(s.Fields)+1)
	if s.TimeField != nil {
		cols = append(cols, s.TimeColumn)
	}
	for _, f := range s.Tags {
		cols = append(cols, f.Column)
	}
	for _, f := range s.Fields {
		cols = append(cols, f.Column)
	}
	return cols
}
