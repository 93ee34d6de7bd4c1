package schema

import (
	"reflect"
	"strings"

	"github.com/basekick-labs/pointmap/pkg/models"
)

// TagKey is the struct tag read by the resolver:
//
//	Host  string    `influx:"host,tag"`
//	Idle  int64     `influx:"idle"`
//	At    time.Time `influx:"time,timestamp"`
//	Debug string    `influx:"-"`
const TagKey = "influx"

const (
	DefaultTimeColumn = "time"
	DefaultPrecision  = models.Millisecond
)

// Resolver turns a record type's declarations into a TypeSchema.
// Resolution is deterministic and free of side effects.
type Resolver struct {
	timeColumn string
	precision  models.Precision
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeColumn sets the conventional timestamp column (default "time").
func WithTimeColumn(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.timeColumn = name
		}
	}
}

// WithDefaultPrecision sets the precision of types that do not declare one (default ms).
func WithDefaultPrecision(p models.Precision) Option {
	return func(r *Resolver) {
		if p != models.PrecisionUnset {
			r.precision = p
		}
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		timeColumn: DefaultTimeColumn,
		precision:  DefaultPrecision,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TimeColumn returns the configured conventional timestamp column.
func (r *Resolver) TimeColumn() string { return r.timeColumn }

type fieldSpec struct {
	name      string
	tag       bool
	timestamp bool
	ignore    bool
}

func parseFieldSpec(t reflect.Type, field, raw string) (fieldSpec, error) {
	var spec fieldSpec
	if raw == "-" {
		spec.ignore = true
		return spec, nil
	}
	parts := strings.Split(raw, ",")
	spec.name = strings.TrimSpace(parts[0])
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "tag":
			spec.tag = true
		case "timestamp":
			spec.timestamp = true
		case "":
		default:
			return spec, schemaErrorf(t, field, "unknown %s option %q", TagKey, opt)
		}
	}
	if spec.tag && spec.timestamp {
		return spec, schemaErrorf(t, field, "a field cannot be both tag and timestamp")
	}
	return spec, nil
}

type candidate struct {
	ref       *FieldRef
	depth     int
	tag       bool
	timestamp bool
	untagged  bool // column taken from the Go field name
}

// Resolve builds the schema of t, which must be a named struct or a pointer to one.
func (r *Resolver) Resolve(t reflect.Type) (*TypeSchema, error) {
	if t == nil {
		return nil, &SchemaError{Reason: "nil type"}
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, schemaErrorf(t, "", "record type must be a struct, got %s", t.Kind())
	}

	measurement, err := measurementOf(t)
	if err != nil {
		return nil, err
	}

	var cands []candidate
	if err := r.collect(t, t, nil, "", 0, map[reflect.Type]bool{t: true}, &cands); err != nil {
		return nil, err
	}

	var explicit *candidate
	for i := range cands {
		if !cands[i].timestamp {
			continue
		}
		if explicit != nil {
			return nil, schemaErrorf(t, cands[i].ref.Name, "more than one timestamp field (%s already marked)", explicit.ref.Name)
		}
		explicit = &cands[i]
	}

	kept, err := shadow(t, cands)
	if err != nil {
		return nil, err
	}
	if explicit != nil {
		for _, c := range kept {
			if c.ref.Column == explicit.ref.Column && c.ref != explicit.ref {
				return nil, schemaErrorf(t, explicit.ref.Name, "timestamp field is shadowed by %s", c.ref.Name)
			}
		}
	}

	s := &TypeSchema{
		Type:        t,
		Measurement: measurement,
		Precision:   precisionOf(t, r.precision),
		TimeColumn:  r.timeColumn,
	}

	if explicit != nil {
		s.TimeField = explicit.ref
	} else {
		s.TimeField = conventionalTime(kept, r.timeColumn)
	}
	if s.TimeField != nil {
		if k := s.TimeField.Kind; k != KindTime && k != KindInt64 {
			return nil, schemaErrorf(t, s.TimeField.Name, "timestamp field must be time.Time or int64, got %s", s.TimeField.Type)
		}
	}

	for _, c := range kept {
		if c.ref == s.TimeField {
			continue
		}
		// the time column is reserved once a timestamp field exists
		if s.TimeField != nil && c.ref.Column == r.timeColumn {
			continue
		}
		if c.tag {
			if c.ref.Kind != KindString {
				return nil, schemaErrorf(t, c.ref.Name, "tag %q must be a string, got %s", c.ref.Column, c.ref.Type)
			}
			s.Tags = append(s.Tags, c.ref)
			continue
		}
		s.Fields = append(s.Fields, c.ref)
	}

	s.index()
	return s, nil
}

// collect walks the fields of t depth-first, expanding embedded structs in place.
func (r *Resolver) collect(root, t reflect.Type, index []int, prefix string, depth int, visited map[reflect.Type]bool, out *[]candidate) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		path := prefix + sf.Name

		spec, err := parseFieldSpec(root, path, sf.Tag.Get(TagKey))
		if err != nil {
			return err
		}
		if spec.ignore {
			continue
		}

		fieldIndex := make([]int, len(index)+1)
		copy(fieldIndex, index)
		fieldIndex[len(index)] = i

		if sf.Anonymous && spec.name == "" && !spec.tag && !spec.timestamp {
			ft := sf.Type
			isPtr := ft.Kind() == reflect.Ptr
			if isPtr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				if isPtr && !sf.IsExported() {
					continue
				}
				if visited[ft] {
					continue
				}
				visited[ft] = true
				err := r.collect(root, ft, fieldIndex, path+".", depth+1, visited, out)
				delete(visited, ft)
				if err != nil {
					return err
				}
				continue
			}
		}

		if !sf.IsExported() {
			continue
		}

		kind, nullable := kindOf(sf.Type)
		column := spec.name
		if column == "" {
			column = sf.Name
		}

		*out = append(*out, candidate{
			ref: &FieldRef{
				Name:     path,
				Column:   column,
				Kind:     kind,
				Nullable: nullable,
				Type:     sf.Type,
				Index:    fieldIndex,
			},
			depth:     depth,
			tag:       spec.tag,
			timestamp: spec.timestamp,
			untagged:  spec.name == "",
		})
	}
	return nil
}

// conventionalTime finds the field standing in for the time column: an exact column
// match first, then an untagged field whose Go name is the column in any case (Time).
func conventionalTime(kept []candidate, column string) *FieldRef {
	for _, c := range kept {
		if c.ref.Column == column {
			return c.ref
		}
	}
	for _, c := range kept {
		if c.untagged && !c.tag && strings.EqualFold(c.ref.Column, column) {
			return c.ref
		}
	}
	return nil
}

// shadow keeps the shallowest declaration of each column. Two declarations at the same
// depth are ambiguous.
func shadow(t reflect.Type, cands []candidate) ([]candidate, error) {
	best := make(map[string]int, len(cands))
	for i, c := range cands {
		j, seen := best[c.ref.Column]
		switch {
		case !seen:
			best[c.ref.Column] = i
		case c.depth < cands[j].depth:
			best[c.ref.Column] = i
		case c.depth == cands[j].depth:
			return nil, schemaErrorf(t, c.ref.Name, "column %q is already declared by %s", c.ref.Column, cands[j].ref.Name)
		}
	}

	kept := make([]candidate, 0, len(best))
	for i, c := range cands {
		if best[c.ref.Column] == i {
			kept = append(kept, c)
		}
	}
	return kept, nil
}

func measurementOf(t reflect.Type) (string, error) {
	var name string
	if m, ok := reflect.Zero(t).Interface().(Measurer); ok {
		name = m.Measurement()
	} else if m, ok := reflect.New(t).Interface().(Measurer); ok {
		name = m.Measurement()
	}
	if name == "" {
		name = t.Name()
	}
	if name == "" {
		return "", schemaErrorf(t, "", "no measurement declared and the type has no name")
	}
	return name, nil
}

func precisionOf(t reflect.Type, fallback models.Precision) models.Precision {
	var p models.Precision
	if d, ok := reflect.Zero(t).Interface().(Precisioner); ok {
		p = d.TimePrecision()
	} else if d, ok := reflect.New(t).Interface().(Precisioner); ok {
		p = d.TimePrecision()
	}
	if p == models.PrecisionUnset {
		return fallback
	}
	return p
}
