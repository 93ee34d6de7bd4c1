package mapper

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/schema"
)

type timeOverride struct {
	value     int64
	precision models.Precision
}

// Encode converts a record (struct or pointer to struct) into a point.
func (m *Mapper) Encode(record interface{}) (models.Point, error) {
	return m.encodeRecord(record, nil)
}

// EncodeAt converts a record into a point with an explicit timestamp, ignoring the record's own.
func (m *Mapper) EncodeAt(record interface{}, ts int64, precision models.Precision) (models.Point, error) {
	return m.encodeRecord(record, &timeOverride{value: ts, precision: precision})
}

// EncodeAll converts records of any registered types into points, preserving order.
// It fails without returning points if any record fails.
func (m *Mapper) EncodeAll(records ...interface{}) ([]models.Point, error) {
	points := make([]models.Point, 0, len(records))
	for i, rec := range records {
		p, err := m.encodeRecord(rec, nil)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// EncodeMany converts a slice of records of one type into points, preserving order.
// It fails without returning points if any record fails.
func EncodeMany[T any](m *Mapper, records []T) ([]models.Point, error) {
	if len(records) == 0 {
		return nil, nil
	}
	s, err := schema.For[T](m.cache)
	if err != nil {
		m.metrics.IncEncodeErrors()
		return nil, err
	}

	points := make([]models.Point, 0, len(records))
	for i := range records {
		rv, err := recordValue(reflect.ValueOf(&records[i]).Elem())
		if err != nil {
			m.metrics.IncEncodeErrors()
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		p, err := m.encode(rv, s, nil)
		if err != nil {
			m.countEncodeError(err)
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		points = append(points, p)
	}
	m.metrics.IncPointsEncoded(int64(len(points)))
	return points, nil
}

func (m *Mapper) encodeRecord(record interface{}, override *timeOverride) (models.Point, error) {
	if record == nil {
		m.metrics.IncEncodeErrors()
		return models.Point{}, ErrNilRecord
	}
	rv, err := recordValue(reflect.ValueOf(record))
	if err != nil {
		m.metrics.IncEncodeErrors()
		return models.Point{}, err
	}
	s, err := m.cache.Get(rv.Type())
	if err != nil {
		m.metrics.IncEncodeErrors()
		return models.Point{}, err
	}

	p, err := m.encode(rv, s, override)
	if err != nil {
		m.countEncodeError(err)
		return models.Point{}, err
	}
	m.metrics.IncPointsEncoded(1)
	return p, nil
}

func (m *Mapper) countEncodeError(err error) {
	m.metrics.IncEncodeErrors()
	var nte *NullTagError
	if errors.As(err, &nte) {
		m.metrics.IncNullTagErrors()
	}
}

// recordValue dereferences pointers down to the record struct.
func recordValue(rv reflect.Value) (reflect.Value, error) {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return reflect.Value{}, ErrNilRecord
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return reflect.Value{}, ErrNilRecord
	}
	return rv, nil
}

func (m *Mapper) encode(rv reflect.Value, s *schema.TypeSchema, override *timeOverride) (models.Point, error) {
	p := models.Point{
		Measurement: s.Measurement,
		Precision:   s.Precision,
	}

	switch {
	case override != nil:
		p.Timestamp = override.value
		if override.precision != models.PrecisionUnset {
			p.Precision = override.precision
		}
	default:
		ts, ok := recordTime(rv, s)
		if !ok {
			ts = s.Precision.FromTime(m.clock.Now())
		}
		p.Timestamp = ts
	}

	if len(s.Tags) > 0 {
		p.Tags = make([]models.Tag, 0, len(s.Tags))
	}
	for _, ref := range s.Tags {
		v, ok := ref.Get(rv)
		if !ok {
			if m.allowNullTags {
				continue
			}
			return models.Point{}, &NullTagError{Measurement: s.Measurement, Tag: ref.Column}
		}
		p.Tags = append(p.Tags, models.Tag{Key: ref.Column, Value: sanitizeUTF8(v.String())})
	}

	p.Fields = make([]models.Field, 0, len(s.Fields))
	for _, ref := range s.Fields {
		v, ok := ref.Get(rv)
		if !ok {
			continue
		}
		p.Fields = append(p.Fields, models.Field{Key: ref.Column, Value: fieldValue(ref.Kind, v)})
	}
	return p, nil
}

// recordTime reads the timestamp field in the schema precision. A zero time.Time or zero
// int64 counts as absent.
func recordTime(rv reflect.Value, s *schema.TypeSchema) (int64, bool) {
	if s.TimeField == nil {
		return 0, false
	}
	v, ok := s.TimeField.Get(rv)
	if !ok {
		return 0, false
	}
	switch s.TimeField.Kind {
	case schema.KindTime:
		t := v.Interface().(time.Time)
		if t.IsZero() {
			return 0, false
		}
		return s.Precision.FromTime(t), true
	case schema.KindInt64:
		if v.Int() == 0 {
			return 0, false
		}
		return v.Int(), true
	}
	return 0, false
}

func fieldValue(kind schema.Kind, v reflect.Value) models.Value {
	switch kind {
	case schema.KindBool:
		return models.BoolValue(v.Bool())
	case schema.KindInt8, schema.KindInt16, schema.KindInt32, schema.KindInt64:
		return models.Int64Value(v.Int())
	case schema.KindUint:
		u := v.Uint()
		if u > math.MaxInt64 {
			return models.StringValue(strconv.FormatUint(u, 10))
		}
		return models.Int64Value(int64(u))
	case schema.KindFloat32, schema.KindFloat64:
		return models.Float64Value(v.Float())
	case schema.KindString:
		return models.StringValue(sanitizeUTF8(v.String()))
	case schema.KindBytes:
		return models.StringValue(sanitizeUTF8(string(v.Bytes())))
	case schema.KindTime:
		return models.StringValue(v.Interface().(time.Time).UTC().Format(time.RFC3339Nano))
	default:
		return models.StringValue(sanitizeUTF8(fmt.Sprint(v.Interface())))
	}
}

func sanitizeUTF8(s string) string {
	out, _ := models.SanitizeUTF8(s)
	return out
}
