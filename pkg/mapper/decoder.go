package mapper

import (
	"fmt"
	"reflect"
	"time"

	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/schema"
)

type decodeOptions struct {
	epoch models.Precision
}

// DecodeOption configures a decode call.
type DecodeOption func(*decodeOptions)

// WithEpoch declares the unit of numeric time values, for queries issued with an epoch
// precision. Without it numeric times are read as milliseconds.
func WithEpoch(p models.Precision) DecodeOption {
	return func(o *decodeOptions) {
		if p != models.PrecisionUnset {
			o.epoch = p
		}
	}
}

func newDecodeOptions(opts []DecodeOption) decodeOptions {
	o := decodeOptions{epoch: models.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Decode converts flat rows into records of type T, preserving row order. Rows with no
// column known to T's schema are skipped. T may be a struct or a pointer to a struct.
//
// An int64 timestamp field receives the time column in the schema's precision
// (milliseconds unless the type declares TimePrecision), the unit Encode reads it in.
func Decode[T any](m *Mapper, rows []models.FlatRow, opts ...DecodeOption) ([]T, error) {
	s, err := schema.For[T](m.cache)
	if err != nil {
		m.metrics.IncDecodeErrors()
		return nil, err
	}
	o := newDecodeOptions(opts)
	ptr := reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Ptr

	out := make([]T, 0, len(rows))
	for i := range rows {
		rec, ok, err := m.decodeRow(s, &rows[i], o)
		if err != nil {
			m.metrics.IncDecodeErrors()
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if !ok {
			m.metrics.IncRowsSkipped()
			continue
		}
		if ptr {
			out = append(out, rec.Addr().Interface().(T))
		} else {
			out = append(out, rec.Interface().(T))
		}
	}
	m.metrics.IncRecordsDecoded(int64(len(out)))
	return out, nil
}

// DecodeResult flattens res and decodes every row into T.
func DecodeResult[T any](m *Mapper, res *models.QueryResult, opts ...DecodeOption) ([]T, error) {
	rows, err := m.flatten(res, "")
	if err != nil {
		return nil, err
	}
	return Decode[T](m, rows, opts...)
}

// DecodeMeasurement decodes only the series named after T's measurement.
func DecodeMeasurement[T any](m *Mapper, res *models.QueryResult, opts ...DecodeOption) ([]T, error) {
	s, err := schema.For[T](m.cache)
	if err != nil {
		m.metrics.IncDecodeErrors()
		return nil, err
	}
	rows, err := m.flatten(res, s.Measurement)
	if err != nil {
		return nil, err
	}
	return Decode[T](m, rows, opts...)
}

// Flatten is the package Flatten with metrics.
func (m *Mapper) Flatten(res *models.QueryResult) ([]models.FlatRow, error) {
	return m.flatten(res, "")
}

func (m *Mapper) flatten(res *models.QueryResult, measurement string) ([]models.FlatRow, error) {
	rows, err := flatten(res, measurement)
	if err != nil {
		m.metrics.IncQueryResultErrors()
		return nil, err
	}
	m.metrics.IncRowsFlattened(int64(len(rows)))
	return rows, nil
}

// decodeRow returns an addressable record, or ok=false when the row shares no column with
// the schema.
func (m *Mapper) decodeRow(s *schema.TypeSchema, row *models.FlatRow, o decodeOptions) (reflect.Value, bool, error) {
	if !matches(s, row) {
		return reflect.Value{}, false, nil
	}
	rec := reflect.New(s.Type).Elem()

	if s.TimeField != nil {
		raw, ok := row.Values[s.TimeColumn]
		if !ok {
			raw = row.Values[s.TimeField.Column]
		}
		m.setTime(rec, s, raw, o)
	}

	for _, ref := range s.Fields {
		if err := assign(rec, ref, ref.Column, row.Values[ref.Column], o.epoch); err != nil {
			return reflect.Value{}, false, err
		}
	}
	for _, ref := range s.Tags {
		if err := assign(rec, ref, ref.Column, row.Values[ref.Column], o.epoch); err != nil {
			return reflect.Value{}, false, err
		}
	}

	// group-by tags are not row columns; they win over any column of the same name
	for key, val := range row.Tags {
		ref, role, ok := s.Lookup(key)
		if !ok || role == schema.RoleTime {
			continue
		}
		if err := assign(rec, ref, key, val, o.epoch); err != nil {
			return reflect.Value{}, false, err
		}
	}
	return rec, true, nil
}

func matches(s *schema.TypeSchema, row *models.FlatRow) bool {
	for col := range row.Values {
		if _, _, ok := s.Lookup(col); ok {
			return true
		}
	}
	for key := range row.Tags {
		if _, _, ok := s.Lookup(key); ok {
			return true
		}
	}
	return false
}

// setTime assigns the time column. Values that cannot be read as a time leave the field
// unset.
func (m *Mapper) setTime(rec reflect.Value, s *schema.TypeSchema, raw interface{}, o decodeOptions) {
	var t time.Time
	switch v := raw.(type) {
	case nil:
		return
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			m.metrics.IncTimeParseErrors()
			m.logger.Debug().Err(err).Str("measurement", s.Measurement).Str("value", v).Msg("Unparsable time column")
			return
		}
		t = parsed
	case float64:
		t = o.epoch.ToTime(truncate(v))
	case int64:
		t = o.epoch.ToTime(v)
	default:
		m.metrics.IncTimeParseErrors()
		m.logger.Debug().Str("measurement", s.Measurement).Str("wire_type", wireType(raw)).Msg("Unreadable time column")
		return
	}

	target := s.TimeField.Target(rec)
	if s.TimeField.Kind == schema.KindTime {
		target.Set(reflect.ValueOf(t))
		return
	}
	target.SetInt(s.Precision.FromTime(t))
}
