package transport

// Line protocol format:
//
//	measurement[,tag_key=tag_value...] field_key=field_value[,field_key=field_value...] [timestamp]
//
// Examples:
//
//	cpu,host=server01,region=us-west usage_idle=90.5,usage_system=2.1 1609459200000000000
//	temperature,sensor=bedroom temp=22.5
//	http_requests,method=GET,status=200 count=1i

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/raulk/clock"

	"github.com/basekick-labs/pointmap/pkg/models"
)

var (
	measurementEscaper = strings.NewReplacer(`,`, `\,`, ` `, `\ `)
	keyEscaper         = strings.NewReplacer(`,`, `\,`, `=`, `\=`, ` `, `\ `)
	stringEscaper      = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// AppendPoint appends p as one line of line protocol, timestamp rescaled to precision.
// Tags are written sorted by key and empty tag values are dropped.
func AppendPoint(dst []byte, p *models.Point, precision models.Precision) ([]byte, error) {
	if p.Measurement == "" {
		return dst, errors.New("line protocol: empty measurement")
	}
	if len(p.Fields) == 0 {
		return dst, fmt.Errorf("line protocol: %s: point has no fields", p.Measurement)
	}

	dst = append(dst, measurementEscaper.Replace(p.Measurement)...)

	tags := p.Tags
	if !sort.SliceIsSorted(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key }) {
		tags = append([]models.Tag(nil), p.Tags...)
		sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	}
	for _, t := range tags {
		if t.Key == "" || t.Value == "" {
			continue
		}
		dst = append(dst, ',')
		dst = append(dst, keyEscaper.Replace(t.Key)...)
		dst = append(dst, '=')
		dst = append(dst, keyEscaper.Replace(t.Value)...)
	}

	for i, f := range p.Fields {
		if i == 0 {
			dst = append(dst, ' ')
		} else {
			dst = append(dst, ',')
		}
		dst = append(dst, keyEscaper.Replace(f.Key)...)
		dst = append(dst, '=')

		switch f.Value.Kind() {
		case models.KindFloat64:
			v := f.Value.Float64()
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return dst, fmt.Errorf("line protocol: %s: field %q is %v", p.Measurement, f.Key, v)
			}
			dst = strconv.AppendFloat(dst, v, 'f', -1, 64)
		case models.KindInt64:
			dst = strconv.AppendInt(dst, f.Value.Int64(), 10)
			dst = append(dst, 'i')
		case models.KindBool:
			dst = strconv.AppendBool(dst, f.Value.Bool())
		case models.KindString:
			dst = append(dst, '"')
			dst = append(dst, stringEscaper.Replace(f.Value.Str())...)
			dst = append(dst, '"')
		default:
			return dst, fmt.Errorf("line protocol: %s: field %q has no value", p.Measurement, f.Key)
		}
	}

	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, p.Precision.Convert(p.Timestamp, precision), 10)
	return append(dst, '\n'), nil
}

// LineParser parses line protocol into points. Lines without a timestamp are stamped
// with the parser clock.
type LineParser struct {
	clock clock.Clock
}

// NewLineParser creates a parser. A nil clock uses the wall clock.
func NewLineParser(c clock.Clock) *LineParser {
	if c == nil {
		c = clock.New()
	}
	return &LineParser{clock: c}
}

// Parse parses every line of data. Timestamps are read in precision (unset means
// nanoseconds) and kept in it. Blank lines and comments are ignored; malformed lines are
// skipped and counted.
func (lp *LineParser) Parse(data []byte, precision models.Precision) (points []models.Point, skipped int) {
	if precision == models.PrecisionUnset {
		precision = models.Nanosecond
	}
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		p, ok := lp.parseLine(line, precision)
		if !ok {
			skipped++
			continue
		}
		points = append(points, p)
	}
	return points, skipped
}

func (lp *LineParser) parseLine(line []byte, precision models.Precision) (models.Point, bool) {
	parts := splitOnDelimiter(line, ' ')
	if len(parts) < 2 || len(parts) > 3 {
		return models.Point{}, false
	}

	measurement, tags := parseMeasurementTags(parts[0])
	if measurement == "" {
		return models.Point{}, false
	}
	fields := parseFields(parts[1])
	if len(fields) == 0 {
		return models.Point{}, false
	}

	p := models.Point{
		Measurement: measurement,
		Precision:   precision,
		Tags:        tags,
		Fields:      fields,
	}
	if len(parts) == 3 {
		ts, err := strconv.ParseInt(string(parts[2]), 10, 64)
		if err != nil {
			return models.Point{}, false
		}
		p.Timestamp = ts
	} else {
		p.Timestamp = precision.FromTime(lp.clock.Now())
	}
	return p, true
}

// splitOnDelimiter splits on an unescaped delimiter outside quoted strings.
func splitOnDelimiter(data []byte, delim byte) [][]byte {
	var parts [][]byte
	start := 0
	inQuotes := false

	for i := 0; i < len(data); i++ {
		switch c := data[i]; {
		case c == '\\' && i+1 < len(data):
			i++
		case c == '"':
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			if i > start {
				parts = append(parts, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		parts = append(parts, data[start:])
	}
	return parts
}

func parseMeasurementTags(part []byte) (string, []models.Tag) {
	components := splitOnDelimiter(part, ',')
	if len(components) == 0 {
		return "", nil
	}

	measurement := unescape(components[0])
	var tags []models.Tag
	for _, c := range components[1:] {
		idx := indexUnescaped(c, '=')
		if idx <= 0 {
			continue
		}
		tags = append(tags, models.Tag{Key: unescape(c[:idx]), Value: unescape(c[idx+1:])})
	}
	return measurement, tags
}

func parseFields(part []byte) []models.Field {
	var fields []models.Field
	for _, fp := range splitOnDelimiter(part, ',') {
		idx := indexUnescaped(fp, '=')
		if idx <= 0 {
			continue
		}
		v, ok := parseFieldValue(fp[idx+1:])
		if !ok {
			continue
		}
		fields = append(fields, models.Field{Key: unescape(fp[:idx]), Value: v})
	}
	return fields
}

// parseFieldValue reads a value by its type indicator:
//   - integer: 123i
//   - unsigned: 123u (kept as Int64 when it fits)
//   - float: 123.45
//   - string: "hello"
//   - boolean: t, T, true, True, TRUE, f, F, false, False, FALSE
func parseFieldValue(raw []byte) (models.Value, bool) {
	if len(raw) == 0 {
		return models.Value{}, false
	}
	s := string(raw)

	if raw[0] == '"' {
		if len(raw) < 2 || raw[len(raw)-1] != '"' {
			return models.Value{}, false
		}
		str, _ := models.SanitizeUTF8(unescapeString(raw[1 : len(raw)-1]))
		return models.StringValue(str), true
	}

	switch s {
	case "t", "T", "true", "True", "TRUE":
		return models.BoolValue(true), true
	case "f", "F", "false", "False", "FALSE":
		return models.BoolValue(false), true
	}

	switch raw[len(raw)-1] {
	case 'i':
		v, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return models.Value{}, false
		}
		return models.Int64Value(v), true
	case 'u':
		v, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
		if err != nil || v > math.MaxInt64 {
			return models.Value{}, false
		}
		return models.Int64Value(int64(v)), true
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return models.Value{}, false
	}
	return models.Float64Value(f), true
}

func indexUnescaped(data []byte, c byte) int {
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' {
			i++
			continue
		}
		if data[i] == c {
			return i
		}
	}
	return -1
}

// unescape removes the backslash from \, \= and \space.
func unescape(data []byte) string {
	if bytes.IndexByte(data, '\\') < 0 {
		return string(data)
	}
	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			switch next := data[i+1]; next {
			case ',', ' ', '=':
				buf = append(buf, next)
				i++
				continue
			}
		}
		buf = append(buf, data[i])
	}
	return string(buf)
}

// unescapeString removes the backslash from \" and \\ inside a string field.
func unescapeString(data []byte) string {
	if bytes.IndexByte(data, '\\') < 0 {
		return string(data)
	}
	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) && (data[i+1] == '"' || data[i+1] == '\\') {
			buf = append(buf, data[i+1])
			i++
			continue
		}
		buf = append(buf, data[i])
	}
	return string(buf)
}
