package mapper

import (
	"errors"
	"testing"
	"time"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/basekick-labs/pointmap/internal/metrics"
	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/basekick-labs/pointmap/pkg/schema"
)

type cpu struct {
	Time   time.Time `influx:"time"`
	Tenant string    `influx:"tenant,tag"`
	Idle   int64     `influx:"idle"`
	User   int64     `influx:"user"`
	System int64     `influx:"system"`
}

func (cpu) Measurement() string { return "cpu" }

type reading struct {
	Time     time.Time `influx:"time"`
	Sensor   *string   `influx:"sensor,tag"`
	Site     string    `influx:"site,tag"`
	Temp     float64   `influx:"temp"`
	Humidity *float32  `influx:"humidity"`
	Ok       bool      `influx:"ok"`
	Note     string    `influx:"note"`
	Level    int8      `influx:"level"`
	Count    uint32    `influx:"count"`
}

func newTestMapper(t *testing.T, opts ...Option) (*Mapper, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithMetrics(m)}, opts...)
	return New(opts...), m
}

func strPtr(s string) *string { return &s }

// asResult wraps a point as a single-series query result the way a server would return it:
// time as RFC3339 text and every number as float64.
func asResult(p models.Point) *models.QueryResult {
	cols := []string{"time"}
	row := []interface{}{p.Time().Format(time.RFC3339Nano)}
	for _, tag := range p.Tags {
		cols = append(cols, tag.Key)
		row = append(row, tag.Value)
	}
	for _, f := range p.Fields {
		cols = append(cols, f.Key)
		switch f.Value.Kind() {
		case models.KindInt64:
			row = append(row, float64(f.Value.Int64()))
		default:
			row = append(row, f.Value.Interface())
		}
	}
	return &models.QueryResult{Results: []models.Result{{
		Series: []models.Series{{Name: p.Measurement, Columns: cols, Values: [][]interface{}{row}}},
	}}}
}

func TestEncodeCPUSample(t *testing.T) {
	m, met := newTestMapper(t)
	ts := time.Date(2024, 3, 1, 12, 30, 0, 250*int(time.Millisecond), time.UTC)

	p, err := m.Encode(cpu{Time: ts, Tenant: "default", Idle: 91, User: 1, System: 1})
	require.NoError(t, err)

	assert.Equal(t, "cpu", p.Measurement)
	assert.Equal(t, models.Millisecond, p.Precision)
	assert.Equal(t, ts.UnixMilli(), p.Timestamp)
	assert.Equal(t, []models.Tag{{Key: "tenant", Value: "default"}}, p.Tags)
	assert.Equal(t, map[string]interface{}{"idle": int64(91), "user": int64(1), "system": int64(1)}, p.FieldMap())
	assert.Equal(t, int64(1), met.Snapshot()["points_encoded_total"])
}

func TestDecodeCPUSample(t *testing.T) {
	m, _ := newTestMapper(t)
	ts := time.Date(2024, 3, 1, 12, 30, 0, 250*int(time.Millisecond), time.UTC)

	res := &models.QueryResult{Results: []models.Result{{
		Series: []models.Series{{
			Name:    "cpu",
			Columns: []string{"time", "tenant", "idle", "user", "system"},
			Values:  [][]interface{}{{"2024-03-01T12:30:00.25Z", "default", 91.0, 1.0, 1.0}},
		}},
	}}}

	got, err := DecodeResult[cpu](m, res)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cpu{Time: ts, Tenant: "default", Idle: 91, User: 1, System: 1}, got[0])
}

func TestRoundTrip(t *testing.T) {
	m, _ := newTestMapper(t)
	ts := time.Date(2023, 11, 14, 22, 13, 20, 123*int(time.Millisecond), time.UTC)
	hum := float32(40.5)

	tests := []struct {
		name string
		in   reading
		want reading
	}{
		{
			name: "all fields set",
			in: reading{Time: ts, Sensor: strPtr("s1"), Site: "lab", Temp: 21.25, Humidity: &hum,
				Ok: true, Note: "calibrated", Level: -3, Count: 7},
			want: reading{Time: ts, Sensor: strPtr("s1"), Site: "lab", Temp: 21.25, Humidity: &hum,
				Ok: true, Note: "calibrated", Level: -3, Count: 7},
		},
		{
			name: "null field comes back unset",
			in:   reading{Time: ts, Sensor: strPtr("s2"), Site: "roof", Temp: -4},
			want: reading{Time: ts, Sensor: strPtr("s2"), Site: "roof", Temp: -4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := m.Encode(&tt.in)
			require.NoError(t, err)

			got, err := DecodeResult[reading](m, asResult(p))
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestDecodeGroupBy(t *testing.T) {
	m, _ := newTestMapper(t)

	res := &models.QueryResult{Results: []models.Result{{
		Series: []models.Series{{
			Name:    "cpu",
			Tags:    map[string]string{"tenant": "default"},
			Columns: []string{"time", "idle"},
			Values: [][]interface{}{
				{"2024-03-01T00:00:00Z", 90.0},
				{"2024-03-01T00:01:00Z", 92.0},
			},
		}},
	}}}

	rows, err := Flatten(res)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.NotContains(t, rows[0].Values, "tenant")
	assert.Equal(t, "default", rows[0].Tags["tenant"])

	rows[0].Tags["tenant"] = "other"
	assert.Equal(t, "default", rows[1].Tags["tenant"])
	assert.Equal(t, "default", res.Results[0].Series[0].Tags["tenant"])
	rows[0].Tags["tenant"] = "default"

	got, err := Decode[cpu](m, rows)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "default", got[0].Tenant)
	assert.Equal(t, int64(90), got[0].Idle)
	assert.Equal(t, int64(92), got[1].Idle)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 1, 0, 0, time.UTC), got[1].Time)
}

func TestFlattenServerError(t *testing.T) {
	tests := []struct {
		name  string
		res   *models.QueryResult
		index int
	}{
		{
			name: "result error",
			res: &models.QueryResult{Results: []models.Result{
				{Err: "measurement not found"},
			}},
			index: 0,
		},
		{
			name: "first error wins",
			res: &models.QueryResult{Results: []models.Result{
				{Series: []models.Series{{Name: "cpu", Columns: []string{"idle"}, Values: [][]interface{}{{1.0}}}}},
				{Err: "boom"},
				{Err: "later"},
			}},
			index: 1,
		},
		{
			name:  "response error",
			res:   &models.QueryResult{Err: "database not found"},
			index: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := Flatten(tt.res)
			require.Error(t, err)
			assert.Empty(t, rows)

			var qe *QueryError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, tt.index, qe.ResultIndex)
		})
	}
}

func TestFlattenOrderAndFilter(t *testing.T) {
	res := &models.QueryResult{Results: []models.Result{
		{Series: []models.Series{
			{Name: "cpu", Columns: []string{"idle"}, Values: [][]interface{}{{1.0}, {2.0}}},
			{Name: "mem", Columns: []string{"used"}, Values: [][]interface{}{{3.0}}},
		}},
		{},
		{Series: []models.Series{
			{Name: "cpu", Columns: []string{"idle", "extra"}, Values: [][]interface{}{{4.0}}},
		}},
	}}

	rows, err := Flatten(res)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []interface{}{1.0, 2.0, 3.0, 4.0}, []interface{}{
		rows[0].Values["idle"], rows[1].Values["idle"], rows[2].Values["used"], rows[3].Values["idle"],
	})
	assert.NotContains(t, rows[3].Values, "extra")

	rows, err = FlattenMeasurement(res, "cpu")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "cpu", r.Series)
	}

	rows, err = Flatten(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDecodeNumericNarrowing(t *testing.T) {
	type narrow struct {
		I64 int64   `influx:"i64"`
		I32 int32   `influx:"i32"`
		I8  int8    `influx:"i8"`
		U16 uint16  `influx:"u16"`
		F32 float32 `influx:"f32"`
		S   string  `influx:"s"`
	}

	m, _ := newTestMapper(t)
	rows := []models.FlatRow{{Values: map[string]interface{}{
		"i64": 91.7,
		"i32": -91.7,
		"i8":  300.0,
		"u16": 65537.0,
		"f32": 0.5,
		"s":   91.0,
	}}}

	got, err := Decode[narrow](m, rows)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(91), got[0].I64)
	assert.Equal(t, int32(-91), got[0].I32)
	assert.Equal(t, int8(44), got[0].I8)
	assert.Equal(t, uint16(1), got[0].U16)
	assert.Equal(t, float32(0.5), got[0].F32)
	assert.Equal(t, "91", got[0].S)

	p, err := m.Encode(narrow{I64: 91})
	require.NoError(t, err)
	back, err := DecodeResult[narrow](m, asResult(p))
	require.NoError(t, err)
	assert.Equal(t, int64(91), back[0].I64)
}

func TestNullTagPolicy(t *testing.T) {
	rec := reading{Site: "lab", Temp: 20}

	t.Run("disallowed by default", func(t *testing.T) {
		m, met := newTestMapper(t)
		_, err := m.Encode(rec)
		require.Error(t, err)

		var nte *NullTagError
		require.True(t, errors.As(err, &nte))
		assert.Equal(t, "sensor", nte.Tag)
		assert.Equal(t, "reading", nte.Measurement)
		assert.Equal(t, int64(1), met.Snapshot()["null_tag_errors_total"])
	})

	t.Run("allowed omits the tag", func(t *testing.T) {
		m, _ := newTestMapper(t, WithAllowNullTags(true))
		p, err := m.Encode(rec)
		require.NoError(t, err)

		_, ok := p.Tag("sensor")
		assert.False(t, ok)
		assert.Equal(t, map[string]string{"site": "lab"}, p.TagMap())
	})
}

func TestTagTypeInvariant(t *testing.T) {
	type badTag struct {
		Core  int `influx:"core,tag"`
		Value float64
	}

	m, _ := newTestMapper(t)
	_, err := m.Schema(badTag{})
	var se *schema.SchemaError
	require.True(t, errors.As(err, &se))

	_, err = m.Encode(badTag{Core: 1})
	require.True(t, errors.As(err, &se))
}

func TestEncodeTimestampSources(t *testing.T) {
	mock := clock.NewMock()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(now)
	m, _ := newTestMapper(t, WithClock(mock))

	t.Run("zero time uses the clock", func(t *testing.T) {
		p, err := m.Encode(cpu{Tenant: "a"})
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli(), p.Timestamp)
	})

	t.Run("explicit override", func(t *testing.T) {
		p, err := m.EncodeAt(cpu{Tenant: "a", Time: now}, 42, models.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(42), p.Timestamp)
		assert.Equal(t, models.Second, p.Precision)
	})

	t.Run("int64 timestamp in declared precision", func(t *testing.T) {
		p, err := m.Encode(epochSample{At: 1700000000, Value: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000), p.Timestamp)
		assert.Equal(t, models.Second, p.Precision)
		_, ok := p.Field("at")
		assert.False(t, ok)
	})

	t.Run("untagged Time field", func(t *testing.T) {
		type load struct {
			Time time.Time
			Idle float64
		}
		at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		p, err := m.Encode(load{Time: at, Idle: 1})
		require.NoError(t, err)
		assert.Equal(t, at.UnixMilli(), p.Timestamp)
		assert.Equal(t, map[string]interface{}{"Idle": 1.0}, p.FieldMap())

		got, err := DecodeResult[load](m, asResult(p))
		require.NoError(t, err)
		assert.Equal(t, []load{{Time: at, Idle: 1}}, got)
	})

	t.Run("no timestamp field", func(t *testing.T) {
		type untimed struct{ Value float64 }
		p, err := m.Encode(untimed{Value: 1})
		require.NoError(t, err)
		assert.Equal(t, now.UnixMilli(), p.Timestamp)
	})
}

type epochSample struct {
	At    int64 `influx:"at,timestamp"`
	Value float64
}

func (epochSample) TimePrecision() models.Precision { return models.Second }

func TestDecodeTimeColumn(t *testing.T) {
	m, met := newTestMapper(t)

	t.Run("unparsable text leaves the field unset", func(t *testing.T) {
		rows := []models.FlatRow{{Values: map[string]interface{}{"time": "yesterday", "idle": 1.0}}}
		got, err := Decode[cpu](m, rows)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Time.IsZero())
		assert.Equal(t, int64(1), got[0].Idle)
		assert.Equal(t, int64(1), met.Snapshot()["time_parse_errors_total"])
	})

	t.Run("numeric epoch", func(t *testing.T) {
		rows := []models.FlatRow{{Values: map[string]interface{}{"time": 1700000000.0, "idle": 1.0}}}
		got, err := Decode[cpu](m, rows, WithEpoch(models.Second))
		require.NoError(t, err)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), got[0].Time)
	})

	t.Run("int64 target keeps the schema precision", func(t *testing.T) {
		rows := []models.FlatRow{{Values: map[string]interface{}{"time": "2023-11-14T22:13:20Z", "Value": 2.0}}}
		got, err := Decode[*epochSample](m, rows)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(1700000000), got[0].At)
		assert.Equal(t, 2.0, got[0].Value)
	})

	t.Run("offset suffix", func(t *testing.T) {
		rows := []models.FlatRow{{Values: map[string]interface{}{"time": "2024-03-01T14:00:00.123456789+02:00"}}}
		got, err := Decode[cpu](m, rows)
		require.NoError(t, err)
		assert.True(t, got[0].Time.Equal(time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)))
	})
}

func TestDecodeCoercionErrors(t *testing.T) {
	type flags struct {
		On    bool              `influx:"on"`
		Count int64             `influx:"count"`
		Meta  map[string]string `influx:"meta"`
		Raw   []byte            `influx:"raw"`
	}

	m, _ := newTestMapper(t)

	got, err := Decode[flags](m, []models.FlatRow{{Values: map[string]interface{}{"on": "TRUE", "raw": "abc"}}})
	require.NoError(t, err)
	assert.True(t, got[0].On)
	assert.Equal(t, []byte("abc"), got[0].Raw)

	_, err = Decode[flags](m, []models.FlatRow{{Values: map[string]interface{}{"on": "maybe"}}})
	var tme *TypeMismatchError
	require.True(t, errors.As(err, &tme))
	assert.Equal(t, "On", tme.Field)
	assert.Equal(t, schema.KindBool, tme.Declared)
	assert.Equal(t, "string", tme.Wire)

	_, err = Decode[flags](m, []models.FlatRow{{Values: map[string]interface{}{"count": "12"}}})
	require.True(t, errors.As(err, &tme))
	assert.Equal(t, "count", tme.Column)

	_, err = Decode[flags](m, []models.FlatRow{{Values: map[string]interface{}{"meta": "x"}}})
	var ufe *UnsupportedFieldTypeError
	require.True(t, errors.As(err, &ufe))
	assert.Equal(t, "Meta", ufe.Field)

	got, err = Decode[flags](m, []models.FlatRow{{Values: map[string]interface{}{"count": nil, "on": nil}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, flags{}, got[0])
}

func TestDecodeSkipsUnmatchedRows(t *testing.T) {
	m, met := newTestMapper(t)
	rows := []models.FlatRow{
		{Values: map[string]interface{}{"unrelated": 1.0}},
		{Values: map[string]interface{}{"idle": 5.0}},
	}

	got, err := Decode[cpu](m, rows)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].Idle)
	assert.Equal(t, int64(1), met.Snapshot()["rows_skipped_total"])
}

func TestDecodeMeasurementFilters(t *testing.T) {
	m, _ := newTestMapper(t)
	res := &models.QueryResult{Results: []models.Result{{Series: []models.Series{
		{Name: "cpu", Columns: []string{"idle"}, Values: [][]interface{}{{1.0}}},
		{Name: "cpu_archive", Columns: []string{"idle"}, Values: [][]interface{}{{2.0}}},
	}}}}

	got, err := DecodeMeasurement[cpu](m, res)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Idle)

	all, err := DecodeResult[cpu](m, res)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestEncodeBatchAtomic(t *testing.T) {
	m, _ := newTestMapper(t)

	points, err := m.EncodeAll(cpu{Tenant: "a"}, &reading{Sensor: strPtr("s"), Site: "x"})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "cpu", points[0].Measurement)
	assert.Equal(t, "reading", points[1].Measurement)

	var nilRec *cpu
	points, err = m.EncodeAll(cpu{Tenant: "a"}, nilRec)
	require.ErrorIs(t, err, ErrNilRecord)
	assert.Nil(t, points)

	points, err = EncodeMany(m, []reading{{Sensor: strPtr("s"), Site: "x"}, {Site: "y"}})
	var nte *NullTagError
	require.True(t, errors.As(err, &nte))
	assert.Nil(t, points)

	points, err = EncodeMany(m, []*cpu{{Tenant: "a"}, {Tenant: "b"}})
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, map[string]string{"tenant": "b"}, points[1].TagMap())
}

func TestEncodeValueClassification(t *testing.T) {
	type mixed struct {
		Big   uint64            `influx:"big"`
		Small uint8             `influx:"small"`
		Blob  []byte            `influx:"blob"`
		When  time.Time         `influx:"when"`
		Meta  map[string]string `influx:"meta"`
		Name  string            `influx:"name"`
		Dur   time.Duration     `influx:"dur"`
	}

	m, _ := newTestMapper(t)
	when := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p, err := m.Encode(mixed{
		Big:   ^uint64(0),
		Small: 200,
		When:  when,
		Meta:  map[string]string{"a": "b"},
		Name:  "bad\xffbyte",
		Dur:   time.Second,
	})
	require.NoError(t, err)

	fields := p.FieldMap()
	assert.Equal(t, "18446744073709551615", fields["big"])
	assert.Equal(t, int64(200), fields["small"])
	assert.NotContains(t, fields, "blob")
	assert.Equal(t, "2024-01-01T00:00:00Z", fields["when"])
	assert.Equal(t, "map[a:b]", fields["meta"])
	assert.Equal(t, "bad\uFFFDbyte", fields["name"])
	assert.Equal(t, int64(1000000000), fields["dur"])

	back, err := Decode[mixed](m, []models.FlatRow{{Values: map[string]interface{}{
		"big":  "18446744073709551615",
		"when": "2024-01-01T00:00:00Z",
	}}})
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), back[0].Big)
	assert.Equal(t, when, back[0].When)
}

func TestConcurrentFirstUse(t *testing.T) {
	m, met := newTestMapper(t)

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			_, err := m.Encode(cpu{Tenant: "t", Idle: int64(i)})
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, m.Cache().Len())
	assert.Equal(t, int64(64), met.Snapshot()["points_encoded_total"])
}

func TestNilRecord(t *testing.T) {
	m, _ := newTestMapper(t)

	_, err := m.Encode(nil)
	assert.ErrorIs(t, err, ErrNilRecord)

	var rec *cpu
	_, err = m.Encode(rec)
	assert.ErrorIs(t, err, ErrNilRecord)

	_, err = m.Schema(nil)
	assert.ErrorIs(t, err, ErrNilRecord)
}
