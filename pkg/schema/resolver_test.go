package schema

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/basekick-labs/pointmap/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cpuSample struct {
	Time   time.Time `influx:"time"`
	Host   string    `influx:"host,tag"`
	Region *string   `influx:"region,tag"`
	Idle   float64   `influx:"usage_idle"`
	User   *float64
	Debug  string `influx:"-"`
	secret int
}

func (cpuSample) Measurement() string { return "cpu" }

type bareSample struct {
	Value int64
}

type secondsSample struct {
	At    int64 `influx:"ts,timestamp"`
	Value float64
}

func (*secondsSample) TimePrecision() models.Precision { return models.Second }

func TestResolveDeclaredSchema(t *testing.T) {
	s, err := NewResolver().Resolve(reflect.TypeOf(cpuSample{}))
	require.NoError(t, err)

	assert.Equal(t, "cpu", s.Measurement)
	assert.Equal(t, models.Millisecond, s.Precision)
	require.NotNil(t, s.TimeField)
	assert.Equal(t, "Time", s.TimeField.Name)
	assert.Equal(t, KindTime, s.TimeField.Kind)

	require.Len(t, s.Tags, 2)
	assert.Equal(t, "host", s.Tags[0].Column)
	assert.Equal(t, "region", s.Tags[1].Column)
	assert.True(t, s.Tags[1].Nullable)

	require.Len(t, s.Fields, 2)
	assert.Equal(t, "usage_idle", s.Fields[0].Column)
	assert.Equal(t, KindFloat64, s.Fields[0].Kind)
	assert.Equal(t, "User", s.Fields[1].Column)
	assert.True(t, s.Fields[1].Nullable)

	assert.Equal(t, []string{"time", "host", "region", "usage_idle", "User"}, s.Columns())

	ref, role, ok := s.Lookup("host")
	require.True(t, ok)
	assert.Equal(t, RoleTag, role)
	assert.Equal(t, "Host", ref.Name)

	_, role, ok = s.Lookup("time")
	require.True(t, ok)
	assert.Equal(t, RoleTime, role)

	_, _, ok = s.Lookup("Debug")
	assert.False(t, ok)
	assert.Nil(t, s.Tag("usage_idle"))
	assert.NotNil(t, s.Field("usage_idle"))
}

func TestResolveDefaults(t *testing.T) {
	s, err := NewResolver().Resolve(reflect.TypeOf(&bareSample{}))
	require.NoError(t, err)

	assert.Equal(t, "bareSample", s.Measurement)
	assert.Equal(t, models.Millisecond, s.Precision)
	assert.Nil(t, s.TimeField)
	assert.Empty(t, s.Tags)
	require.Len(t, s.Fields, 1)
	assert.Equal(t, KindInt64, s.Fields[0].Kind)
}

func TestResolveExplicitTimestampAndPrecision(t *testing.T) {
	s, err := NewResolver().Resolve(reflect.TypeOf(secondsSample{}))
	require.NoError(t, err)

	assert.Equal(t, models.Second, s.Precision)
	require.NotNil(t, s.TimeField)
	assert.Equal(t, "ts", s.TimeField.Column)
	assert.Equal(t, KindInt64, s.TimeField.Kind)

	// both the declared column and the conventional one resolve to the timestamp
	_, role, ok := s.Lookup("ts")
	assert.True(t, ok)
	assert.Equal(t, RoleTime, role)
	_, role, ok = s.Lookup("time")
	assert.True(t, ok)
	assert.Equal(t, RoleTime, role)
}

func TestResolveOptions(t *testing.T) {
	type sample struct {
		Stamp time.Time `influx:"stamp"`
		Value float64
	}

	r := NewResolver(WithTimeColumn("stamp"), WithDefaultPrecision(models.Nanosecond))
	s, err := r.Resolve(reflect.TypeOf(sample{}))
	require.NoError(t, err)

	assert.Equal(t, "stamp", s.TimeColumn)
	assert.Equal(t, models.Nanosecond, s.Precision)
	require.NotNil(t, s.TimeField)
	assert.Equal(t, "Stamp", s.TimeField.Name)
}

type baseTags struct {
	Host string `influx:"host,tag"`
	Zone string `influx:"zone,tag"`
}

type diskSample struct {
	baseTags
	Zone string `influx:"zone,tag"`
	Used int64  `influx:"used"`
}

type ptrEmbed struct {
	*baseTags
	Used int64
}

type ExportedTags struct {
	Rack string `influx:"rack,tag"`
}

type exportedPtrEmbed struct {
	*ExportedTags
	Used int64
}

func TestResolveEmbedded(t *testing.T) {
	t.Run("shallowest declaration wins", func(t *testing.T) {
		s, err := NewResolver().Resolve(reflect.TypeOf(diskSample{}))
		require.NoError(t, err)

		require.Len(t, s.Tags, 2)
		assert.Equal(t, "baseTags.Host", s.Tags[0].Name)
		assert.Equal(t, []int{0, 0}, s.Tags[0].Index)
		assert.Equal(t, "Zone", s.Tag("zone").Name)
	})

	t.Run("unexported pointer embed is skipped", func(t *testing.T) {
		s, err := NewResolver().Resolve(reflect.TypeOf(ptrEmbed{}))
		require.NoError(t, err)
		assert.Empty(t, s.Tags)
	})

	t.Run("exported pointer embed is flattened", func(t *testing.T) {
		s, err := NewResolver().Resolve(reflect.TypeOf(exportedPtrEmbed{}))
		require.NoError(t, err)
		require.Len(t, s.Tags, 1)

		rec := reflect.New(reflect.TypeOf(exportedPtrEmbed{})).Elem()
		_, ok := s.Tags[0].Get(rec)
		assert.False(t, ok, "nil embedded pointer reads as null")

		s.Tags[0].Target(rec).SetString("r1")
		v, ok := s.Tags[0].Get(rec)
		require.True(t, ok)
		assert.Equal(t, "r1", v.String())
	})
}

func TestResolveUntaggedTimeField(t *testing.T) {
	type sample struct {
		Time time.Time
		Idle float64
	}
	type upper struct {
		TIME  int64
		Value float64
	}
	type exactWins struct {
		Time  time.Time
		Stamp time.Time `influx:"time"`
	}
	type taggedName struct {
		Time time.Time `influx:"Time"`
	}

	tests := []struct {
		name      string
		typ       reflect.Type
		wantField string
		wantKeep  []string
	}{
		{"go field name", reflect.TypeOf(sample{}), "Time", []string{"Idle"}},
		{"any case", reflect.TypeOf(upper{}), "TIME", []string{"Value"}},
		{"exact column first", reflect.TypeOf(exactWins{}), "Stamp", []string{"Time"}},
		{"explicit column is not conventional", reflect.TypeOf(taggedName{}), "", []string{"Time"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewResolver().Resolve(tt.typ)
			require.NoError(t, err)

			if tt.wantField == "" {
				assert.Nil(t, s.TimeField)
			} else {
				require.NotNil(t, s.TimeField)
				assert.Equal(t, tt.wantField, s.TimeField.Name)
				_, role, ok := s.Lookup("time")
				assert.True(t, ok)
				assert.Equal(t, RoleTime, role)
			}

			var fields []string
			for _, f := range s.Fields {
				fields = append(fields, f.Column)
			}
			assert.Equal(t, tt.wantKeep, fields)
		})
	}
}

type dupA struct {
	Load float64 `influx:"load"`
}

type dupB struct {
	Load float64 `influx:"load"`
}

type ambiguous struct {
	dupA
	dupB
}

type stampedBase struct {
	At time.Time `influx:"at,timestamp"`
}

type shadowedTimestamp struct {
	stampedBase
	At float64 `influx:"at"`
}

func TestResolveErrors(t *testing.T) {
	type nonStringTag struct {
		Core int `influx:"core,tag"`
	}
	type twoTimestamps struct {
		A time.Time `influx:"a,timestamp"`
		B time.Time `influx:"b,timestamp"`
	}
	type wrongTimeType struct {
		Time string `influx:"time"`
	}
	type unknownOption struct {
		V int `influx:"v,indexed"`
	}
	type tagAndTimestamp struct {
		V time.Time `influx:"v,tag,timestamp"`
	}

	tests := []struct {
		name string
		typ  reflect.Type
		want string
	}{
		{"non-string tag", reflect.TypeOf(nonStringTag{}), "must be a string"},
		{"two timestamps", reflect.TypeOf(twoTimestamps{}), "more than one timestamp"},
		{"wrong timestamp type", reflect.TypeOf(wrongTimeType{}), "timestamp field must be"},
		{"unknown option", reflect.TypeOf(unknownOption{}), "unknown influx option"},
		{"tag and timestamp", reflect.TypeOf(tagAndTimestamp{}), "both tag and timestamp"},
		{"ambiguous embedded column", reflect.TypeOf(ambiguous{}), "already declared"},
		{"shadowed timestamp", reflect.TypeOf(shadowedTimestamp{}), "shadowed by At"},
		{"anonymous struct without measurement", reflect.TypeOf(struct{ V int }{}), "no measurement"},
		{"not a struct", reflect.TypeOf(42), "must be a struct"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver().Resolve(tt.typ)
			require.Error(t, err)

			var se *SchemaError
			require.True(t, errors.As(err, &se))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReservedTimeColumnDropped(t *testing.T) {
	type sample struct {
		At    time.Time `influx:"at,timestamp"`
		Clash float64   `influx:"time"`
		Value float64
	}

	s, err := NewResolver().Resolve(reflect.TypeOf(sample{}))
	require.NoError(t, err)
	require.Len(t, s.Fields, 1)
	assert.Equal(t, "Value", s.Fields[0].Column)
}

func TestKindOf(t *testing.T) {
	var (
		i    int
		u16  uint16
		b    []byte
		pp   **int
		tm   time.Time
		f32p *float32
	)

	tests := []struct {
		name     string
		typ      reflect.Type
		kind     Kind
		nullable bool
	}{
		{"int", reflect.TypeOf(i), KindInt64, false},
		{"uint16", reflect.TypeOf(u16), KindUint, false},
		{"bytes", reflect.TypeOf(b), KindBytes, true},
		{"double pointer", reflect.TypeOf(pp), KindOther, true},
		{"time", reflect.TypeOf(tm), KindTime, false},
		{"float32 pointer", reflect.TypeOf(f32p), KindFloat32, true},
		{"map", reflect.TypeOf(map[string]int{}), KindOther, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, n := kindOf(tt.typ)
			assert.Equal(t, tt.kind, k)
			assert.Equal(t, tt.nullable, n)
		})
	}
}
