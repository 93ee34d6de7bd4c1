package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSetupWriterJSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")

	log := Get("store")
	log.Debug().Msg("hidden")
	log.Info().Str("database", "db").Msg("Points written")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "store", line["component"])
	assert.Equal(t, "db", line["database"])
	assert.Equal(t, "Points written", line["message"])
}

func TestSetupWriterCapturesWarnings(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "console")
	before := GetBuffer().Count()

	log.Info().Msg("not captured")
	log.Warn().Msg("flush slow")

	assert.Equal(t, before+1, GetBuffer().Count())
	assert.Equal(t, "flush slow", GetBuffer().Recent(1, "")[0].Message)
	assert.Contains(t, buf.String(), "flush slow")
}

func TestLogBufferRecent(t *testing.T) {
	b := NewLogBuffer(3, zerolog.DebugLevel)
	l := zerolog.New(nil).Hook(b)

	l.Debug().Msg("one")
	l.Error().Msg("two")
	l.Warn().Msg("three")
	l.Info().Msg("four")

	assert.Equal(t, 3, b.Count())

	all := b.Recent(0, "")
	require.Len(t, all, 3)
	assert.Equal(t, []string{"four", "three", "two"}, []string{all[0].Message, all[1].Message, all[2].Message})

	warn := b.Recent(10, "warn")
	require.Len(t, warn, 2)
	assert.Equal(t, "three", warn[0].Message)
	assert.Equal(t, "error", warn[1].Level)

	assert.Len(t, b.Recent(1, ""), 1)
}

func TestLogBufferMinLevel(t *testing.T) {
	b := NewLogBuffer(10, zerolog.ErrorLevel)
	l := zerolog.New(nil).Hook(b)

	l.Warn().Msg("skip")
	l.Error().Msg("keep")

	require.Equal(t, 1, b.Count())
	assert.Equal(t, "keep", b.Recent(0, "")[0].Message)
}
