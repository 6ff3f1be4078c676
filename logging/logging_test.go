package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewFromZap(zap.New(core)), logs
}

func TestNew(t *testing.T) {
	t.Run("production mode", func(t *testing.T) {
		l, err := New("production", "warn")
		require.NoError(t, err)
		assert.False(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.InfoLevel))
		assert.True(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("development mode defaults to info", func(t *testing.T) {
		l, err := New("dev", "")
		require.NoError(t, err)
		assert.False(t, l.SugaredLogger.Desugar().Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := New("dev", "verbose")
		assert.ErrorContains(t, err, "unknown level")
	})
}

func TestLogger_Levels(t *testing.T) {
	l, logs := observed(zapcore.DebugLevel)

	l.Debug("conflict, retrying", "location_id", "loc-1", "attempt", 1)
	l.Info("command dispatched", "command_type", "DefineLocation")
	l.Warn("snapshot load failed", "location_id", "loc-1")
	l.Error("compensation failed", "location_id", "loc-1")

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "loc-1", entries[0].ContextMap()["location_id"])
	assert.Equal(t, int64(1), entries[0].ContextMap()["attempt"])
}

func TestLogger_Redaction(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	l.Info("connecting",
		"database_url", "postgres://locus:hunter2@db:5432/locus",
		"redis_password", "s3cret",
		"dsn", "host=db password=x",
		"headers", map[string]string{"Authorization": "Bearer abc", "Accept": "json"},
	)

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "postgres://locus:xxxxx@db:5432/locus", ctx["database_url"])
	assert.Equal(t, Redacted, ctx["redis_password"])
	assert.Equal(t, Redacted, ctx["dsn"])
	assert.Equal(t, map[string]string{"Authorization": Redacted, "Accept": "json"}, ctx["headers"])
}

func TestLogger_With(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	child := l.With("component", "repository", "token", "abc")
	child.Info("snapshot written", "version", int64(100))

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "repository", ctx["component"])
	assert.Equal(t, Redacted, ctx["token"])
	assert.Equal(t, int64(100), ctx["version"])
}

func TestLogger_OddKeyValues(t *testing.T) {
	l, logs := observed(zapcore.InfoLevel)

	l.Info("dangling", "location_id")

	assert.Equal(t, 1, logs.FilterMessage("dangling").Len())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{" error ", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
