package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		out = append(out, entry)
	}

	return out
}

func TestWriterLogger(t *testing.T) {
	t.Run("writes service, message and fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "netcore", zerolog.DebugLevel)

		l.Info("connection accepted", Field{Key: "fd", Value: 7})

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "netcore", entries[0]["service"])
		assert.Equal(t, "connection accepted", entries[0]["message"])
		assert.Equal(t, "info", entries[0]["level"])
		assert.EqualValues(t, 7, entries[0]["fd"])
	})

	t.Run("filters entries below the level", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "netcore", zerolog.WarnLevel)

		l.Debug("dropped")
		l.Info("dropped")
		l.Warn("kept")
		l.Error("kept")

		assert.Len(t, decodeLines(t, &buf), 2)
	})

	t.Run("with attaches fields to derived logger only", func(t *testing.T) {
		var buf bytes.Buffer
		base := NewWriterLogger(&buf, "netcore", zerolog.DebugLevel)
		derived := base.With(Field{Key: "component", Value: "reactor"})

		derived.Info("from derived")
		base.Info("from base")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 2)
		assert.Equal(t, "reactor", entries[0]["component"])
		_, ok := entries[1]["component"]
		assert.False(t, ok)
	})

	t.Run("err helper uses the error key", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewWriterLogger(&buf, "netcore", zerolog.DebugLevel)

		l.Error("failed", Err(errors.New("boom")))

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "boom", entries[0]["error"])
	})
}

func TestOrNop(t *testing.T) {
	t.Run("nil becomes a usable no-op logger", func(t *testing.T) {
		l := OrNop(nil)
		require.NotNil(t, l)
		assert.NotPanics(t, func() {
			l.With(Field{Key: "k", Value: 1}).Error("ignored")
		})
	})

	t.Run("non-nil logger is returned unchanged", func(t *testing.T) {
		l := NewNopLogger()
		assert.Same(t, l, OrNop(l))
	})
}
