package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew tests handler selection and level filtering
func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "text info", level: "info", format: "text"},
		{name: "json debug", level: "DEBUG", format: "json"},
		{name: "defaults", level: "", format: ""},
		{name: "bad level", level: "loud", format: "text", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l, err := New(tt.level, tt.format, &buf)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			l.Info("hello", "k", "v")
			assert.Contains(t, buf.String(), "hello")
		})
	}
}

// TestJSONOutput tests structured JSON records
func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", FormatJSON, &buf)
	require.NoError(t, err)

	l.With("kind", "group").Info("dispatcher created", "id", 7)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatcher created", rec["msg"])
	assert.Equal(t, "group", rec["kind"])
	assert.Equal(t, float64(7), rec["id"])
}

// TestSetLevel tests changing the level at runtime
func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("warn", FormatText, &buf)
	require.NoError(t, err)
	derived := l.With("component", "test")

	derived.Info("hidden")
	assert.Empty(t, buf.String())

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, l.Level())
	derived.Debug("visible")
	assert.Contains(t, buf.String(), "visible")

	assert.Error(t, l.SetLevel("nope"))
}

// TestDiscard tests the silent logger
func TestDiscard(t *testing.T) {
	l := Discard()
	assert.False(t, l.Enabled(context.Background(), slog.LevelError))
}
