package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LogLevelDebug, false},
		{"INFO", LogLevelInfo, false},
		{"", LogLevelInfo, false},
		{"warning", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestMeshLogger_WithComponentAndSession(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})

	l.WithComponent("engine").WithSession("sess-1", "req-1").Info("engine.dispatch", "task_id", "ingest")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine.dispatch", entry["msg"])
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "sess-1", entry["session_id"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "ingest", entry["task_id"])
}

func TestMeshLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	l.Info("hidden")
	assert.Zero(t, buf.Len())

	l.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestMeshLogger_LogToolCallFailure(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Format: "json", Output: &buf})

	l.LogToolCall("analyze", 5*time.Millisecond, false, errors.New("boom"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool.call.failed", entry["msg"])
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "boom", entry["error"])
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))

	l := NewDefaultSlogLogger()
	assert.Same(t, l, OrNoOp(l))
}

func TestMeshLogger_WithContextAndTimer(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf})

	done := l.WithContext("task_id", "ingest").StartTimer("session.persist")
	done()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "operation.completed", entry["msg"])
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "session.persist", entry["operation"])
	assert.Equal(t, "ingest", entry["task_id"])
	assert.Contains(t, entry, "duration")

	buf.Reset()
	l.Slog().Info("raw")
	assert.Contains(t, buf.String(), `"msg":"raw"`)
}
