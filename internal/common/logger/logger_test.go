package logger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileLogger(t *testing.T, level string) (*Logger, func() []map[string]interface{}) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "anyon.log")
	log, err := NewLogger(LoggingConfig{Level: level, Format: "json", OutputPath: path})
	require.NoError(t, err)

	return log, func() []map[string]interface{} {
		require.NoError(t, log.Sync())
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		var lines []map[string]interface{}
		for _, raw := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if raw == "" {
				continue
			}
			var line map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(raw), &line))
			lines = append(lines, line)
		}
		return lines
	}
}

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	log, read := fileLogger(t, "info")

	log.WithAttemptID("attempt-1").WithProcessID("proc-1").Info("execution started")
	log.Debug("hidden at info level")

	lines := read()
	require.Len(t, lines, 1)
	assert.Equal(t, "execution started", lines[0]["msg"])
	assert.Equal(t, "attempt-1", lines[0][FieldAttemptID])
	assert.Equal(t, "proc-1", lines[0][FieldProcessID])
}

func TestScopedHelpersDoNotLeakIntoParent(t *testing.T) {
	log, read := fileLogger(t, "info")

	scoped := log.WithComponent("orchestrator").WithTaskID("task-1").WithApprovalID("appr-1")
	scoped.Warn("plan approved")
	log.Info("unscoped")

	lines := read()
	require.Len(t, lines, 2)
	assert.Equal(t, "orchestrator", lines[0]["component"])
	assert.Equal(t, "task-1", lines[0][FieldTaskID])
	assert.Equal(t, "appr-1", lines[0][FieldApprovalID])
	assert.NotContains(t, lines[1], FieldTaskID)
	assert.NotContains(t, lines[1], "component")
}

func TestWithContextAddsRequestID(t *testing.T) {
	log, read := fileLogger(t, "info")

	assert.Same(t, log, log.WithContext(context.Background()))

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-1")
	log.WithContext(ctx).Info("handled")

	lines := read()
	require.Len(t, lines, 1)
	assert.Equal(t, "req-1", lines[0][FieldRequestID])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	log, read := fileLogger(t, "loud")

	log.Debug("dropped")
	log.Info("kept")

	lines := read()
	require.Len(t, lines, 1)
	assert.Equal(t, "kept", lines[0]["msg"])
}

func TestNewLoggerRejectsUnwritablePath(t *testing.T) {
	_, err := NewLogger(LoggingConfig{OutputPath: filepath.Join(t.TempDir(), "missing", "anyon.log")})
	assert.Error(t, err)
}
