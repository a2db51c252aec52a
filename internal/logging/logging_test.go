package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "json", &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	ForRun(l, "req-1", "PROJ-1").Info("stage completed", zap.String("stage", "coding"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "stage completed", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "PROJ-1", entry["issue_id"])
	assert.Equal(t, "coding", entry["stage"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("debug", "console", &buf)
	require.NoError(t, err)
	l.Debug("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestForRunWithoutIssue(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "json", &buf)
	require.NoError(t, err)
	ForRun(l, "req-2", "").Info("x")
	assert.NotContains(t, buf.String(), "issue_id")
	assert.NotPanics(t, func() { ForRun(nil, "r", "").Info("x") })
}
