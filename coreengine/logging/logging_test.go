package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"", zapcore.InfoLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNewWithWriter_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter(config.LoggingConfig{Level: "info"}, &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Bind("component", "kernel").Info("handoff_transitioned", "handoff_id", "ho_1", "to_state", "in_transit")
	require.NoError(t, l.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "handoff_transitioned", entry["msg"])
	assert.Equal(t, "kernel", entry["component"])
	assert.Equal(t, "ho_1", entry["handoff_id"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handoffd.log")
	var console bytes.Buffer
	l, err := NewWithWriter(config.LoggingConfig{Level: "warn", File: path, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	l.Info("skipped")
	l.Warn("exception_escalated", "exception_id", "exc_1")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "exception_escalated")
	assert.NotContains(t, string(data), "skipped")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestFromZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	l.Error("lock_release_failed", "key", "handoff:ho_1")
	Nop().Error("discarded")

	require.Equal(t, 1, logs.Len())
	e := logs.All()[0]
	assert.Equal(t, "lock_release_failed", e.Message)
	assert.Equal(t, "handoff:ho_1", e.ContextMap()["key"])
}
