package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestSetupLoggerConsole(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, closers, err := setupLogger("info", "", &stdout, &stderr)
	require.NoError(t, err)
	assert.Empty(t, closers)

	logger.Debug("hidden")
	logger.Info("hello", "port", 1)
	logger.Error("boom")

	assert.Contains(t, stdout.String(), "msg=hello port=1")
	assert.NotContains(t, stdout.String(), "hidden")
	assert.NotContains(t, stdout.String(), "boom")
	assert.Contains(t, stderr.String(), "msg=boom")
	assert.NotContains(t, stderr.String(), "hello")
}

func TestSetupLoggerTrace(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, _, err := setupLogger("trace", "", &stdout, &stderr)
	require.NoError(t, err)

	logger.Log(t.Context(), LevelTrace, "ring message")
	assert.Contains(t, stdout.String(), "ring message")
}

func TestSetupLoggerFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	path := filepath.Join(t.TempDir(), "vhci.log")
	logger, closers, err := setupLogger("debug", path, &stdout, &stderr)
	require.NoError(t, err)
	require.Len(t, closers, 1)

	logger.Debug("detail")
	logger.Error("boom")
	for _, c := range closers {
		require.NoError(t, c.Close())
	}

	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "detail")
	assert.Contains(t, stderr.String(), "boom")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "detail")
	assert.Contains(t, string(data), "boom")
}

func TestSetupLoggerBadFile(t *testing.T) {
	_, _, err := setupLogger("info", filepath.Join(t.TempDir(), "missing", "vhci.log"), &bytes.Buffer{}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRawLogger(t *testing.T) {
	var buf bytes.Buffer
	r := NewRaw(&buf).(*rawLogger)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 7, 8, 9, 10_000_000, time.UTC) }

	r.Log(true, []byte{0x80, 0x06, 0x00, 0x01})
	r.Log(false, []byte{0x12})
	r.Log(false, nil)

	assert.Equal(t,
		"2024/05/06 07:08:09.010 H->D 4 bytes: 80 06 00 01\n"+
			"2024/05/06 07:08:09.010 D->H 1 bytes: 12\n",
		buf.String())
}

func TestRawLoggerNilWriter(t *testing.T) {
	assert.NotPanics(t, func() { NewRaw(nil).Log(true, []byte{1}) })
}
