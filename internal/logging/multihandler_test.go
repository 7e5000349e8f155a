package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelInfo}),
	)
	logger := slog.New(h)

	logger.Info("copy complete", "relpath", "a.bin", "bytes", 1024)

	assert.Contains(t, a.String(), "copy complete")

	var record map[string]any
	require.NoError(t, json.Unmarshal(b.Bytes(), &record))
	assert.Equal(t, "copy complete", record["msg"])
	assert.Equal(t, "a.bin", record["relpath"])
}

func TestMultiHandler_LevelsPerChild(t *testing.T) {
	var warnOnly, all bytes.Buffer
	h := NewMultiHandler(
		slog.NewTextHandler(&warnOnly, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&all, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)

	assert.True(t, h.Enabled(context.Background(), slog.LevelDebug))

	logger := slog.New(h)
	logger.Debug("chatty detail")

	assert.Empty(t, warnOnly.String())
	assert.Contains(t, all.String(), "chatty detail")
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := NewMultiHandler(slog.NewTextHandler(&buf, nil))
	logger := slog.New(h).With("side", "lake")

	logger.Info("indexed")
	assert.Contains(t, buf.String(), "side=lake")
}

func TestSetup_LogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "lakesync.log")
	closeFn, err := Setup(Options{LogFile: path})
	require.NoError(t, err)

	slog.Info("service starting", "port", 8420)
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "service starting")
}

func TestSetup_BadLogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	_, err := Setup(Options{LogFile: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}
