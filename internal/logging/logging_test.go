package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()

	assert.True(t, strings.HasSuffix(path, filepath.Join(".amanindex", "logs", "amanindex.log")))
	assert.Equal(t, DefaultLogDir(), filepath.Dir(path))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.True(t, cfg.WriteToStderr)
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, LevelFromString(tt.in))
		})
	}
}

func TestSetup_WritesJSONToFileAndStderr(t *testing.T) {
	// Given: file logging plus a captured stderr stream
	dir := t.TempDir()
	var stderr bytes.Buffer
	cfg := Config{
		Level:         "debug",
		FilePath:      filepath.Join(dir, "logs", "test.log"),
		WriteToStderr: true,
		Stderr:        &stderr,
	}

	// When: logging one record
	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("batch_finished", slog.Int("files", 3))
	cleanup()

	// Then: both sinks receive it as JSON
	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "batch_finished", rec["msg"])
	assert.EqualValues(t, 3, rec["files"])
	assert.Contains(t, stderr.String(), `"msg":"batch_finished"`)
}

func TestSetup_RespectsLevel(t *testing.T) {
	var stderr bytes.Buffer
	logger, cleanup, err := Setup(Config{Level: "warn", WriteToStderr: true, Stderr: &stderr})
	require.NoError(t, err)
	defer cleanup()

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), "shown")
}

func TestSetup_NoSinksDiscards(t *testing.T) {
	logger, cleanup, err := Setup(Config{})
	require.NoError(t, err)
	defer cleanup()

	assert.NotPanics(t, func() { logger.Error("nowhere") })
}

func TestRotatingWriter_Rotation(t *testing.T) {
	// Given: a writer with a 1MB limit and a file already near the limit
	dir := t.TempDir()
	path := filepath.Join(dir, "r.log")
	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	big := bytes.Repeat([]byte("x"), 1024*1024-10)
	_, err = w.Write(big)
	require.NoError(t, err)

	// When: the next write overflows
	_, err = w.Write([]byte("overflow line\n"))
	require.NoError(t, err)

	// Then: the old content moved to .1 and the new file holds the new line
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "overflow line\n", string(data))
}

func TestRotatingWriter_MaxFilesLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "r.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	chunk := bytes.Repeat([]byte("y"), 1024*1024)
	for i := 0; i < 5; i++ {
		_, err := w.Write(chunk)
		require.NoError(t, err)
	}

	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = w.Write([]byte("line\n"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, strings.Count(string(data), "line\n"))
}
