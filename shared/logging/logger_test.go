package logging

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_FiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "warn")
	require.NoError(t, err)

	level.Info(logger).Log("msg", "hidden")
	level.Warn(logger).Log("msg", "shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "level=warn")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "ts=")
	assert.Contains(t, out, "caller=")
}

func TestNewLogger_UnknownLevel(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, "verbose")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verbose")
}

func TestOpenLogFile(t *testing.T) {
	w, closeFn, err := OpenLogFile("")
	require.NoError(t, err)
	require.NotNil(t, w)
	require.NoError(t, closeFn())

	path := filepath.Join(t.TempDir(), "heartbeat.log")
	w, closeFn, err = OpenLogFile(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("msg=hello\n"))
	require.NoError(t, err)
	require.NoError(t, closeFn())
	assert.FileExists(t, path)
}
