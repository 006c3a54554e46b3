package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoggerWritesToFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "kernel.log")

	log, err := CreateLogger(logFile, "debug", "text", false)
	require.NoError(t, err)
	require.True(t, log.IsInitialized())

	log.Infof("🚀 starting task %s", "task-1")
	log.Debugf("attempt %d", 2)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "starting task task-1")
	assert.Contains(t, string(raw), "attempt 2")
}

func TestCreateLoggerJSONFormat(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "kernel.json.log")

	log, err := CreateLogger(logFile, "info", "json", false)
	require.NoError(t, err)

	log.Warnf("⚠️ retrying step %d", 3)
	require.NoError(t, log.Close())

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &line))
	assert.Equal(t, "warning", line["level"])
	assert.Contains(t, line["msg"], "retrying step 3")
}

func TestCreateLoggerDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	log, err := CreateLogger("", "info", "text", false)
	require.NoError(t, err)
	defer log.Close()

	want := fmt.Sprintf("logs/agent-kernel-%s.log", time.Now().Format("2006-01-02"))
	_, err = os.Stat(want)
	assert.NoError(t, err)
}

func TestCreateLoggerRejectsBadInput(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		_, err := CreateLogger("", "loud", "text", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := CreateLogger("", "info", "xml", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported log format")
	})
}

func TestCreateTestLogger(t *testing.T) {
	log := CreateTestLogger()
	require.True(t, log.IsInitialized())

	log.Info("discarded")
	log.Errorf("also discarded: %v", os.ErrNotExist)
	assert.NoError(t, log.Close())
}
