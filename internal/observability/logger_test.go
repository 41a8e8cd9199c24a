package observability

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orcasched/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("loud"))
}

func TestSetupLoggerWritesFile(t *testing.T) {
	defer zap.ReplaceGlobals(zap.NewNop())
	path := filepath.Join(t.TempDir(), "logs", "agent.log")

	log, err := SetupLogger(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("policy switched", zap.String("to", "centralized"))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"policy switched"`)
	assert.Contains(t, string(data), `"to":"centralized"`)
}

func TestSetupLoggerRotation(t *testing.T) {
	defer zap.ReplaceGlobals(zap.NewNop())
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")

	log, err := SetupLogger(config.LogConfig{
		Level:    "info",
		Outputs:  []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{Enable: true, Filename: rotated},
	})
	require.NoError(t, err)
	log.Info("agents started")
	_ = log.Sync()

	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	assert.Contains(t, string(data), "agents started")
}
