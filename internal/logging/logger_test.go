package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	cfgpkg "github.com/taoyao-code/iot-relay-client/internal/config"
)

func TestInitLogger(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = InitLogger(cfgpkg.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	// 未知级别回落到 info
	logger, err = InitLogger(cfgpkg.LoggingConfig{Level: "bogus"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestInitLogger_ToFile(t *testing.T) {
	logger, err := InitLogger(cfgpkg.LoggingConfig{
		Level:  "info",
		ToFile: true,
		File: cfgpkg.LumberjackConfig{
			Filename:  filepath.Join(t.TempDir(), "relay.log"),
			MaxSizeMB: 1,
		},
	})
	require.NoError(t, err)
	logger.Info("file sink smoke test")
	require.NoError(t, logger.Sync())
}
