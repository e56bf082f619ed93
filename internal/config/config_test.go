package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// 搜索路径下无配置文件时使用默认值
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "iot-relay-client", cfg.App.Name)
	assert.Equal(t, "http://localhost:8180", cfg.Gateway.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "ws://localhost:8180/ws", cfg.Channel.WebsocketURL)
	assert.Equal(t, 5*time.Second, cfg.Channel.RetryInterval)
	assert.Equal(t, ":8180", cfg.Simulator.Addr)
	assert.Equal(t, 100, cfg.Simulator.RatePerSec)
	assert.False(t, cfg.Simulator.Auth.Enabled)
	assert.False(t, cfg.Simulator.Redis.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: bench-client
  env: test
gateway:
  baseUrl: https://relay.example.com
  apiKey: sk_test_1
  timeout: 3s
channel:
  websocketUrl: wss://relay.example.com/ws
  retryInterval: 2s
simulator:
  addr: ":9999"
  auth:
    enabled: true
    apiKeys:
      - sk_test_1
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench-client", cfg.App.Name)
	assert.Equal(t, "https://relay.example.com", cfg.Gateway.BaseURL)
	assert.Equal(t, "sk_test_1", cfg.Gateway.APIKey)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.Channel.WebsocketURL)
	assert.Equal(t, 2*time.Second, cfg.Channel.RetryInterval)
	assert.Equal(t, ":9999", cfg.Simulator.Addr)
	assert.True(t, cfg.Simulator.Auth.Enabled)
	assert.Equal(t, []string{"sk_test_1"}, cfg.Simulator.Auth.APIKeys)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// 未覆盖的键保留默认值
	assert.Equal(t, 10*time.Second, cfg.Channel.ConnectTimeout)
	assert.Equal(t, 200, cfg.Simulator.RateBurst)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
