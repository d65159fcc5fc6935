package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
)

var configKeys = []string{
	"BUBBLE_CONFIG", "PORT", "ENVIRONMENT", "ALLOWED_ORIGINS", "JWT_SECRET", "OPERATOR_PASSWORD",
	"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB", "DEVICE_ID", "SIGNAL_TIMEOUT",
	"SWEEP_INTERVAL", "ICE_SERVERS", "DISCOVERY_ENABLED", "DISCOVERY_SERVICE", "DISCOVERY_CHUNK_SIZE",
	"MESH_INBOUND_RATE", "MESH_INBOUND_BURST", "TRACING_ENABLED", "TRACING_EXPORTER",
	"TRACING_ENDPOINT", "TRACING_SAMPLE_RATE", "LOG_LEVEL", "LOG_FORMAT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.Node.SignalTimeout)
	assert.Equal(t, 300*time.Second, cfg.Node.SweepInterval)
	assert.Equal(t, DefaultICEServers, cfg.Node.ICEServers)
	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, "_bubble._udp", cfg.Discovery.Service)
	assert.Equal(t, 20, cfg.Discovery.ChunkSize)
	assert.NotEmpty(t, cfg.Node.DeviceID)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "bubble.toml")
	content := `
port = "9090"
operator_password = "hunter2"

[node]
device_id = "device-from-file"
signal_timeout = "30s"
ice_servers = ["stun:example.org:3478"]

[discovery]
enabled = false
chunk_size = 40

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("BUBBLE_CONFIG", path)
	t.Setenv("PORT", "7070")
	t.Setenv("SWEEP_INTERVAL", "120")
	t.Setenv("ALLOWED_ORIGINS", "http://a.test, http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "hunter2", cfg.OperatorPassword)
	assert.Equal(t, "device-from-file", cfg.Node.DeviceID)
	assert.Equal(t, 30*time.Second, cfg.Node.SignalTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Node.SweepInterval)
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.Node.ICEServers)
	assert.False(t, cfg.Discovery.Enabled)
	assert.Equal(t, 40, cfg.Discovery.ChunkSize)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.AllowedOrigins)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing file", env: map[string]string{"BUBBLE_CONFIG": "/nonexistent/bubble.toml"}},
		{name: "bad duration", env: map[string]string{"SIGNAL_TIMEOUT": "soon"}},
		{name: "bad bool", env: map[string]string{"DISCOVERY_ENABLED": "maybe"}},
		{name: "chunk too small", env: map[string]string{"DISCOVERY_CHUNK_SIZE": "2"}},
		{name: "chunk too large for TXT", env: map[string]string{"DISCOVERY_CHUNK_SIZE": "190"}},
		{name: "negative timeout", env: map[string]string{"SIGNAL_TIMEOUT": "-5s"}},
		{name: "bad level", env: map[string]string{"LOG_LEVEL": "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			_, err := Load()
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidConfig))
		})
	}
}

func TestValidate_TracingExporter(t *testing.T) {
	cfg := Default()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	assert.Error(t, cfg.Validate())

	cfg.Tracing.Exporter = "otlp"
	assert.NoError(t, cfg.Validate())
}
