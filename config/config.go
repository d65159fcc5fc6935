package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/mossy-p/bubble-mesh/internal/discovery"
	apperrors "github.com/mossy-p/bubble-mesh/internal/errors"
)

// Config is the node configuration. Values come from defaults, then the TOML
// file named by BUBBLE_CONFIG, then environment variables.
type Config struct {
	Port             string          `toml:"port"`
	Environment      string          `toml:"environment"`
	AllowedOrigins   []string        `toml:"allowed_origins"`
	JWTSecret        string          `toml:"jwt_secret"`
	OperatorPassword string          `toml:"operator_password"`
	Redis            RedisConfig     `toml:"redis"`
	Node             NodeConfig      `toml:"node"`
	Discovery        DiscoveryConfig `toml:"discovery"`
	Mesh             MeshConfig      `toml:"mesh"`
	Tracing          TracingConfig   `toml:"tracing"`
	Logging          LoggingConfig   `toml:"logging"`
}

type RedisConfig struct {
	Host     string `toml:"host"`
	Port     string `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// NodeConfig describes the local device and its signaling behavior.
type NodeConfig struct {
	DeviceID      string        `toml:"device_id"`
	SignalTimeout time.Duration `toml:"signal_timeout"`
	SweepInterval time.Duration `toml:"sweep_interval"`
	ICEServers    []string      `toml:"ice_servers"`
}

type DiscoveryConfig struct {
	Enabled   bool   `toml:"enabled"`
	Service   string `toml:"service"`
	ChunkSize int    `toml:"chunk_size"`
}

// MeshConfig bounds inbound traffic per peer.
type MeshConfig struct {
	InboundRate  float64 `toml:"inbound_rate"`
	InboundBurst int     `toml:"inbound_burst"`
}

type TracingConfig struct {
	Enabled    bool    `toml:"enabled"`
	Exporter   string  `toml:"exporter"` // stdout, otlp
	Endpoint   string  `toml:"endpoint"`
	SampleRate float64 `toml:"sample_rate"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// DefaultICEServers are the public STUN servers used when none are configured.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Default returns the built-in configuration. DeviceID is left empty.
func Default() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		JWTSecret:      "change-me-in-production",
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Node: NodeConfig{
			SignalTimeout: 60 * time.Second,
			SweepInterval: 300 * time.Second,
			ICEServers:    append([]string(nil), DefaultICEServers...),
		},
		Discovery: DiscoveryConfig{
			Enabled:   true,
			Service:   "_bubble._udp",
			ChunkSize: 20,
		},
		Mesh: MeshConfig{
			InboundRate:  50,
			InboundBurst: 100,
		},
		Tracing: TracingConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("BUBBLE_CONFIG"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if cfg.Node.DeviceID == "" {
		cfg.Node.DeviceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "read config")
	}
	if _, err := toml.Decode(string(data), c); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "parse config")
	}
	return nil
}

func (c *Config) overlayEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", c.AllowedOrigins)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.OperatorPassword = getEnv("OPERATOR_PASSWORD", c.OperatorPassword)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Node.DeviceID = getEnv("DEVICE_ID", c.Node.DeviceID)
	c.Node.ICEServers = getEnvList("ICE_SERVERS", c.Node.ICEServers)

	c.Discovery.Service = getEnv("DISCOVERY_SERVICE", c.Discovery.Service)
	c.Tracing.Exporter = getEnv("TRACING_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", c.Tracing.Endpoint)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	var err error
	if c.Redis.DB, err = getEnvInt("REDIS_DB", c.Redis.DB); err != nil {
		return err
	}
	if c.Node.SignalTimeout, err = getEnvDuration("SIGNAL_TIMEOUT", c.Node.SignalTimeout); err != nil {
		return err
	}
	if c.Node.SweepInterval, err = getEnvDuration("SWEEP_INTERVAL", c.Node.SweepInterval); err != nil {
		return err
	}
	if c.Discovery.Enabled, err = getEnvBool("DISCOVERY_ENABLED", c.Discovery.Enabled); err != nil {
		return err
	}
	if c.Discovery.ChunkSize, err = getEnvInt("DISCOVERY_CHUNK_SIZE", c.Discovery.ChunkSize); err != nil {
		return err
	}
	if c.Mesh.InboundRate, err = getEnvFloat("MESH_INBOUND_RATE", c.Mesh.InboundRate); err != nil {
		return err
	}
	if c.Mesh.InboundBurst, err = getEnvInt("MESH_INBOUND_BURST", c.Mesh.InboundBurst); err != nil {
		return err
	}
	if c.Tracing.Enabled, err = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled); err != nil {
		return err
	}
	if c.Tracing.SampleRate, err = getEnvFloat("TRACING_SAMPLE_RATE", c.Tracing.SampleRate); err != nil {
		return err
	}
	return nil
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	if c.Node.SignalTimeout <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "signal timeout must be positive: %s", c.Node.SignalTimeout)
	}
	if c.Node.SweepInterval <= 0 {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "sweep interval must be positive: %s", c.Node.SweepInterval)
	}
	if c.Discovery.ChunkSize <= discovery.HeaderSize || c.Discovery.ChunkSize > discovery.MaxMDNSChunkSize {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "discovery chunk size must be within %d..%d: %d",
			discovery.HeaderSize+1, discovery.MaxMDNSChunkSize, c.Discovery.ChunkSize)
	}
	if c.Mesh.InboundRate <= 0 || c.Mesh.InboundBurst <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidConfig, "mesh inbound rate and burst must be positive")
	}

	validExporters := map[string]bool{"stdout": true, "otlp": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "invalid tracing exporter: %s", c.Tracing.Exporter)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return apperrors.Newf(apperrors.ErrCodeInvalidConfig, "invalid log format: %s", c.Logging.Format)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, invalidEnv(key, value, err)
	}
	return parsed, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, invalidEnv(key, value, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, invalidEnv(key, value, err)
	}
	return parsed, nil
}

// getEnvDuration accepts Go duration strings or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, invalidEnv(key, value, err)
	}
	return parsed, nil
}

func invalidEnv(key, value string, err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, fmt.Sprintf("invalid %s=%q", key, value))
}
