// Package model defines shared configuration structures used to initialize the hub and its peers.
package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the root structure loaded from configs/config.yml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Hub        HubConfig        `yaml:"hub"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Store      StoreConfig      `yaml:"store"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
	Client     ClientConfig     `yaml:"client"`
	Serial     SerialConfig     `yaml:"serial"`
}

// ServerConfig defines the HTTP listener shared by the websocket hub and REST API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`    // listen address (e.g. ":8080")
	WSPath          string        `yaml:"ws_path"` // websocket endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	StatsCacheSize  int           `yaml:"stats_cache_size"`
	StatsCacheTTL   time.Duration `yaml:"stats_cache_ttl"`
}

// HubConfig tunes the relay hub.
type HubConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	OutboxSize        int           `yaml:"outbox_size"` // per-connection outbound frames
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
}

// CheckpointConfig tunes the persistence of telemetry and pothole events.
type CheckpointConfig struct {
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BreakerFailures   uint32        `yaml:"breaker_failures"` // consecutive failures before a sink is skipped
	BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
}

// StoreConfig locates the bbolt database.
type StoreConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig enables mirroring of checkpoints to a Kafka topic.
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// LogConfig configures zap and file rotation.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"` // empty logs to stdout
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

// ClientConfig configures a peer connecting to the hub.
type ClientConfig struct {
	URL            string        `yaml:"url"`
	Role           Role          `yaml:"role"`
	DeviceID       string        `yaml:"device_id"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// SerialConfig defines the serial link used by the ESP32 bridge.
type SerialConfig struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WSPath:          "/ws",
			ShutdownTimeout: 2 * time.Second,
			StatsCacheSize:  128,
			StatsCacheTTL:   5 * time.Second,
		},
		Hub: HubConfig{
			HeartbeatInterval: 15 * time.Second,
			OutboxSize:        256,
			WriteTimeout:      5 * time.Second,
			MaxMessageBytes:   64 << 10,
		},
		Checkpoint: CheckpointConfig{
			TelemetryInterval: 2 * time.Second,
			WriteTimeout:      5 * time.Second,
			BreakerFailures:   5,
			BreakerCooldown:   30 * time.Second,
		},
		Store: StoreConfig{
			Path:    "tmp/data.db",
			Timeout: time.Second,
		},
		Kafka: KafkaConfig{
			Topic:    "vehicle.checkpoints.v1",
			ClientID: "pathhole-hub",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Client: ClientConfig{
			URL:            "ws://localhost:8080/ws",
			Role:           RoleDashboard,
			InitialBackoff: 500 * time.Millisecond,
			Multiplier:     1.7,
			MaxBackoff:     10 * time.Second,
		},
		Serial: SerialConfig{
			Device: "/dev/ttyUSB0",
			Baud:   115200,
		},
	}
}

// LoadConfig reads the YAML configuration at path over the defaults and then
// applies environment overrides. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("[config] read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("[config] parse %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the hub cannot run with.
func (c Config) Validate() error {
	if c.Hub.HeartbeatInterval <= 0 {
		return errors.New("[config] hub.heartbeat_interval must be positive")
	}
	if c.Hub.OutboxSize <= 0 {
		return errors.New("[config] hub.outbox_size must be positive")
	}
	if c.Checkpoint.TelemetryInterval <= 0 {
		return errors.New("[config] checkpoint.telemetry_interval must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("[config] kafka.brokers required when kafka is enabled")
	}
	switch c.Client.Role {
	case RoleESP32, RoleDashboard:
	default:
		return fmt.Errorf("[config] client.role %q is not esp32 or dashboard", c.Client.Role)
	}
	if c.Client.Multiplier < 1 {
		return errors.New("[config] client.multiplier must be >= 1")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = ":" + port
	}
	cfg.Store.Path = envWithDefault("HUB_STORE_PATH", cfg.Store.Path)
	cfg.Log.Level = envWithDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = envWithDefault("LOG_FILE_PATH", cfg.Log.File)
	cfg.Client.URL = envWithDefault("HUB_URL", cfg.Client.URL)
	if brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); brokers != "" {
		cfg.Kafka.Brokers = splitAndTrim(brokers)
		cfg.Kafka.Enabled = true
	}
	cfg.Kafka.Topic = envWithDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
	if v := strings.TrimSpace(os.Getenv("HUB_HEARTBEAT_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Hub.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
}

func envWithDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
