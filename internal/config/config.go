package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide
// settings coordinator, kept free of business logic
type Config struct {
	Archive   *ArchiveConfig   `json:"archive"`
	HTTP      *HTTPConfig      `json:"http"`
	Channel   *ChannelConfig   `json:"channel"`
	Session   *SessionConfig   `json:"session"`
	RateLimit *RateLimitConfig `json:"rate_limit"`
}

// ArchiveConfig controls the SQLite archive store.
type ArchiveConfig struct {
	Path         string        `json:"path" env:"COLLABSPACE_ARCHIVE_PATH"`
	WriteTimeout time.Duration `json:"write_timeout" env:"COLLABSPACE_ARCHIVE_WRITE_TIMEOUT"`
}

type HTTPConfig struct {
	Host            string        `json:"host" env:"COLLABSPACE_HTTP_HOST"`
	Port            int           `json:"port" env:"COLLABSPACE_HTTP_PORT"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"COLLABSPACE_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"COLLABSPACE_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"COLLABSPACE_HTTP_SHUTDOWN_TIMEOUT"`
}

// ChannelConfig carries WebSocket transport tunables.
type ChannelConfig struct {
	PingInterval time.Duration `json:"ping_interval" env:"COLLABSPACE_CHANNEL_PING_INTERVAL"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"COLLABSPACE_CHANNEL_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"COLLABSPACE_CHANNEL_WRITE_TIMEOUT"`
	SendBuffer   int           `json:"send_buffer" env:"COLLABSPACE_CHANNEL_SEND_BUFFER"`
}

// SessionConfig carries the behavioral knobs of session coordination.
type SessionConfig struct {
	// A participant with no heartbeat for this long turns stale.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout" env:"COLLABSPACE_SESSION_HEARTBEAT_TIMEOUT"`
	// A stale participant is evicted after this additional grace.
	DisconnectGrace time.Duration `json:"disconnect_grace" env:"COLLABSPACE_SESSION_DISCONNECT_GRACE"`
	// Closed sessions stay queryable in memory for this long.
	ClosedRetention time.Duration `json:"closed_retention" env:"COLLABSPACE_SESSION_CLOSED_RETENTION"`
	// Number of chat messages kept in the live log and in snapshots.
	ChatRetention int `json:"chat_retention" env:"COLLABSPACE_SESSION_CHAT_RETENTION"`
	// Per-session pending operation queue depth.
	QueueSize int `json:"queue_size" env:"COLLABSPACE_SESSION_QUEUE_SIZE"`
}

// RateLimitConfig bounds per-participant inbound traffic.
type RateLimitConfig struct {
	MessagesPerWindow int           `json:"messages_per_window" env:"COLLABSPACE_RATE_MESSAGES_PER_WINDOW"`
	CursorPerWindow   int           `json:"cursor_per_window" env:"COLLABSPACE_RATE_CURSOR_PER_WINDOW"`
	Window            time.Duration `json:"window" env:"COLLABSPACE_RATE_WINDOW"`
}

// DefaultConfig returns production defaults sized for small collaborative
// sessions over ordinary home network conditions.
func DefaultConfig() *Config {
	return &Config{
		Archive: &ArchiveConfig{
			Path:         "./collabspace.db",
			WriteTimeout: 5 * time.Second,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Channel: &ChannelConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			SendBuffer:   128,
		},
		Session: &SessionConfig{
			HeartbeatTimeout: 15 * time.Second,
			DisconnectGrace:  30 * time.Second,
			ClosedRetention:  2 * time.Minute,
			ChatRetention:    200,
			QueueSize:        256,
		},
		RateLimit: &RateLimitConfig{
			MessagesPerWindow: 120,
			CursorPerWindow:   1800,
			Window:            time.Minute,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.Archive == nil || c.Archive.Path == "" {
		return fmt.Errorf("archive path cannot be empty")
	}
	if c.Archive.WriteTimeout <= 0 {
		return fmt.Errorf("archive write timeout must be positive")
	}
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.Channel == nil {
		return fmt.Errorf("channel configuration is required")
	}
	if c.Channel.PingInterval <= 0 || c.Channel.ReadTimeout <= 0 || c.Channel.WriteTimeout <= 0 {
		return fmt.Errorf("channel timeouts must be positive")
	}
	if c.Channel.ReadTimeout <= c.Channel.PingInterval {
		return fmt.Errorf("channel read timeout must exceed the ping interval")
	}
	if c.Channel.SendBuffer <= 0 {
		return fmt.Errorf("channel send buffer must be positive")
	}
	if c.Session == nil {
		return fmt.Errorf("session configuration is required")
	}
	if c.Session.HeartbeatTimeout <= 0 || c.Session.DisconnectGrace <= 0 {
		return fmt.Errorf("presence timeouts must be positive")
	}
	if c.Session.ClosedRetention <= 0 {
		return fmt.Errorf("closed session retention must be positive")
	}
	if c.Session.ChatRetention <= 0 {
		return fmt.Errorf("chat retention must be positive")
	}
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session queue size must be positive")
	}
	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.MessagesPerWindow <= 0 || c.RateLimit.CursorPerWindow <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	return nil
}

// LoadFromEnv applies COLLABSPACE_* environment overrides on defaults.
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return config, nil
}

// fileConfig mirrors Config with string durations so both TOML and JSON
// files stay human-editable ("30s" rather than nanosecond counts).
type fileConfig struct {
	Archive *struct {
		Path         string `json:"path" toml:"path"`
		WriteTimeout string `json:"write_timeout" toml:"write_timeout"`
	} `json:"archive" toml:"archive"`
	HTTP *struct {
		Host            string `json:"host" toml:"host"`
		Port            int    `json:"port" toml:"port"`
		ReadTimeout     string `json:"read_timeout" toml:"read_timeout"`
		WriteTimeout    string `json:"write_timeout" toml:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout" toml:"shutdown_timeout"`
	} `json:"http" toml:"http"`
	Channel *struct {
		PingInterval string `json:"ping_interval" toml:"ping_interval"`
		ReadTimeout  string `json:"read_timeout" toml:"read_timeout"`
		WriteTimeout string `json:"write_timeout" toml:"write_timeout"`
		SendBuffer   int    `json:"send_buffer" toml:"send_buffer"`
	} `json:"channel" toml:"channel"`
	Session *struct {
		HeartbeatTimeout string `json:"heartbeat_timeout" toml:"heartbeat_timeout"`
		DisconnectGrace  string `json:"disconnect_grace" toml:"disconnect_grace"`
		ClosedRetention  string `json:"closed_retention" toml:"closed_retention"`
		ChatRetention    int    `json:"chat_retention" toml:"chat_retention"`
		QueueSize        int    `json:"queue_size" toml:"queue_size"`
	} `json:"session" toml:"session"`
	RateLimit *struct {
		MessagesPerWindow int    `json:"messages_per_window" toml:"messages_per_window"`
		CursorPerWindow   int    `json:"cursor_per_window" toml:"cursor_per_window"`
		Window            string `json:"window" toml:"window"`
	} `json:"rate_limit" toml:"rate_limit"`
}

// LoadFromFile reads a TOML or JSON configuration file, applying its
// values over defaults. The format is chosen by file extension.
func LoadFromFile(path string) (*Config, error) {
	file, err := parseFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	applyFile(config, file)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func parseFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	}
	return &file, nil
}

func applyFile(config *Config, file *fileConfig) {
	if file.Archive != nil {
		if file.Archive.Path != "" {
			config.Archive.Path = file.Archive.Path
		}
		setDuration(&config.Archive.WriteTimeout, file.Archive.WriteTimeout)
	}
	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			config.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			config.HTTP.Port = file.HTTP.Port
		}
		setDuration(&config.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
		setDuration(&config.HTTP.ShutdownTimeout, file.HTTP.ShutdownTimeout)
	}
	if file.Channel != nil {
		setDuration(&config.Channel.PingInterval, file.Channel.PingInterval)
		setDuration(&config.Channel.ReadTimeout, file.Channel.ReadTimeout)
		setDuration(&config.Channel.WriteTimeout, file.Channel.WriteTimeout)
		if file.Channel.SendBuffer > 0 {
			config.Channel.SendBuffer = file.Channel.SendBuffer
		}
	}
	if file.Session != nil {
		setDuration(&config.Session.HeartbeatTimeout, file.Session.HeartbeatTimeout)
		setDuration(&config.Session.DisconnectGrace, file.Session.DisconnectGrace)
		setDuration(&config.Session.ClosedRetention, file.Session.ClosedRetention)
		if file.Session.ChatRetention > 0 {
			config.Session.ChatRetention = file.Session.ChatRetention
		}
		if file.Session.QueueSize > 0 {
			config.Session.QueueSize = file.Session.QueueSize
		}
	}
	if file.RateLimit != nil {
		if file.RateLimit.MessagesPerWindow > 0 {
			config.RateLimit.MessagesPerWindow = file.RateLimit.MessagesPerWindow
		}
		if file.RateLimit.CursorPerWindow > 0 {
			config.RateLimit.CursorPerWindow = file.RateLimit.CursorPerWindow
		}
		setDuration(&config.RateLimit.Window, file.RateLimit.Window)
	}
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}

// LoadConfigWithPrecedence resolves the effective configuration:
// file > environment > defaults. The file's values are layered over the
// environment-parsed config, so env overrides survive for every field
// the file does not set. A missing or broken file is not fatal; the
// environment and defaults still apply.
func LoadConfigWithPrecedence(path string) *Config {
	config, err := LoadFromEnv()
	if err != nil {
		config = DefaultConfig()
	}

	if path != "" {
		if file, err := parseFile(path); err == nil {
			applyFile(config, file)
		}
	}
	return config
}
