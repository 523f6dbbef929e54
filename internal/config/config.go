// Package config defines all configuration for the copy-trading server.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via COPYARENA_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Hub       HubConfig       `mapstructure:"hub"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Replicate ReplicateConfig `mapstructure:"replicate"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds the sqlite store settings.
type DatabaseConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// AuthConfig tunes credential handling.
//
//   - BcryptCost: adaptive password hash cost (bcrypt work factor).
//   - KeyRetryLimit: attempts to mint a unique API key before failing hard.
//   - MinPasswordLen: registration rejects shorter passwords.
type AuthConfig struct {
	BcryptCost     int `mapstructure:"bcrypt_cost"`
	KeyRetryLimit  int `mapstructure:"key_retry_limit"`
	MinPasswordLen int `mapstructure:"min_password_len"`
}

// HubConfig tunes the WebSocket session hub.
//
//   - SendBuffer: per-channel outbound queue; overflow force-detaches the channel.
//   - Heartbeat: interval of the server-sent JSON ping on every channel.
//   - WriteTimeout: deadline for a single frame write.
//   - PongTimeout: read deadline; a silent peer is dropped after this.
type HubConfig struct {
	SendBuffer   int           `mapstructure:"send_buffer"`
	Heartbeat    time.Duration `mapstructure:"heartbeat"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
}

// IngestConfig tunes the snapshot reconciler.
//
//   - QueueSize: buffered jobs per owner worker.
//   - WorkerIdle: idle duration after which an owner worker is reaped.
//   - MarginWarnBelow: margin level (percent) under which a margin_warning
//     push is emitted; 0 disables the warning.
type IngestConfig struct {
	QueueSize       int           `mapstructure:"queue_size"`
	WorkerIdle      time.Duration `mapstructure:"worker_idle"`
	MarginWarnBelow float64       `mapstructure:"margin_warn_below"`
}

// ReplicateConfig tunes the replication engine.
//
//   - QueueSize: bounded domain-event queue between reconciler and engine.
//   - Workers: concurrent event consumers.
//   - BackfillDebounce: minimum gap between backfill sweeps for one follower.
type ReplicateConfig struct {
	QueueSize        int           `mapstructure:"queue_size"`
	Workers          int           `mapstructure:"workers"`
	BackfillDebounce time.Duration `mapstructure:"backfill_debounce"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides (COPYARENA_*).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COPYARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})

	v.SetDefault("database.path", "copyarena.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)

	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("auth.key_retry_limit", 5)
	v.SetDefault("auth.min_password_len", 6)

	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.heartbeat", 30*time.Second)
	v.SetDefault("hub.write_timeout", 10*time.Second)
	v.SetDefault("hub.pong_timeout", 90*time.Second)

	v.SetDefault("ingest.queue_size", 16)
	v.SetDefault("ingest.worker_idle", 2*time.Minute)
	v.SetDefault("ingest.margin_warn_below", 200)

	v.SetDefault("replicate.queue_size", 1024)
	v.SetDefault("replicate.workers", 4)
	v.SetDefault("replicate.backfill_debounce", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31")
	}
	if c.Auth.KeyRetryLimit <= 0 {
		return fmt.Errorf("auth.key_retry_limit must be > 0")
	}
	if c.Auth.MinPasswordLen <= 0 {
		return fmt.Errorf("auth.min_password_len must be > 0")
	}
	if c.Hub.SendBuffer <= 0 {
		return fmt.Errorf("hub.send_buffer must be > 0")
	}
	if c.Hub.Heartbeat <= 0 {
		return fmt.Errorf("hub.heartbeat must be > 0")
	}
	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("ingest.queue_size must be > 0")
	}
	if c.Ingest.WorkerIdle <= 0 {
		return fmt.Errorf("ingest.worker_idle must be > 0")
	}
	if c.Replicate.QueueSize <= 0 {
		return fmt.Errorf("replicate.queue_size must be > 0")
	}
	if c.Replicate.Workers <= 0 {
		return fmt.Errorf("replicate.workers must be > 0")
	}
	if c.Replicate.BackfillDebounce < 0 {
		return fmt.Errorf("replicate.backfill_debounce must be >= 0")
	}
	return nil
}

// Default returns a configuration with every knob at its default value.
// Used by tests and as the base for partial config files.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}
