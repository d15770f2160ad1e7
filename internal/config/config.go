// Package config loads and validates the root YAML configuration. Each
// pipeline component owns its config struct; this package composes
// them, applies file-level defaults, and rejects unknown keys.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"auditcore/internal/logger"
	"auditcore/internal/sequencer"
	"auditcore/internal/sinks"
	"auditcore/pkg/buffer"
	apperrors "auditcore/pkg/errors"
	"auditcore/pkg/monitoring"
	"auditcore/pkg/ratelimit"
	"auditcore/pkg/sanitize"
	"auditcore/pkg/types"
)

// AppConfig names the process and sets the diagnostics log level.
type AppConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// ServerConfig configures the ops HTTP server (/healthz, /stats, /metrics).
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ReloadConfig configures the config hot-reload watcher.
type ReloadConfig struct {
	Enabled          bool          `yaml:"enabled"`
	DebounceInterval time.Duration `yaml:"debounce_interval"`
	WatchInterval    time.Duration `yaml:"watch_interval"`
}

// NetworkGroup is the network sink group with its enable switch.
type NetworkGroup struct {
	Enabled            bool `yaml:"enabled"`
	sinks.NetworkConfig `yaml:",inline"`
}

// FileGroup is the file sink group with its enable switch.
type FileGroup struct {
	Enabled          bool `yaml:"enabled"`
	sinks.FileConfig `yaml:",inline"`
}

// StdoutGroup is the stdout sink group with its enable switch.
type StdoutGroup struct {
	Enabled            bool `yaml:"enabled"`
	sinks.StdoutConfig `yaml:",inline"`
}

// Config is the root of the YAML file.
type Config struct {
	App         AppConfig          `yaml:"app"`
	Server      ServerConfig       `yaml:"server"`
	RateLimiter ratelimit.Config   `yaml:"rate_limiter"`
	Buffer      buffer.Config      `yaml:"buffer"`
	Batch       sequencer.Config   `yaml:"batch"`
	Network     NetworkGroup       `yaml:"network"`
	File        FileGroup          `yaml:"file"`
	Stdout      StdoutGroup        `yaml:"stdout"`
	Kafka       sinks.KafkaConfig  `yaml:"kafka"`
	Sanitizer   sanitize.Config    `yaml:"sanitizer"`
	Logger      logger.LevelConfig `yaml:"logger"`
	Monitor     monitoring.Config  `yaml:"monitor"`
	Reload      ReloadConfig       `yaml:"reload"`
}

// DefaultConfig returns a runnable configuration: stdout sink only,
// permissive rate limit, PII masking on.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "auditcore"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9632"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.RateLimiter.Capacity == 0 && cfg.RateLimiter.RefillRatePerSecond == 0 {
		cfg.RateLimiter.Capacity = 1000
		cfg.RateLimiter.RefillRatePerSecond = 500
	}
	if !cfg.Network.Enabled && !cfg.File.Enabled && !cfg.Kafka.Enabled {
		cfg.Stdout.Enabled = true
	}
	if !cfg.Sanitizer.MaskEmails && !cfg.Sanitizer.MaskIPs && !cfg.Sanitizer.MaskPhones &&
		len(cfg.Sanitizer.ExtraSensitiveKeys) == 0 {
		cfg.Sanitizer = sanitize.DefaultConfig()
	}
	if cfg.Reload.DebounceInterval <= 0 {
		cfg.Reload.DebounceInterval = time.Second
	}
	if cfg.Reload.WatchInterval <= 0 {
		cfg.Reload.WatchInterval = 5 * time.Second
	}
}

// LoadConfig reads, parses, defaults, and validates the file at path.
// Unknown keys are a hard error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ConfigError("config", "load", err.Error())
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, apperrors.ConfigError("config", "parse", err.Error()).Wrap(err)
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateConfig checks cross-field constraints the component
// constructors cannot see.
func ValidateConfig(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.App.LogLevel); err != nil {
		return apperrors.ConfigError("config", "validate",
			fmt.Sprintf("bad app.log_level %q", cfg.App.LogLevel))
	}
	if cfg.Network.Enabled && cfg.Network.Endpoint == "" {
		return apperrors.ConfigError("config", "validate", "network.endpoint is required")
	}
	if cfg.Network.Enabled && cfg.Network.Persistent.Dir == "" {
		return apperrors.ConfigError("config", "validate", "network.persistent.dir is required")
	}
	if cfg.File.Enabled && cfg.File.Dir == "" {
		return apperrors.ConfigError("config", "validate", "file.dir is required")
	}
	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return apperrors.ConfigError("config", "validate", "kafka.brokers is required")
		}
		if cfg.Kafka.Topic == "" {
			return apperrors.ConfigError("config", "validate", "kafka.topic is required")
		}
	}
	if !cfg.Network.Enabled && !cfg.File.Enabled && !cfg.Stdout.Enabled && !cfg.Kafka.Enabled {
		return apperrors.ConfigError("config", "validate", "at least one sink must be enabled")
	}

	levelNames := []string{cfg.Logger.DefaultLevel}
	for _, name := range cfg.Logger.ModuleLevels {
		levelNames = append(levelNames, name)
	}
	for _, p := range cfg.Logger.PatternLevels {
		levelNames = append(levelNames, p.Level)
	}
	for _, name := range levelNames {
		if name == "" {
			continue
		}
		if _, err := types.ParseLevel(name); err != nil {
			return apperrors.ConfigError("config", "validate", err.Error())
		}
	}
	return nil
}

// Diagnostics builds the process-wide logrus logger from app settings.
func (cfg *Config) Diagnostics() *logrus.Logger {
	diag := logrus.New()
	diag.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		diag.SetLevel(level)
	}
	return diag
}
