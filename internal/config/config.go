package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/abduljabar5/zikrlink/internal/ring"
)

// Duration wraps time.Duration so YAML carries values like "500ms" or
// "10s" instead of raw nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all daemon configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Server    ServerConfig    `yaml:"server"`
	Ring      RingConfig      `yaml:"ring"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig holds the HTTP and WebSocket listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// RingConfig holds BLE scan and connect settings.
type RingConfig struct {
	ServiceUUID    string   `yaml:"service_uuid"`
	TapCharUUID    string   `yaml:"tap_char_uuid"`
	NamePrefixes   []string `yaml:"name_prefixes"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	ScanTimeout    Duration `yaml:"scan_timeout"` // 0 scans until stopped
}

// ReconnectConfig holds the backoff schedule for dropped links.
type ReconnectConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "zikrlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen: ":9737",
		},
		Ring: RingConfig{
			ServiceUUID:    ring.DefaultServiceUUID,
			TapCharUUID:    ring.DefaultTapCharUUID,
			NamePrefixes:   []string{"Zikr"},
			ConnectTimeout: Duration(10 * time.Second),
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(time.Second),
			Multiplier:  2,
			MaxDelay:    Duration(30 * time.Second),
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	if c.Ring.ServiceUUID == "" {
		return fmt.Errorf("ring.service_uuid must not be empty")
	}

	if c.Ring.TapCharUUID == "" {
		return fmt.Errorf("ring.tap_char_uuid must not be empty")
	}

	if c.Ring.ConnectTimeout <= 0 {
		return fmt.Errorf("ring.connect_timeout must be > 0")
	}

	if c.Ring.ScanTimeout < 0 {
		return fmt.Errorf("ring.scan_timeout must not be negative")
	}

	if c.Reconnect.MaxAttempts < 1 {
		return fmt.Errorf("reconnect.max_attempts must be >= 1")
	}

	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be > 0")
	}

	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1, got %v", c.Reconnect.Multiplier)
	}

	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.base_delay")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// RingOptions maps the config onto the connection manager's options.
func (c *Config) RingOptions() ring.Options {
	return ring.Options{
		ServiceUUID:    c.Ring.ServiceUUID,
		TapCharUUID:    c.Ring.TapCharUUID,
		NamePrefixes:   c.Ring.NamePrefixes,
		ConnectTimeout: time.Duration(c.Ring.ConnectTimeout),
		ScanTimeout:    time.Duration(c.Ring.ScanTimeout),
		Reconnect: ring.Policy{
			MaxAttempts: c.Reconnect.MaxAttempts,
			BaseDelay:   time.Duration(c.Reconnect.BaseDelay),
			Multiplier:  c.Reconnect.Multiplier,
			MaxDelay:    time.Duration(c.Reconnect.MaxDelay),
		},
	}
}

// ParseLogLevel maps a config string onto a slog level. Unknown values
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const configHeader = `# zikrlink daemon configuration.
# Durations use Go syntax: 500ms, 10s, 2m.

`

// WriteDefault writes a commented default config to the standard path if
// none exists yet. It returns the written path, or "" when a config is
// already in place.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine home directory")
	}
	path := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
