package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/nus-bridge/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig     `yaml:"ble"`
	Trigger  TriggerConfig `yaml:"trigger"`
	Host     HostConfig    `yaml:"host"`
	LogLevel string        `yaml:"log_level"`
}

// BLEConfig describes the peripheral profile and discovery limits.
type BLEConfig struct {
	ServiceUUID string        `yaml:"service_uuid"`
	WriteUUID   string        `yaml:"write_uuid"`
	NotifyUUID  string        `yaml:"notify_uuid"`
	DeviceName  string        `yaml:"device_name"`  // optional substring filter
	ScanTimeout time.Duration `yaml:"scan_timeout"` // 0 waits forever
}

// TriggerConfig selects the affordance that starts a connection.
type TriggerConfig struct {
	Kind     string `yaml:"kind"`     // "hotkey" or "stdin"
	Selector string `yaml:"selector"` // key combo or input line
}

// HostConfig holds the polling interface listener settings.
type HostConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "nus-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ServiceUUID: ble.ServiceUUID,
			WriteUUID:   ble.WriteCharUUID,
			NotifyUUID:  ble.NotifyCharUUID,
		},
		Trigger: TriggerConfig{
			Kind:     "hotkey",
			Selector: "ctrl+shift+b",
		},
		Host: HostConfig{
			Listen: "127.0.0.1:8765",
		},
		LogLevel: "info",
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

// WriteDefault writes the default config to DefaultConfigPath unless a file
// already exists there. It returns the path either way.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.Profile(); err != nil {
		return err
	}

	if c.BLE.ScanTimeout < 0 {
		return fmt.Errorf("ble.scan_timeout must not be negative")
	}

	switch c.Trigger.Kind {
	case "hotkey", "stdin":
	default:
		return fmt.Errorf("trigger.kind must be \"hotkey\" or \"stdin\", got %q", c.Trigger.Kind)
	}
	if c.Trigger.Selector == "" {
		return fmt.Errorf("trigger.selector must not be empty")
	}

	if c.Host.Listen == "" {
		return fmt.Errorf("host.listen must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Profile parses the configured UUIDs.
func (c *Config) Profile() (ble.Profile, error) {
	var p ble.Profile
	var err error
	if p.Service, err = uuid.Parse(c.BLE.ServiceUUID); err != nil {
		return p, fmt.Errorf("ble.service_uuid: %w", err)
	}
	if p.Write, err = uuid.Parse(c.BLE.WriteUUID); err != nil {
		return p, fmt.Errorf("ble.write_uuid: %w", err)
	}
	if p.Notify, err = uuid.Parse(c.BLE.NotifyUUID); err != nil {
		return p, fmt.Errorf("ble.notify_uuid: %w", err)
	}
	if p.Write == p.Notify {
		return p, fmt.Errorf("ble.write_uuid and ble.notify_uuid must differ")
	}
	return p, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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
