package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"awoxmesh/internal/mesh"
)

// Config holds all application configuration.
type Config struct {
	Mesh     MeshConfig     `yaml:"mesh"`
	Devices  []DeviceConfig `yaml:"devices"`
	Tuning   TuningConfig   `yaml:"tuning"`
	LogLevel string         `yaml:"log_level"`
}

// MeshConfig holds the mesh network credentials.
type MeshConfig struct {
	Name        string `yaml:"name"`
	Password    string `yaml:"password"`
	LongTermKey string `yaml:"long_term_key"`
}

// DeviceConfig declares one known mesh member.
type DeviceConfig struct {
	MeshID uint16 `yaml:"mesh_id"`
	MAC    string `yaml:"mac"`
	Name   string `yaml:"name"`
}

// TuningConfig exposes the scheduler timing knobs. Values are seconds
// unless the field name says otherwise.
type TuningConfig struct {
	ConnectTimeout     int `yaml:"connect_timeout"`
	PollInterval       int `yaml:"poll_interval"`
	FreshnessWindow    int `yaml:"freshness_window"`
	StalenessWindow    int `yaml:"staleness_window"`
	ScanIntervalHours  int `yaml:"scan_interval_hours"`
	SessionMaxAgeHours int `yaml:"session_max_age_hours"`
	CommandAttempts    int `yaml:"command_attempts"`
	RSSIFloor          int `yaml:"rssi_floor"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "awoxmesh")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The mesh
// credentials have no useful default and must come from the file.
func Default() *Config {
	return &Config{
		Tuning: TuningConfig{
			ConnectTimeout:     10,
			PollInterval:       30,
			FreshnessWindow:    60,
			StalenessWindow:    90,
			ScanIntervalHours:  24,
			SessionMaxAgeHours: 2,
			CommandAttempts:    3,
			RSSIFloor:          -100,
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

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Mesh.Name == "" || len(c.Mesh.Name) > 16 {
		return fmt.Errorf("mesh.name must be 1 to 16 bytes, got %q", c.Mesh.Name)
	}
	if c.Mesh.Password == "" || len(c.Mesh.Password) > 16 {
		return fmt.Errorf("mesh.password must be 1 to 16 bytes")
	}
	if len(c.Mesh.LongTermKey) > 16 {
		return fmt.Errorf("mesh.long_term_key must be at most 16 bytes")
	}

	for i, dev := range c.Devices {
		if dev.MeshID == 0xFFFF {
			return fmt.Errorf("devices[%d]: mesh_id 0xFFFF is the broadcast address", i)
		}
		if _, err := net.ParseMAC(dev.MAC); err != nil {
			return fmt.Errorf("devices[%d]: invalid mac %q: %w", i, dev.MAC, err)
		}
	}

	t := c.Tuning
	if t.ConnectTimeout <= 0 || t.PollInterval <= 0 || t.FreshnessWindow <= 0 ||
		t.StalenessWindow <= 0 || t.ScanIntervalHours <= 0 || t.SessionMaxAgeHours <= 0 {
		return fmt.Errorf("tuning windows must all be > 0")
	}
	if t.CommandAttempts <= 0 {
		return fmt.Errorf("tuning.command_attempts must be > 0")
	}
	if t.RSSIFloor >= 0 {
		return fmt.Errorf("tuning.rssi_floor must be negative, got %d", t.RSSIFloor)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes a default config file to the default path, creating
// the directory if needed. Returns the path written. The result is a
// template: mesh credentials still need filling in before it validates.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", fmt.Errorf("cannot determine config directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}
	path := DefaultConfigPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Options converts the tuning section into scheduler options.
func (c *Config) Options() mesh.Options {
	t := c.Tuning
	return mesh.Options{
		ConnectTimeout:  time.Duration(t.ConnectTimeout) * time.Second,
		PollInterval:    time.Duration(t.PollInterval) * time.Second,
		FreshnessWindow: time.Duration(t.FreshnessWindow) * time.Second,
		StalenessWindow: time.Duration(t.StalenessWindow) * time.Second,
		ScanInterval:    time.Duration(t.ScanIntervalHours) * time.Hour,
		SessionMaxAge:   time.Duration(t.SessionMaxAgeHours) * time.Hour,
		CommandAttempts: t.CommandAttempts,
		RSSIFloor:       t.RSSIFloor,
	}
}
