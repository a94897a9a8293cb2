package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "barterlink"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "BARTERLINK_DATA_DIR"
	// DefaultPort is the host's primary listening port.
	DefaultPort = 3000
	// DefaultPortSpan is how many consecutive ports the prober tries.
	DefaultPortSpan = 5
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	defaultDeviceName = "Barter Device"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID        string   `json:"device_id"`
	DeviceName      string   `json:"device_name"`
	Port            int      `json:"port"`
	PortSpan        int      `json:"port_span"`
	ExtraCandidates []string `json:"extra_candidates"`
	MDNSEnabled     *bool    `json:"mdns_enabled"`
}

// MDNS reports whether mDNS advertise and browse are enabled. Unset means on.
func (c *DeviceConfig) MDNS() bool {
	return c.MDNSEnabled == nil || *c.MDNSEnabled
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If BARTERLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	enabled := true
	return &DeviceConfig{
		DeviceID:        uuid.NewString(),
		DeviceName:      hostDeviceName(),
		Port:            DefaultPort,
		PortSpan:        DefaultPortSpan,
		ExtraCandidates: []string{},
		MDNSEnabled:     &enabled,
	}
}

func hostDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultDeviceName
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = hostDeviceName()
		updated = true
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
		updated = true
	}

	if cfg.PortSpan <= 0 {
		cfg.PortSpan = DefaultPortSpan
		updated = true
	}

	if cfg.ExtraCandidates == nil {
		cfg.ExtraCandidates = []string{}
		updated = true
	}

	if cfg.MDNSEnabled == nil {
		enabled := true
		cfg.MDNSEnabled = &enabled
		updated = true
	}

	return updated
}
