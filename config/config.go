package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "libra"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 9999
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultDiscoveryPort            = 37020
	DefaultDiscoveryIntervalSeconds = 5
	DefaultChunkSize                = 64 * 1024
	DefaultTorPath                  = "tor"
	DefaultTorControlPort           = 9051
	DefaultTorSOCKSPort             = 9050
	DefaultRelayPort                = 9878
	DefaultMaxRetries               = 5
	DefaultConnectTimeoutSeconds    = 10
	DefaultRetrySweepSeconds        = 30
	DefaultSeenIDRetentionHours     = 7 * 24
	DefaultMaxFileSizeMB            = 256
	DefaultLogLevel                 = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	envDataDir  = "LIBRA_DATA_DIR"
	envLogLevel = "LIBRA_LOG_LEVEL"
)

// PeerConfig contains persistent local-peer settings.
type PeerConfig struct {
	PeerName       string `json:"peer_name"`
	PortMode       string `json:"port_mode"`
	ListeningPort  int    `json:"listening_port"`
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	KeyFingerprint string `json:"key_fingerprint"`
	FilesDir       string `json:"files_dir"`

	DiscoveryPort            int      `json:"discovery_port"`
	DiscoveryIntervalSeconds int      `json:"discovery_interval_seconds"`
	DiscoveryTargets         []string `json:"discovery_targets,omitempty"`
	MDNSEnabled              bool     `json:"mdns_enabled"`

	ChunkSize             int `json:"chunk_size"`
	MaxRetries            int `json:"max_retries"`
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`
	RetrySweepSeconds     int `json:"retry_sweep_seconds"`
	SeenIDRetentionHours  int `json:"seen_id_retention_hours"`
	MaxFileSizeMB         int `json:"max_file_size_mb"`

	TorEnabled     bool   `json:"tor_enabled"`
	TorPath        string `json:"tor_path"`
	TorControlPort int    `json:"tor_control_port"`
	TorSOCKSPort   int    `json:"tor_socks_port"`
	RelayPort      int    `json:"relay_port"`

	LogLevel string `json:"log_level"`
}

// DiscoveryInterval returns the beacon interval.
func (c *PeerConfig) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// ConnectTimeout returns the direct connection budget.
func (c *PeerConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// RetrySweep returns how often pending messages are retried.
func (c *PeerConfig) RetrySweep() time.Duration {
	return time.Duration(c.RetrySweepSeconds) * time.Second
}

// SeenIDRetention returns how long inbound message IDs are remembered.
func (c *PeerConfig) SeenIDRetention() time.Duration {
	return time.Duration(c.SeenIDRetentionHours) * time.Hour
}

// MaxFileSize returns the largest inbound file accepted, in bytes.
func (c *PeerConfig) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) << 20
}

// ParsedLogLevel returns the configured level. LIBRA_LOG_LEVEL overrides the file.
func (c *PeerConfig) ParsedLogLevel() (logrus.Level, error) {
	level := c.LogLevel
	if override := os.Getenv(envLogLevel); override != "" {
		level = override
	}
	if level == "" {
		level = DefaultLogLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("parse log level: %w", err)
	}
	return parsed, nil
}

// Validate checks ports and limits.
func (c *PeerConfig) Validate() error {
	var errs []error
	checkPort := func(name string, port int, allowZero bool) {
		if allowZero && port == 0 {
			return
		}
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d out of range 1..65535", name, port))
		}
	}

	switch c.PortMode {
	case PortModeAutomatic:
		checkPort("listening_port", c.ListeningPort, true)
	case PortModeFixed:
		checkPort("listening_port", c.ListeningPort, false)
	default:
		errs = append(errs, fmt.Errorf("unknown port_mode %q", c.PortMode))
	}
	checkPort("discovery_port", c.DiscoveryPort, false)
	checkPort("tor_control_port", c.TorControlPort, false)
	checkPort("tor_socks_port", c.TorSOCKSPort, false)
	checkPort("relay_port", c.RelayPort, false)
	if c.TorControlPort == c.TorSOCKSPort {
		errs = append(errs, errors.New("tor_control_port and tor_socks_port must differ"))
	}

	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max_retries must be positive, got %d", c.MaxRetries))
	}
	if c.MaxFileSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("max_file_size_mb must be positive, got %d", c.MaxFileSizeMB))
	}
	if c.DiscoveryIntervalSeconds <= 0 || c.ConnectTimeoutSeconds <= 0 || c.RetrySweepSeconds <= 0 {
		errs = append(errs, errors.New("intervals and timeouts must be positive"))
	}
	if _, err := c.ParsedLogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LIBRA_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "files"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*PeerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg PeerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *PeerConfig) error {
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

// LoadOrCreate ensures directories and config exist, then returns the config,
// its path and the data directory.
func LoadOrCreate() (*PeerConfig, string, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
		return cfg, cfgPath, dataDir, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", "", err
		}
	}

	return cfg, cfgPath, dataDir, nil
}

func defaultConfig(dataDir string) *PeerConfig {
	cfg := &PeerConfig{MDNSEnabled: true}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultPeerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Libra Peer"
}

// normalizeDefaults fills zero-valued fields and reports whether it changed cfg.
func normalizeDefaults(cfg *PeerConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.PeerName, defaultPeerName())

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	setString(&cfg.PrivateKeyPath, filepath.Join(keysDir, "private.pem"))
	setString(&cfg.PublicKeyPath, filepath.Join(keysDir, "public.pem"))
	setString(&cfg.FilesDir, filepath.Join(dataDir, "files"))

	setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	setInt(&cfg.DiscoveryIntervalSeconds, DefaultDiscoveryIntervalSeconds)
	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.MaxRetries, DefaultMaxRetries)
	setInt(&cfg.ConnectTimeoutSeconds, DefaultConnectTimeoutSeconds)
	setInt(&cfg.RetrySweepSeconds, DefaultRetrySweepSeconds)
	setInt(&cfg.SeenIDRetentionHours, DefaultSeenIDRetentionHours)
	setInt(&cfg.MaxFileSizeMB, DefaultMaxFileSizeMB)

	setString(&cfg.TorPath, DefaultTorPath)
	setInt(&cfg.TorControlPort, DefaultTorControlPort)
	setInt(&cfg.TorSOCKSPort, DefaultTorSOCKSPort)
	setInt(&cfg.RelayPort, DefaultRelayPort)

	setString(&cfg.LogLevel, DefaultLogLevel)

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
