// Package config provides configuration management for bacmap.
//
// Config file locations (priority order):
//  1. $BACMAP_CONFIG
//  2. ./bacmap.yaml
//  3. $XDG_CONFIG_HOME/bacmap/config.yaml
//  4. ~/.config/bacmap/config.yaml
//  5. /etc/bacmap/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bacmap/internal/domain"
)

// Config is the complete daemon configuration
type Config struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	BACnet   BACnetConfig   `yaml:"bacnet"`
	Scan     ScanConfig     `yaml:"scan"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// DatabaseConfig holds the snapshot store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BACnetConfig holds the protocol transport settings
type BACnetConfig struct {
	Bind      string `yaml:"bind"`
	Broadcast string `yaml:"broadcast"`
	// ResponseWindowMS is how long to collect replies after a broadcast
	ResponseWindowMS int `yaml:"response_window_ms"`
	// ProbeTimeoutSecs bounds unicast probes such as table reads
	ProbeTimeoutSecs int `yaml:"probe_timeout_secs"`
	// ProbeFanout caps concurrent unicast probes
	ProbeFanout int `yaml:"probe_fanout"`
	// LocalNetwork is the network number assigned to the local IP segment
	LocalNetwork uint16 `yaml:"local_network"`
	// BBMDs lists distributor addresses to probe unconditionally
	BBMDs []string `yaml:"bbmds"`
	// Subnets lists CIDRs known ahead of scanning
	Subnets []string `yaml:"subnets"`
}

// ScanConfig holds the discovery scheduling and sizing settings
type ScanConfig struct {
	// IntervalSecs is the delay between scheduled scans. Negative disables
	// the scheduler; scans then run on request only.
	IntervalSecs int `yaml:"interval_secs"`
	// LowLimit and HighLimit bound the instance enumeration
	LowLimit  uint32 `yaml:"low_limit"`
	HighLimit uint32 `yaml:"high_limit"`
	// BatchSize caps how many instances one Who-Is covers
	BatchSize uint32 `yaml:"batch_size"`
	// StoreLimit is how many snapshots to retain
	StoreLimit int `yaml:"store_limit"`
	// RootName labels the scanning node in produced graphs
	RootName string `yaml:"root_name"`
	// RootInstance is the scanner's own device instance, if it has one
	RootInstance uint32 `yaml:"root_instance"`
}

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Server.Bind == "" {
		c.Server.Bind = ":8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./bacmap.db"
	}
	if c.BACnet.Bind == "" {
		c.BACnet.Bind = "0.0.0.0:47808"
	}
	if c.BACnet.Broadcast == "" {
		c.BACnet.Broadcast = "255.255.255.255:47808"
	}
	if c.BACnet.ResponseWindowMS == 0 {
		c.BACnet.ResponseWindowMS = 3000
	}
	if c.BACnet.ProbeTimeoutSecs == 0 {
		c.BACnet.ProbeTimeoutSecs = 5
	}
	if c.BACnet.ProbeFanout == 0 {
		c.BACnet.ProbeFanout = 8
	}
	if c.BACnet.LocalNetwork == 0 {
		c.BACnet.LocalNetwork = 1
	}
	if c.Scan.IntervalSecs == 0 {
		c.Scan.IntervalSecs = 86400
	}
	if c.Scan.HighLimit == 0 {
		c.Scan.HighLimit = domain.MaxInstance
	}
	if c.Scan.BatchSize == 0 {
		c.Scan.BatchSize = 10000
	}
	if c.Scan.StoreLimit == 0 {
		c.Scan.StoreLimit = 30
	}
	if c.Scan.RootName == "" {
		c.Scan.RootName = "bacmap"
	}
}

// validate rejects configurations the scanner cannot run with
func (c *Config) validate() error {
	if c.Scan.LowLimit > c.Scan.HighLimit {
		return fmt.Errorf("config: scan range [%d, %d] is inverted", c.Scan.LowLimit, c.Scan.HighLimit)
	}
	if c.Scan.HighLimit > domain.MaxInstance {
		return fmt.Errorf("config: high limit %d exceeds maximum instance %d", c.Scan.HighLimit, domain.MaxInstance)
	}
	if c.Scan.StoreLimit < 1 {
		return fmt.Errorf("config: store limit must be at least 1")
	}
	return nil
}

// ResponseWindow returns the broadcast response window as a duration
func (c *Config) ResponseWindow() time.Duration {
	return time.Duration(c.BACnet.ResponseWindowMS) * time.Millisecond
}

// ProbeTimeout returns the unicast probe timeout as a duration
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.BACnet.ProbeTimeoutSecs) * time.Second
}

// ScanInterval returns the scheduler period; zero or negative disables it
func (c *Config) ScanInterval() time.Duration {
	if c.Scan.IntervalSecs < 0 {
		return 0
	}
	return time.Duration(c.Scan.IntervalSecs) * time.Second
}
