// Package config loads the optional startup configuration shared by the
// relay and client binaries. Every field has a hardcoded default; a missing
// file is not an error, an unreadable or malformed one is.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Relay holds server-side defaults.
type Relay struct {
	Address string `yaml:"address"`
	Debug   bool   `yaml:"debug"`
}

// Adapter holds broker-adapter defaults.
type Adapter struct {
	DialTimeoutMs int      `yaml:"dial_timeout_ms"`
	WaitTimeoutMs int      `yaml:"wait_timeout_ms"`
	Subscribe     []string `yaml:"subscribe"`
}

// File is the top-level shape of the optional YAML configuration document.
type File struct {
	Relay   Relay   `yaml:"relay"`
	Adapter Adapter `yaml:"adapter"`
}

// Default returns the hardcoded configuration used when no file is supplied.
func Default() *File {
	return &File{
		Relay: Relay{
			Address: ":10000",
			Debug:   false,
		},
		Adapter: Adapter{
			DialTimeoutMs: 10000,
			WaitTimeoutMs: 0,
			Subscribe:     []string{"idle", "assign", "capacity"},
		},
	}
}

// Load reads and parses filename, overlaying its fields on top of the
// defaults. An empty filename returns the defaults unchanged.
func Load(filename string) (*File, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Relay.Address == "" {
		cfg.Relay.Address = ":10000"
	}
	if cfg.Adapter.DialTimeoutMs == 0 {
		cfg.Adapter.DialTimeoutMs = 10000
	}
	if len(cfg.Adapter.Subscribe) == 0 {
		cfg.Adapter.Subscribe = []string{"idle", "assign", "capacity"}
	}

	return cfg, nil
}

// DialTimeout returns the adapter dial timeout as a time.Duration.
func (a Adapter) DialTimeout() time.Duration {
	return time.Duration(a.DialTimeoutMs) * time.Millisecond
}

// WaitTimeout returns the adapter default wait timeout as a time.Duration.
// Zero means wait forever.
func (a Adapter) WaitTimeout() time.Duration {
	return time.Duration(a.WaitTimeoutMs) * time.Millisecond
}
