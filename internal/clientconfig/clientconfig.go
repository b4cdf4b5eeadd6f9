// Copyright 2025 The zb Authors
// SPDX-License-Identifier: MIT

// Package clientconfig loads the build client's configuration.
//
// Settings come from an optional YAML file overlaid with the ICECC_*
// environment variables. Environment variables win.
package clientconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultDaemonPort is the TCP port the local daemon listens on.
const DefaultDaemonPort = 10245

// Config carries the client settings that are not per-job.
type Config struct {
	// DaemonAddr is the host:port of the local daemon.
	DaemonAddr string `yaml:"daemon_addr"`

	// EnvironmentsSpec is the raw environment catalog declaration,
	// in the same plat:archive[=prefix],... syntax as ICECC_VERSION.
	EnvironmentsSpec string `yaml:"environments"`

	// PreferredHost is an opaque host hint forwarded to the scheduler.
	PreferredHost string `yaml:"preferred_host"`

	// RequireVerify refuses remotes that cannot run the environment
	// verification handshake.
	RequireVerify bool `yaml:"require_verified"`

	// ReplicationPermille is the per-mille fraction of eligible jobs
	// that are compiled on several hosts and cross-checked.
	ReplicationPermille int `yaml:"replication_permille"`
}

// DefaultPath returns the conventional config file location, or the
// empty string if no user config directory is available.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "icefarm", "config.yaml")
}

// Load reads the config file at path, if it exists, and then applies
// environment variable overrides. An empty or missing path yields the
// built-in defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		DaemonAddr: fmt.Sprintf("127.0.0.1:%d", DefaultDaemonPort),
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Optional file.
		case err != nil:
			return nil, fmt.Errorf("load client config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("load client config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvironment()
	return cfg, nil
}

func (cfg *Config) applyEnvironment() {
	if v := os.Getenv("ICECC_VERSION"); v != "" {
		cfg.EnvironmentsSpec = v
	}
	if v := os.Getenv("ICECC_PREFERRED_HOST"); v != "" {
		cfg.PreferredHost = v
	}
}
