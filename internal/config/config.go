// Package config reads the node's environment-variable configuration
// surface. The names below are part of the wire contract and must not be
// renamed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	envRole    = "PORTA_ROLE"
	envTCPPort = "PORTA_P2P_TCP_PORT"
	envKeyPath = "PORTA_KEY_PATH"
	envDB      = "PORTA_DB"

	defaultRole = "edge"
	defaultDB   = "porta.db"
)

// Config is the node's full environment-derived configuration.
type Config struct {
	Role    string
	TCPPort int
	KeyPath string
	DBPath  string
}

// Default returns the configuration that applies when no environment
// variables are set at all.
func Default() Config {
	return Config{
		Role:    defaultRole,
		TCPPort: 0,
		KeyPath: deriveKeyPath(defaultDB),
		DBPath:  defaultDB,
	}
}

// Load reads Config from the process environment, applying defaults for
// anything unset and deriving PORTA_KEY_PATH from PORTA_DB when it is not
// set explicitly, then validates the result.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv(envDB); v != "" {
		cfg.DBPath = v
		cfg.KeyPath = deriveKeyPath(v)
	}
	if v := os.Getenv(envRole); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv(envTCPPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%s: invalid port %q: %w", envTCPPort, v, err)
		}
		cfg.TCPPort = port
	}
	if v := os.Getenv(envKeyPath); v != "" {
		cfg.KeyPath = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration's internal consistency.
func (c Config) Validate() error {
	if c.Role == "" {
		return fmt.Errorf("role must not be empty")
	}
	if c.TCPPort < 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp port %d out of range", c.TCPPort)
	}
	if c.KeyPath == "" {
		return fmt.Errorf("key path must not be empty")
	}
	return nil
}

func deriveKeyPath(dbPath string) string {
	dir := filepath.Dir(dbPath)
	base := filepath.Base(dbPath)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	if stem == "" {
		stem = base
	}
	return filepath.Join(dir, stem+".key")
}
