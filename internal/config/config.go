// Package config loads probe defaults for the bundled command-line
// tools from a TOML file.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Load reads and validates the config at path. An empty path or a
// missing file yields zero defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, "loading config %s", path)
	}
	if err := Validate(cfg); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate checks field ranges and enumerations.
func Validate(cfg *Config) error {
	if cfg.IPVersion != 0 && cfg.IPVersion != 4 && cfg.IPVersion != 6 {
		return errors.Errorf("ip_version must be 4 or 6, got %d", cfg.IPVersion)
	}
	switch cfg.Protocol {
	case "", "icmp", "udp", "tcp", "sctp":
	default:
		return errors.Errorf("unknown protocol %q", cfg.Protocol)
	}
	if cfg.TTL < 0 || cfg.TTL > 255 {
		return errors.Errorf("ttl must be between 0 and 255, got %d", cfg.TTL)
	}
	if cfg.TOS < 0 || cfg.TOS > 255 {
		return errors.Errorf("tos must be between 0 and 255, got %d", cfg.TOS)
	}
	if cfg.PacketSize < 0 {
		return errors.Errorf("packet_size must not be negative, got %d", cfg.PacketSize)
	}
	if _, err := cfg.ParsedTimeout(); err != nil {
		return err
	}
	return nil
}

// ParsedTimeout returns the configured probe timeout, or zero when
// unset.
func (c *Config) ParsedTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid timeout %q", c.Timeout)
	}
	if d <= 0 {
		return 0, errors.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return d, nil
}
