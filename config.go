// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is a versioned configuration tree for a quic Endpoint, intended to
// be loaded from a YAML file the way distribution's Configuration is: a
// struct tree unmarshaled by gopkg.in/yaml.v2, with defaults applied after
// load rather than baked into zero values.
type Config struct {
	// Listen is the local UDP address the Endpoint binds, "host:port".
	Listen string `yaml:"listen"`

	// MaxIdleTimeout is the idle timeout setting, defaulted to 30s. The
	// Endpoint does not pass it to its connections; each connection uses
	// the package's own 30s default.
	MaxIdleTimeout time.Duration `yaml:"max_idle_timeout,omitempty"`

	// MaxBufferedBytes is the buffered-byte bound setting. The Endpoint
	// does not pass it to its connections; each connection's memory
	// budget is unbounded.
	MaxBufferedBytes int64 `yaml:"max_buffered_bytes,omitempty"`

	// CongestionController names the congestion algorithm, defaulted to
	// "newreno". The Endpoint does not pass it to its connections; every
	// connection uses NewReno.
	CongestionController string `yaml:"congestion_controller,omitempty"`

	// ECN enables marking outbound datagrams with the ECT(0) codepoint so
	// the path can be validated for ECN support.
	ECN bool `yaml:"ecn,omitempty"`

	// Metrics configures the Prometheus exporter.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig configures the promhttp listener served by `cmd/quic serve`.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// defaultConfig mirrors spec.md §3's defaults table.
func defaultConfig() Config {
	return Config{
		Listen:               ":4433",
		MaxIdleTimeout:        30 * time.Second,
		CongestionController: "newreno",
	}
}

// LoadConfig reads and parses a YAML configuration file, applying defaults
// for anything the file leaves unset, the way distribution's
// configuration.Parse layers a file over built-in defaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := defaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.MaxIdleTimeout == 0 {
		c.MaxIdleTimeout = d.MaxIdleTimeout
	}
	if c.CongestionController == "" {
		c.CongestionController = d.CongestionController
	}
}
