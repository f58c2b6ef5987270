// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the plyflow
// client.
//
// Configuration is loaded from a single YAML file specified by:
//   - PLYFLOW_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery; unset values take
// the documented defaults. The tuning knobs here (poll interval,
// reconnect bounds, retention window) mirror the server's observed
// behavior and are deliberately configuration, not constants.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable pointing at the config file.
const EnvVar = "PLYFLOW_CONFIG"

// Config is the master configuration for the client.
type Config struct {
	// Server configures endpoints.
	Server ServerConfig `yaml:"server"`

	// Session configures reconstruction parameters sent at session
	// creation. The core validates but does not interpret them.
	Session SessionConfig `yaml:"session"`

	// Chunks configures the in-memory chunk working set.
	Chunks ChunksConfig `yaml:"chunks"`

	// Uploads configures the upload scheduler.
	Uploads UploadsConfig `yaml:"uploads"`

	// Channel configures the push-channel reconnect policy.
	Channel ChannelConfig `yaml:"channel"`

	// Metrics configures the optional Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures endpoints.
type ServerConfig struct {
	// BaseURL is the reconstruction server's HTTP base URL. The
	// websocket endpoint is derived from it by scheme swap.
	BaseURL string `yaml:"base_url"`

	// FetchTimeout bounds a single chunk payload download.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// SessionConfig configures reconstruction parameters.
type SessionConfig struct {
	// ChunkSize is the number of frames per chunk.
	ChunkSize int `yaml:"chunk_size"`

	// Overlap is the number of frames shared between adjacent
	// chunks. Must be smaller than ChunkSize.
	Overlap int `yaml:"overlap"`

	// LoopDetection toggles server-side loop closure.
	LoopDetection bool `yaml:"loop_detection"`
}

// ChunksConfig configures the chunk working set.
type ChunksConfig struct {
	// RetentionWindow is the maximum number of chunks kept fully
	// materialized in memory.
	RetentionWindow int `yaml:"retention_window"`
}

// UploadsConfig configures the upload scheduler.
type UploadsConfig struct {
	// Concurrency is the per-batch upload width, clamped to [1,5].
	Concurrency int `yaml:"concurrency"`

	// PollInterval paces the backpressure stall loop.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ChannelConfig configures the push-channel reconnect policy.
type ChannelConfig struct {
	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// InitialBackoff is the first reconnect wait; it doubles per
	// failure up to MaxBackoff.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the reconnect wait.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MaxAttempts is the consecutive-failure budget before the
	// client settles disconnected.
	MaxAttempts int `yaml:"max_attempts"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// ListenAddr serves /metrics when non-empty (e.g. ":9190").
	ListenAddr string `yaml:"listen_addr"`
}

// Defaults returns the configuration used when no file is given.
// Server.BaseURL has no default and must be provided.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			FetchTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			ChunkSize:     30,
			Overlap:       5,
			LoopDetection: true,
		},
		Chunks: ChunksConfig{
			RetentionWindow: 2,
		},
		Uploads: UploadsConfig{
			Concurrency:  3,
			PollInterval: 500 * time.Millisecond,
		},
		Channel: ChannelConfig{
			ConnectTimeout: 5 * time.Second,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			MaxAttempts:    5,
		},
	}
}

// Load reads the config file at path, layered over Defaults. An empty
// path falls back to the EnvVar location; if that is also empty,
// Defaults are returned as-is (BaseURL validation still applies).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config: server.base_url is required")
	}
	parsed, err := url.Parse(c.Server.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("config: server.base_url %q must be an http(s) URL", c.Server.BaseURL)
	}
	if c.Session.ChunkSize <= 0 {
		return fmt.Errorf("config: session.chunk_size must be positive")
	}
	if c.Session.Overlap < 0 || c.Session.Overlap >= c.Session.ChunkSize {
		return fmt.Errorf("config: session.overlap must be in [0, chunk_size)")
	}
	if c.Chunks.RetentionWindow < 1 {
		return fmt.Errorf("config: chunks.retention_window must be at least 1")
	}
	if c.Channel.MaxAttempts < 1 {
		return fmt.Errorf("config: channel.max_attempts must be at least 1")
	}
	if c.Channel.InitialBackoff <= 0 || c.Channel.MaxBackoff < c.Channel.InitialBackoff {
		return fmt.Errorf("config: channel backoff bounds are inconsistent")
	}
	return nil
}
