// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plyflow.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  base_url: http://recon.local:8080
uploads:
  concurrency: 5
channel:
  max_attempts: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.BaseURL != "http://recon.local:8080" {
		t.Errorf("base_url = %s", cfg.Server.BaseURL)
	}
	if cfg.Uploads.Concurrency != 5 {
		t.Errorf("concurrency = %d, want 5", cfg.Uploads.Concurrency)
	}
	if cfg.Channel.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want 3", cfg.Channel.MaxAttempts)
	}
	// Untouched fields keep their defaults.
	if cfg.Uploads.PollInterval != 500*time.Millisecond {
		t.Errorf("poll_interval = %v, want default 500ms", cfg.Uploads.PollInterval)
	}
	if cfg.Chunks.RetentionWindow != 2 {
		t.Errorf("retention_window = %d, want default 2", cfg.Chunks.RetentionWindow)
	}
}

func TestLoadFromEnvVar(t *testing.T) {
	path := writeConfig(t, "server:\n  base_url: https://recon.example\n")
	t.Setenv(EnvVar, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://recon.example" {
		t.Errorf("base_url = %s", cfg.Server.BaseURL)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Defaults()
		cfg.Server.BaseURL = "http://recon.local"
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		if err := base().Validate(); err != nil {
			t.Errorf("Validate failed: %v", err)
		}
	})

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "base_url"},
		{"non-http scheme", func(c *Config) { c.Server.BaseURL = "ftp://x" }, "base_url"},
		{"zero chunk size", func(c *Config) { c.Session.ChunkSize = 0 }, "chunk_size"},
		{"overlap too large", func(c *Config) { c.Session.Overlap = 99 }, "overlap"},
		{"zero window", func(c *Config) { c.Chunks.RetentionWindow = 0 }, "retention_window"},
		{"zero attempts", func(c *Config) { c.Channel.MaxAttempts = 0 }, "max_attempts"},
		{"inverted backoff", func(c *Config) { c.Channel.MaxBackoff = time.Millisecond }, "backoff"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("got %v, want error mentioning %s", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
