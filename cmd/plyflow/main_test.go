// Copyright 2026 The Plyflow Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/plyflow/plyflow/lib/config"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("got %v, want unknown-command error", err)
	}
}

func TestRunRequiresCommand(t *testing.T) {
	if err := run(nil); err == nil {
		t.Error("expected error for missing command")
	}
}

func TestLoadConfigServerFlagWithoutFile(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	cfg, err := loadConfig("", "http://recon.local:8080")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.BaseURL != "http://recon.local:8080" {
		t.Errorf("base_url = %s", cfg.Server.BaseURL)
	}
	if cfg.Uploads.Concurrency != 3 {
		t.Errorf("defaults not applied: concurrency = %d", cfg.Uploads.Concurrency)
	}
}

func TestLoadConfigServerFlagOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plyflow.yaml")
	content := "server:\n  base_url: http://file.local\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(path, "https://flag.local")
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://flag.local" {
		t.Errorf("base_url = %s, want flag override", cfg.Server.BaseURL)
	}
}

func TestOpenFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "img-001.jpg")
	second := filepath.Join(dir, "img-002.jpg")
	if err := os.WriteFile(first, []byte("aaaa"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(second, []byte("bb"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, closeFiles, total, err := openFiles([]string{first, second})
	if err != nil {
		t.Fatalf("openFiles failed: %v", err)
	}
	defer closeFiles()

	if len(files) != 2 {
		t.Fatalf("len = %d, want 2", len(files))
	}
	if total != 6 {
		t.Errorf("total = %d, want 6", total)
	}
	if files[0].Name != first {
		t.Errorf("name = %s, want %s", files[0].Name, first)
	}
}

func TestOpenFilesMissing(t *testing.T) {
	if _, _, _, err := openFiles([]string{filepath.Join(t.TempDir(), "absent.jpg")}); err == nil {
		t.Error("expected error for missing file")
	}
}
