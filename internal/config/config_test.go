package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := Load(dir, logrus.NewEntry(logrus.New()))
	if cfg.DownloadDir == "" {
		t.Fatal("expected a default download dir")
	}
	if cfg.PreferredPort != 0 {
		t.Fatalf("expected default preferred port 0, got %d", cfg.PreferredPort)
	}
}

func TestLoadValidFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
device_name = "My Laptop"
download_dir = "/tmp/warpdeck-downloads"
preferred_port = 9001
platform = "linux"
`
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(dir, logrus.NewEntry(logrus.New()))
	if cfg.DeviceName != "My Laptop" {
		t.Fatalf("unexpected device name: %s", cfg.DeviceName)
	}
	if cfg.DownloadDir != "/tmp/warpdeck-downloads" {
		t.Fatalf("unexpected download dir: %s", cfg.DownloadDir)
	}
	if cfg.PreferredPort != 9001 {
		t.Fatalf("unexpected preferred port: %d", cfg.PreferredPort)
	}
}

func TestLoadUnparseableFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("not = [valid toml"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(dir, logrus.NewEntry(logrus.New()))
	if cfg.DeviceName == "" {
		t.Fatal("expected a default device name on parse failure")
	}
}
