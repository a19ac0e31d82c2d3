package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
listen_addr: ":10900"

logging:
  level: "DEBUG"

exports:
  - name: "default"
    driver: "raw"
    backend: "file://` + filepath.ToSlash(tmpDir) + `/vol"
    volume_size: 1Gi
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":10900" {
		t.Errorf("listen addr = %q, want :10900", cfg.ListenAddr)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("logging level = %q, want DEBUG", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("logging format default = %q, want text", cfg.Logging.Format)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v, want 30s", cfg.ShutdownTimeout)
	}
	if len(cfg.Exports) != 1 || cfg.Exports[0].Name != "default" {
		t.Fatalf("exports = %+v, want one export named default", cfg.Exports)
	}
	if cfg.Exports[0].VolumeSize != 1<<30 {
		t.Errorf("volume size = %d, want %d", cfg.Exports[0].VolumeSize, 1<<30)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":10809" {
		t.Errorf("listen addr = %q, want :10809", cfg.ListenAddr)
	}
}

func TestValidateRejectsDuplicateExportNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exports = []ExportConfig{
		{Name: "vol", Driver: "raw", Backend: "file:///tmp/a"},
		{Name: "vol", Driver: "raw", Backend: "file:///tmp/b"},
	}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate export names")
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exports = []ExportConfig{{Name: "vol", Driver: "weird", Backend: "file:///tmp/a"}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestExportSpecsFillsDefaultShardSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultShardSize = 8 << 20
	cfg.Exports = []ExportConfig{{Name: "vol", Driver: "sharded", Backend: "file:///tmp/a"}}

	specs := cfg.ExportSpecs()
	if len(specs) != 1 {
		t.Fatalf("len(specs) = %d, want 1", len(specs))
	}
	if specs[0].ShardSize != 8<<20 {
		t.Errorf("shard size = %d, want %d", specs[0].ShardSize, 8<<20)
	}
}
