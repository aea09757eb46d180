package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}
	if cfg.Database.Path != "driftwatch.db" {
		t.Errorf("expected default database path driftwatch.db, got %s", cfg.Database.Path)
	}
	if cfg.Engine.MaxParallel != 4 {
		t.Errorf("expected default max_parallel 4, got %d", cfg.Engine.MaxParallel)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "console" {
		t.Errorf("expected default logging config, got %+v", cfg.Logging)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /var/lib/driftwatch/state.db
engine:
  max_parallel: 8
  lease_ttl: 5m
logging:
  level: debug
  format: json
metrics:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	if cfg.Database.Path != "/var/lib/driftwatch/state.db" {
		t.Errorf("expected overridden database path, got %s", cfg.Database.Path)
	}
	if cfg.Engine.MaxParallel != 8 {
		t.Errorf("expected max_parallel 8, got %d", cfg.Engine.MaxParallel)
	}
	if cfg.Engine.LeaseTTL != 5*time.Minute {
		t.Errorf("expected lease_ttl 5m, got %v", cfg.Engine.LeaseTTL)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("expected overridden logging config, got %+v", cfg.Logging)
	}

	// Untouched sections keep their defaults.
	if cfg.Engine.SweepBatchSize != 500 {
		t.Errorf("expected default sweep_batch_size 500, got %d", cfg.Engine.SweepBatchSize)
	}
	if cfg.Sources.CanonicalRoot != "workflows" {
		t.Errorf("expected default canonical_root, got %s", cfg.Sources.CanonicalRoot)
	}
	if cfg.Metrics.ListenAddress != ":9090" {
		t.Errorf("expected default listen address, got %s", cfg.Metrics.ListenAddress)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "bad log level",
			content: `
logging:
  level: verbose
`,
		},
		{
			name: "bad log format",
			content: `
logging:
  format: xml
`,
		},
		{
			name: "zero max parallel",
			content: `
engine:
  max_parallel: 0
`,
		},
		{
			name: "bad tracing exporter",
			content: `
tracing:
  exporter: jaeger
`,
		},
		{
			name:    "malformed yaml",
			content: "database: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write config file: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected load of a missing file to fail")
	}
}
