package config

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	if cfg.Queue.Mode != "block" {
		t.Errorf("Expected default queue mode block, got %s", cfg.Queue.Mode)
	}
	total := 0.0
	for _, w := range cfg.Fusion.SourceWeights {
		total += w
	}
	if math.Abs(total-1.0) > 1e-9 {
		t.Errorf("Default fusion weights should sum to 1.0, got %v", total)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope", "config.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Name != "memloom" {
		t.Errorf("Expected default name, got %s", cfg.Name)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := DefaultConfigPath(t.TempDir())

	cfg := DefaultConfig()
	cfg.Queue.Depth = 512
	cfg.Queue.Mode = "reject"
	cfg.Fusion.SourceWeights["graph"] = 0.7
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Queue.Depth != 512 {
		t.Errorf("Expected depth 512, got %d", loaded.Queue.Depth)
	}
	if loaded.Queue.Mode != "reject" {
		t.Errorf("Expected mode reject, got %s", loaded.Queue.Mode)
	}
	if loaded.Fusion.SourceWeights["graph"] != 0.7 {
		t.Errorf("Expected graph weight 0.7, got %v", loaded.Fusion.SourceWeights["graph"])
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MEMLOOM_DB_PATH", "/tmp/override.db")
	t.Setenv("MEMLOOM_QUEUE_DEPTH", "99")
	t.Setenv("MEMLOOM_WORKERS", "7")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Stores.DatabasePath != "/tmp/override.db" {
		t.Errorf("DB path override not applied: %s", cfg.Stores.DatabasePath)
	}
	if cfg.Queue.Depth != 99 {
		t.Errorf("Queue depth override not applied: %d", cfg.Queue.Depth)
	}
	if cfg.Coordinator.Workers != 7 {
		t.Errorf("Workers override not applied: %d", cfg.Coordinator.Workers)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero-depth", func(c *Config) { c.Queue.Depth = 0 }},
		{"bad-mode", func(c *Config) { c.Queue.Mode = "drop" }},
		{"no-workers", func(c *Config) { c.Coordinator.Workers = 0 }},
		{"decay-too-big", func(c *Config) { c.Retrieval.EdgeDecayFactor = 1.5 }},
		{"negative-weight", func(c *Config) { c.Fusion.SourceWeights["graph"] = -1 }},
		{"bad-relevance", func(c *Config) { c.Stores.Memory.RelevanceWeight = 2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Stores.GetOperationTimeout() != 5*time.Second {
		t.Errorf("Unexpected operation timeout: %v", cfg.Stores.GetOperationTimeout())
	}

	cfg.Stores.OperationTimeout = "250ms"
	if cfg.Stores.GetOperationTimeout() != 250*time.Millisecond {
		t.Errorf("Parsed timeout wrong: %v", cfg.Stores.GetOperationTimeout())
	}

	// Malformed durations fall back rather than erroring at use sites.
	cfg.Stores.OperationTimeout = "soon"
	if cfg.Stores.GetOperationTimeout() != 5*time.Second {
		t.Errorf("Fallback timeout wrong: %v", cfg.Stores.GetOperationTimeout())
	}
}
