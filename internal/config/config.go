// Package config holds all memloom configuration, loaded from
// .memloom/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all memloom configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Backing store configuration
	Stores StoresConfig `yaml:"stores"`

	// Consistency ledger
	Ledger LedgerConfig `yaml:"ledger"`

	// Write queue
	Queue QueueConfig `yaml:"queue"`

	// Write coordinator
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Hybrid retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Fusion ranking
	Fusion FusionConfig `yaml:"fusion"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoresConfig configures the backing store adapters.
type StoresConfig struct {
	// Path to the SQLite database backing the relational, vector, and
	// graph adapters.
	DatabasePath string `yaml:"database_path"`

	// Per-adapter operation timeout.
	OperationTimeout string `yaml:"operation_timeout"`

	// Bounded retry for transient adapter failures.
	MaxRetries   int    `yaml:"max_retries"`
	RetryBackoff string `yaml:"retry_backoff"`

	// Memory adapter settings
	Memory MemoryStoreConfig `yaml:"memory"`
}

// MemoryStoreConfig configures the in-process context cache.
type MemoryStoreConfig struct {
	// Maximum entries retained per project before eviction.
	MaxEntriesPerProject int `yaml:"max_entries_per_project"`

	// RecencyHalfLife controls how fast recency scores decay.
	RecencyHalfLife string `yaml:"recency_half_life"`

	// Blend between relevance and recency in [0,1]; the remainder goes
	// to recency.
	RelevanceWeight float64 `yaml:"relevance_weight"`
}

// LedgerConfig configures the durable intent ledger.
type LedgerConfig struct {
	// Directory for BadgerDB data files.
	DataDir string `yaml:"data_dir"`

	// InMemory runs the ledger without disk persistence. Testing only.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites forces fsync on every append. Slower but the write path
	// treats ledger durability failure as fatal, so default is true.
	SyncWrites bool `yaml:"sync_writes"`
}

// QueueConfig configures the per-project write queue.
type QueueConfig struct {
	// Depth is the per-project buffered capacity before backpressure.
	Depth int `yaml:"depth"`

	// Mode is "block" or "reject". In reject mode Submit fails with
	// ErrQueueFull instead of blocking.
	Mode string `yaml:"mode"`
}

// CoordinatorConfig configures the write coordinator.
type CoordinatorConfig struct {
	// Workers bounds how many intents apply concurrently across projects.
	Workers int `yaml:"workers"`
}

// RetrievalConfig configures the hybrid retriever fan-out.
type RetrievalConfig struct {
	// DefaultDeadline bounds each source call when the query carries none.
	DefaultDeadline string `yaml:"default_deadline"`

	// PerSourceCap limits how many candidates one source may return.
	PerSourceCap int `yaml:"per_source_cap"`

	// GraphSeedCount is how many top similarity hits seed graph expansion.
	GraphSeedCount int `yaml:"graph_seed_count"`

	// EdgeDecayFactor scales a seed's score onto its 1-hop neighbors.
	EdgeDecayFactor float64 `yaml:"edge_decay_factor"`
}

// FusionConfig configures score fusion. Weights are operator-tunable
// without code changes; the ranker hot-reloads them on config file change.
type FusionConfig struct {
	// SourceWeights maps source name (similarity, graph, memory) to its
	// fusion weight.
	SourceWeights map[string]float64 `yaml:"source_weights"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "memloom",
		Version: "0.1.0",
		Stores: StoresConfig{
			DatabasePath:     filepath.Join(".memloom", "knowledge.db"),
			OperationTimeout: "5s",
			MaxRetries:       3,
			RetryBackoff:     "50ms",
			Memory: MemoryStoreConfig{
				MaxEntriesPerProject: 1000,
				RecencyHalfLife:      "1h",
				RelevanceWeight:      0.6,
			},
		},
		Ledger: LedgerConfig{
			DataDir:    filepath.Join(".memloom", "ledger"),
			SyncWrites: true,
		},
		Queue: QueueConfig{
			Depth: 256,
			Mode:  "block",
		},
		Coordinator: CoordinatorConfig{
			Workers: 4,
		},
		Retrieval: RetrievalConfig{
			DefaultDeadline: "2s",
			PerSourceCap:    50,
			GraphSeedCount:  5,
			EdgeDecayFactor: 0.5,
		},
		Fusion: FusionConfig{
			SourceWeights: map[string]float64{
				"similarity": 0.5,
				"graph":      0.3,
				"memory":     0.2,
			},
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets deployment environments override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMLOOM_DB_PATH"); v != "" {
		c.Stores.DatabasePath = v
	}
	if v := os.Getenv("MEMLOOM_LEDGER_DIR"); v != "" {
		c.Ledger.DataDir = v
	}
	if v := os.Getenv("MEMLOOM_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.Depth = n
		}
	}
	if v := os.Getenv("MEMLOOM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Coordinator.Workers = n
		}
	}
	if v := os.Getenv("MEMLOOM_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// parseDuration parses d, returning fallback on empty or malformed input.
func parseDuration(d string, fallback time.Duration) time.Duration {
	if d == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(d)
	if err != nil {
		return fallback
	}
	return parsed
}

// OperationTimeout returns the parsed per-adapter operation timeout.
func (c *StoresConfig) GetOperationTimeout() time.Duration {
	return parseDuration(c.OperationTimeout, 5*time.Second)
}

// GetRetryBackoff returns the parsed base retry backoff.
func (c *StoresConfig) GetRetryBackoff() time.Duration {
	return parseDuration(c.RetryBackoff, 50*time.Millisecond)
}

// GetRecencyHalfLife returns the parsed memory recency half-life.
func (c *MemoryStoreConfig) GetRecencyHalfLife() time.Duration {
	return parseDuration(c.RecencyHalfLife, time.Hour)
}

// GetDefaultDeadline returns the parsed retrieval fan-out deadline.
func (c *RetrievalConfig) GetDefaultDeadline() time.Duration {
	return parseDuration(c.DefaultDeadline, 2*time.Second)
}

// Validate checks configuration invariants before boot.
func (c *Config) Validate() error {
	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue depth must be positive, got %d", c.Queue.Depth)
	}
	if c.Queue.Mode != "block" && c.Queue.Mode != "reject" {
		return fmt.Errorf("queue mode must be block or reject, got %q", c.Queue.Mode)
	}
	if c.Coordinator.Workers <= 0 {
		return fmt.Errorf("coordinator workers must be positive, got %d", c.Coordinator.Workers)
	}
	if c.Retrieval.EdgeDecayFactor < 0 || c.Retrieval.EdgeDecayFactor > 1 {
		return fmt.Errorf("edge decay factor must be in [0,1], got %v", c.Retrieval.EdgeDecayFactor)
	}
	for src, w := range c.Fusion.SourceWeights {
		if w < 0 {
			return fmt.Errorf("fusion weight for %s must be >= 0, got %v", src, w)
		}
	}
	rw := c.Stores.Memory.RelevanceWeight
	if rw < 0 || rw > 1 {
		return fmt.Errorf("memory relevance weight must be in [0,1], got %v", rw)
	}
	return nil
}

// DefaultConfigPath returns the conventional config location under workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".memloom", "config.yaml")
}
