package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"memloom/internal/config"
	"memloom/internal/fusion"
	"memloom/internal/ledger"
	"memloom/internal/retrieval"
	"memloom/internal/store"
	"memloom/internal/types"
	"memloom/internal/write"
)

// app wires the whole pipeline for one CLI invocation: config, backing
// stores, ledger, coordinator, retriever, and the config watcher that
// hot-reloads fusion weights.
type app struct {
	cfg     *config.Config
	backend *store.SQLiteBackend
	ledger  *ledger.Ledger

	relational *store.RelationalStore
	vector     *store.VectorStore
	graph      *store.GraphStore
	memory     *store.MemoryStore

	coordinator *write.Coordinator
	ranker      *fusion.Ranker
	engine      *retrieval.Engine
	watcher     *config.Watcher

	watchCancel context.CancelFunc
}

func newApp(ws string) (*app, error) {
	cfgPath := config.DefaultConfigPath(ws)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg}

	a.backend, err = store.NewSQLiteBackend(resolvePath(ws, cfg.Stores.DatabasePath))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}

	a.ledger, err = ledger.Open(ledger.Options{
		DataDir:    resolvePath(ws, cfg.Ledger.DataDir),
		InMemory:   cfg.Ledger.InMemory,
		SyncWrites: cfg.Ledger.SyncWrites,
	})
	if err != nil {
		a.backend.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	a.relational = store.NewRelationalStore(a.backend)
	a.vector = store.NewVectorStore(a.backend)
	a.graph = store.NewGraphStore(a.backend)
	a.memory = store.NewMemoryStore(store.MemoryStoreOptions{
		MaxEntriesPerProject: cfg.Stores.Memory.MaxEntriesPerProject,
		RecencyHalfLife:      cfg.Stores.Memory.GetRecencyHalfLife(),
		RelevanceWeight:      cfg.Stores.Memory.RelevanceWeight,
	})

	retries := cfg.Stores.MaxRetries
	backoff := cfg.Stores.GetRetryBackoff()
	a.coordinator, err = write.NewCoordinator(write.CoordinatorOptions{
		Ledger: a.ledger,
		Adapters: []store.Adapter{
			store.WithRetry(a.relational, retries, backoff),
			store.WithRetry(a.vector, retries, backoff),
			store.WithRetry(a.graph, retries, backoff),
			store.WithRetry(a.memory, retries, backoff),
		},
		Workers:          cfg.Coordinator.Workers,
		QueueDepth:       cfg.Queue.Depth,
		Mode:             write.BackpressureMode(cfg.Queue.Mode),
		OperationTimeout: cfg.Stores.GetOperationTimeout(),
	})
	if err != nil {
		a.ledger.Close()
		a.backend.Close()
		return nil, fmt.Errorf("failed to start coordinator: %w", err)
	}

	a.ranker = fusion.NewRanker(sourceWeights(cfg))
	a.engine = retrieval.NewEngine(retrieval.Options{
		Similarity:      store.WithSearchRetry(types.StoreVector, a.vector, retries, backoff),
		Memory:          store.WithSearchRetry(types.StoreMemory, a.memory, retries, backoff),
		Graph:           store.WithExpandRetry(a.graph, retries, backoff),
		Ranker:          a.ranker,
		DefaultDeadline: cfg.Retrieval.GetDefaultDeadline(),
		PerSourceCap:    cfg.Retrieval.PerSourceCap,
		GraphSeedCount:  cfg.Retrieval.GraphSeedCount,
		EdgeDecay:       cfg.Retrieval.EdgeDecayFactor,
	})

	// Fusion weights follow the config file while the process runs.
	a.watcher, err = config.NewWatcher(cfgPath, func(updated *config.Config) {
		a.ranker.SetWeights(sourceWeights(updated))
	})
	if err != nil {
		logger.Warn("Config watcher unavailable; fusion weights fixed for this run", zap.Error(err))
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		a.watchCancel = cancel
		if err := a.watcher.Start(ctx); err != nil {
			logger.Warn("Failed to start config watcher", zap.Error(err))
			cancel()
			a.watcher = nil
			a.watchCancel = nil
		}
	}

	return a, nil
}

func (a *app) Close() {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	a.coordinator.Close()
	if err := a.ledger.Close(); err != nil {
		logger.Warn("Failed to close ledger", zap.Error(err))
	}
	if err := a.backend.Close(); err != nil {
		logger.Warn("Failed to close knowledge database", zap.Error(err))
	}
}

func sourceWeights(cfg *config.Config) map[types.SourceKind]float64 {
	out := make(map[types.SourceKind]float64, len(cfg.Fusion.SourceWeights))
	for name, weight := range cfg.Fusion.SourceWeights {
		out[types.SourceKind(name)] = weight
	}
	return out
}

func resolvePath(ws, path string) string {
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(ws, path)
}
