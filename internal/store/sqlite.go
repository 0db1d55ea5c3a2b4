package store

import (
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"

	_ "github.com/mattn/go-sqlite3"
)

// timeFormat round-trips applied/compensated timestamps through SQLite text
// columns without losing precision.
const timeFormat = time.RFC3339Nano

// SQLiteBackend owns the shared SQLite database behind the relational,
// vector, and graph adapters. One connection, WAL mode, serialized access
// through the adapters' mutex.
type SQLiteBackend struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	vectorExt bool // sqlite-vec available
}

// NewSQLiteBackend opens (or creates) the database at path and initializes
// the schema. Use ":memory:" for tests.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLiteBackend")
	defer timer.Stop()

	logging.Store("Initializing SQLite backend at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe under WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	b := &SQLiteBackend{db: db, dbPath: path}
	if err := b.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}

	b.detectVecExtension()
	if b.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; vector search falls back to in-process cosine scan")
	}

	logging.Store("SQLite backend initialization complete (relational, vector, graph tables ready)")
	return b, nil
}

// initialize creates the required tables.
func (b *SQLiteBackend) initialize() error {
	// Per-store idempotency markers, keyed by (store_kind, intent_id).
	// Adapters consult this before mutating so replayed intents are no-ops.
	appliedTable := `
	CREATE TABLE IF NOT EXISTS applied_intents (
		store_kind TEXT NOT NULL,
		intent_id TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		compensated_at TEXT,
		PRIMARY KEY(store_kind, intent_id)
	);
	`

	factsTable := `
	CREATE TABLE IF NOT EXISTS facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		user_id TEXT,
		kind TEXT NOT NULL,
		content TEXT,
		confidence REAL DEFAULT 1.0,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_facts_intent ON facts(intent_id);
	CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_id);
	CREATE INDEX IF NOT EXISTS idx_facts_project ON facts(project_id);
	`

	vectorsTable := `
	CREATE TABLE IF NOT EXISTS vectors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		content TEXT,
		embedding BLOB,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_vectors_intent ON vectors(intent_id);
	CREATE INDEX IF NOT EXISTS idx_vectors_project ON vectors(project_id);
	`

	graphTable := `
	CREATE TABLE IF NOT EXISTS graph_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		intent_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		entity_a TEXT NOT NULL,
		relation TEXT NOT NULL,
		entity_b TEXT NOT NULL,
		weight REAL DEFAULT 1.0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_id, entity_a, relation, entity_b)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_intent ON graph_links(intent_id);
	CREATE INDEX IF NOT EXISTS idx_graph_entity_a ON graph_links(project_id, entity_a);
	CREATE INDEX IF NOT EXISTS idx_graph_entity_b ON graph_links(project_id, entity_b);
	`

	for _, table := range []string{
		appliedTable,
		factsTable,
		vectorsTable,
		graphTable,
	} {
		if _, err := b.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (b *SQLiteBackend) detectVecExtension() {
	if b.db == nil {
		return
	}
	if _, err := b.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		b.vectorExt = true
		_, _ = b.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}

	b.vectorExt = false
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	logging.Store("Closing SQLite backend")
	return b.db.Close()
}

// =============================================================================
// IDEMPOTENCY MARKERS
// =============================================================================

// appliedMarker returns the recorded apply/compensate timestamps for one
// (store, intent) pair. Caller must hold at least b.mu.RLock().
func (b *SQLiteBackend) appliedMarker(kind types.StoreKind, intentID string) (appliedAt, compensatedAt *time.Time, err error) {
	var appliedRaw string
	var compensatedRaw sql.NullString
	err = b.db.QueryRow(
		`SELECT applied_at, compensated_at FROM applied_intents WHERE store_kind = ? AND intent_id = ?`,
		string(kind), intentID,
	).Scan(&appliedRaw, &compensatedRaw)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	at, parseErr := time.Parse(timeFormat, appliedRaw)
	if parseErr != nil {
		return nil, nil, fmt.Errorf("corrupt applied_at for %s/%s: %w", kind, intentID, parseErr)
	}
	appliedAt = &at
	if compensatedRaw.Valid && compensatedRaw.String != "" {
		ct, parseErr := time.Parse(timeFormat, compensatedRaw.String)
		if parseErr != nil {
			return appliedAt, nil, fmt.Errorf("corrupt compensated_at for %s/%s: %w", kind, intentID, parseErr)
		}
		compensatedAt = &ct
	}
	return appliedAt, compensatedAt, nil
}

// markApplied records the apply marker inside tx so the domain mutation and
// the marker commit atomically.
func markApplied(tx *sql.Tx, kind types.StoreKind, intentID string, at time.Time) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO applied_intents (store_kind, intent_id, applied_at) VALUES (?, ?, ?)`,
		string(kind), intentID, at.UTC().Format(timeFormat),
	)
	return err
}

// markCompensated records the compensation marker inside tx. The marker row
// is created if Apply never fully committed, so a half-applied intent still
// compensates cleanly.
func markCompensated(tx *sql.Tx, kind types.StoreKind, intentID string, at time.Time) error {
	stamp := at.UTC().Format(timeFormat)
	res, err := tx.Exec(
		`UPDATE applied_intents SET compensated_at = ? WHERE store_kind = ? AND intent_id = ? AND compensated_at IS NULL`,
		stamp, string(kind), intentID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.Exec(
			`INSERT OR IGNORE INTO applied_intents (store_kind, intent_id, applied_at, compensated_at) VALUES (?, ?, ?, ?)`,
			string(kind), intentID, stamp, stamp,
		)
	}
	return err
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Stats returns row counts per table.
func (b *SQLiteBackend) Stats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Stats")
	defer timer.Stop()

	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"facts", "vectors", "graph_links", "applied_intents"}

	for _, table := range tables {
		var count int64
		err := b.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed: %v", table, err)
			continue
		}
		stats[table] = count
	}

	return stats, nil
}
