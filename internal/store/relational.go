package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// RelationalStore persists the canonical fact/concept/chunk/summary rows.
// It is the durable system of record among the adapters; it does not
// participate in retrieval fan-out.
type RelationalStore struct {
	backend *SQLiteBackend
}

// NewRelationalStore wraps the shared backend.
func NewRelationalStore(backend *SQLiteBackend) *RelationalStore {
	return &RelationalStore{backend: backend}
}

// Kind implements Adapter.
func (s *RelationalStore) Kind() types.StoreKind { return types.StoreRelational }

// Apply inserts the intent's payload as a fact row. Idempotent: a replayed
// intent returns the original applied_at without inserting again.
func (s *RelationalStore) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RelationalStore.Apply")
	defer timer.Stop()

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	appliedAt, _, err := b.appliedMarker(types.StoreRelational, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if appliedAt != nil {
		logging.StoreDebug("Relational apply is a replay for intent=%s, returning original applied_at", intent.IntentID)
		return *appliedAt, nil
	}

	metaJSON, err := json.Marshal(intent.Payload.Metadata)
	if err != nil {
		return time.Time{}, err
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO facts (intent_id, entity_id, project_id, user_id, kind, content, confidence, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		intent.IntentID, intent.Payload.EntityID, intent.ProjectID, intent.UserID,
		string(intent.Kind), intent.Payload.Content, intent.Payload.Confidence, string(metaJSON),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Relational apply failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if err := markApplied(tx, types.StoreRelational, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}

	logging.StoreDebug("Relational apply committed: intent=%s entity=%s", intent.IntentID, intent.Payload.EntityID)
	return now, nil
}

// Compensate removes everything the intent inserted. It succeeds even when
// Apply never committed (nothing to delete) and is idempotent.
func (s *RelationalStore) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RelationalStore.Compensate")
	defer timer.Stop()

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	_, compensatedAt, err := b.appliedMarker(types.StoreRelational, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if compensatedAt != nil {
		logging.StoreDebug("Relational compensate is a replay for intent=%s", intent.IntentID)
		return *compensatedAt, nil
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM facts WHERE intent_id = ?`, intent.IntentID); err != nil {
		logging.Get(logging.CategoryStore).Error("Relational compensate failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if err := markCompensated(tx, types.StoreRelational, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreRelational, err)
	}

	logging.StoreDebug("Relational compensate committed: intent=%s", intent.IntentID)
	return now, nil
}

// classifySQLiteErr wraps transient SQLite contention as AdapterUnavailable
// so the retry layer can distinguish it from permanent failures.
func classifySQLiteErr(kind types.StoreKind, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return &types.AdapterUnavailable{Store: kind, Err: err}
	}
	return err
}
