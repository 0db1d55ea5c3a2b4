package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"sort"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// VectorStore indexes pre-computed embeddings for similarity search. When the
// sqlite-vec extension is present it ranks with vec_distance_cosine inside
// SQLite; otherwise it falls back to a brute-force cosine scan in Go over the
// project's rows.
type VectorStore struct {
	backend *SQLiteBackend
}

// NewVectorStore wraps the shared backend.
func NewVectorStore(backend *SQLiteBackend) *VectorStore {
	return &VectorStore{backend: backend}
}

// Kind implements Adapter.
func (s *VectorStore) Kind() types.StoreKind { return types.StoreVector }

// Apply inserts the intent's embedding. Intents without an embedding still
// apply cleanly (the row simply never matches a similarity query); the
// embedding collaborator may backfill under a later intent.
func (s *VectorStore) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorStore.Apply")
	defer timer.Stop()

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	appliedAt, _, err := b.appliedMarker(types.StoreVector, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if appliedAt != nil {
		logging.StoreDebug("Vector apply is a replay for intent=%s", intent.IntentID)
		return *appliedAt, nil
	}

	var blob []byte
	if len(intent.Payload.Embedding) > 0 {
		blob = encodeFloat32SliceToBlob(intent.Payload.Embedding)
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO vectors (intent_id, entity_id, project_id, content, embedding)
		 VALUES (?, ?, ?, ?, ?)`,
		intent.IntentID, intent.Payload.EntityID, intent.ProjectID, intent.Payload.Content, blob,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Vector apply failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if err := markApplied(tx, types.StoreVector, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}

	logging.StoreDebug("Vector apply committed: intent=%s entity=%s dims=%d",
		intent.IntentID, intent.Payload.EntityID, len(intent.Payload.Embedding))
	return now, nil
}

// Compensate deletes the intent's vector rows. Idempotent.
func (s *VectorStore) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorStore.Compensate")
	defer timer.Stop()

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	_, compensatedAt, err := b.appliedMarker(types.StoreVector, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if compensatedAt != nil {
		logging.StoreDebug("Vector compensate is a replay for intent=%s", intent.IntentID)
		return *compensatedAt, nil
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM vectors WHERE intent_id = ?`, intent.IntentID); err != nil {
		logging.Get(logging.CategoryStore).Error("Vector compensate failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if err := markCompensated(tx, types.StoreVector, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreVector, err)
	}

	logging.StoreDebug("Vector compensate committed: intent=%s", intent.IntentID)
	return now, nil
}

// Search ranks stored embeddings against the query vector. Results carry
// cosine similarity clamped to [0,1] as the raw score.
func (s *VectorStore) Search(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "VectorStore.Search")
	defer timer.Stop()

	if len(query.QueryVector) == 0 {
		logging.StoreDebug("Vector search skipped: query carries no vector")
		return nil, nil
	}
	if cap <= 0 {
		cap = 50
	}

	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if b.vectorExt {
		return s.searchVec(ctx, query, cap)
	}
	return s.searchBruteForce(ctx, query, cap)
}

// searchVec ranks inside SQLite using sqlite-vec's cosine distance.
func (s *VectorStore) searchVec(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error) {
	queryBlob := encodeFloat32SliceToBlob(query.QueryVector)

	rows, err := s.backend.db.QueryContext(ctx,
		`SELECT entity_id, content, vec_distance_cosine(embedding, ?) AS distance
		 FROM vectors
		 WHERE project_id = ? AND embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT ?`,
		queryBlob, query.ProjectID, cap,
	)
	if err != nil {
		if ctx.Err() == nil {
			logging.Get(logging.CategoryStore).Error("Vector ANN search failed: %v", err)
		}
		return partialOnExpiry(ctx, types.StoreVector, nil, err)
	}
	defer rows.Close()

	var out []types.CandidateResult
	for rows.Next() {
		var entityID, content string
		var distance float64
		if err := rows.Scan(&entityID, &content, &distance); err != nil {
			logging.Get(logging.CategoryStore).Warn("Vector row scan failed: %v", err)
			continue
		}
		// Cosine distance is 1 - similarity; clamp negatives from
		// opposing vectors to keep the raw score in [0,1].
		similarity := 1.0 - distance
		if similarity < 0 {
			similarity = 0
		}
		out = append(out, types.CandidateResult{
			Source:     types.SourceSimilarity,
			EntityID:   entityID,
			RawScore:   similarity,
			Payload:    content,
			Provenance: "vectors/vec0",
		})
	}
	if err := rows.Err(); err != nil {
		return partialOnExpiry(ctx, types.StoreVector, out, err)
	}

	logging.StoreDebug("Vector ANN search returned %d candidates", len(out))
	return out, nil
}

// partialOnExpiry converts a deadline firing mid-query into the partial
// ranking collected so far; any other error surfaces classified. A search
// that started answers degraded, it does not fail.
func partialOnExpiry(ctx context.Context, kind types.StoreKind, out []types.CandidateResult, err error) ([]types.CandidateResult, error) {
	if ctx.Err() != nil {
		return out, nil
	}
	return out, classifySQLiteErr(kind, err)
}

// searchBruteForce loads the project's embeddings and scores them in Go.
func (s *VectorStore) searchBruteForce(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error) {
	rows, err := s.backend.db.QueryContext(ctx,
		`SELECT entity_id, content, embedding FROM vectors
		 WHERE project_id = ? AND embedding IS NOT NULL`,
		query.ProjectID,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Vector scan failed: %v", err)
		return nil, classifySQLiteErr(types.StoreVector, err)
	}
	defer rows.Close()

	var out []types.CandidateResult
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			// Deadline hit mid-scan: degraded, return what we ranked.
			break
		}
		var entityID string
		var content sql.NullString
		var blob []byte
		if err := rows.Scan(&entityID, &content, &blob); err != nil {
			logging.Get(logging.CategoryStore).Warn("Vector row scan failed: %v", err)
			continue
		}
		embedding := decodeBlobToFloat32Slice(blob)
		if len(embedding) == 0 {
			continue
		}
		similarity := CosineSimilarity(query.QueryVector, embedding)
		if similarity < 0 {
			similarity = 0
		}
		out = append(out, types.CandidateResult{
			Source:     types.SourceSimilarity,
			EntityID:   entityID,
			RawScore:   similarity,
			Payload:    content.String,
			Provenance: "vectors/scan",
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RawScore != out[j].RawScore {
			return out[i].RawScore > out[j].RawScore
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > cap {
		out = out[:cap]
	}

	logging.StoreDebug("Vector brute-force search returned %d candidates", len(out))
	return out, nil
}

// encodeFloat32SliceToBlob encodes a float32 slice as a binary blob for
// sqlite-vec. Uses little-endian encoding as expected by sqlite-vec.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		// Should never happen with bytes.Buffer
		return nil
	}
	return buf.Bytes()
}

// decodeBlobToFloat32Slice is the inverse of encodeFloat32SliceToBlob.
func decodeBlobToFloat32Slice(blob []byte) []float32 {
	if len(blob) == 0 || len(blob)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil
	}
	return vec
}
