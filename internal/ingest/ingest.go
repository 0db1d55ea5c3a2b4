// Package ingest converts collaborator chunk records into write intents.
// Embeddings arrive alongside the chunks from the embedding collaborator;
// this package never computes them.
package ingest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// DefaultTargetStores is where a chunk lands when the caller does not
// override: all three durable stores plus the context cache.
var DefaultTargetStores = []types.StoreKind{
	types.StoreRelational,
	types.StoreVector,
	types.StoreGraph,
	types.StoreMemory,
}

// IntentFromChunk builds one chunk-kind WriteIntent from a collaborator
// chunk. docID names the source document; the entity id is derived from it
// and the chunk position so re-ingesting the same document replays cleanly.
// embedding may be nil when the vector store is not targeted.
func IntentFromChunk(chunk *types.Chunk, docID, userID string, embedding []float32, targets []types.StoreKind) (*types.WriteIntent, error) {
	if err := chunk.Validate(); err != nil {
		return nil, err
	}
	if docID == "" {
		return nil, &types.ValidationError{Field: "doc_id", Reason: "must be non-empty"}
	}
	if len(targets) == 0 {
		targets = DefaultTargetStores
	}

	intent := &types.WriteIntent{
		IntentID:  uuid.NewString(),
		ProjectID: chunk.ProjectID,
		UserID:    userID,
		Kind:      types.KindChunk,
		Payload: types.IntentPayload{
			EntityID:  fmt.Sprintf("chunk:%s:%d", docID, chunk.Position),
			Content:   chunk.Text,
			Embedding: embedding,
			TopicTags: append([]string(nil), chunk.TopicTags...),
			Position:  chunk.Position,
		},
		TargetStores: append([]types.StoreKind(nil), targets...),
		CreatedAt:    time.Now().UTC(),
		Status:       types.StatusPending,
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	return intent, nil
}

// IntentsFromChunks converts a document's chunks in position order. Either
// embeddings is nil or it carries exactly one vector per chunk.
func IntentsFromChunks(chunks []*types.Chunk, docID, userID string, embeddings [][]float32, targets []types.StoreKind) ([]*types.WriteIntent, error) {
	if embeddings != nil && len(embeddings) != len(chunks) {
		return nil, &types.ValidationError{
			Field:  "embeddings",
			Reason: fmt.Sprintf("got %d vectors for %d chunks", len(embeddings), len(chunks)),
		}
	}

	if len(chunks) == 0 {
		return nil, nil
	}

	out := make([]*types.WriteIntent, 0, len(chunks))
	for i, chunk := range chunks {
		var embedding []float32
		if embeddings != nil {
			embedding = embeddings[i]
		}
		intent, err := IntentFromChunk(chunk, docID, userID, embedding, targets)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i, err)
		}
		out = append(out, intent)
	}

	logging.Ingest("Converted %d chunks for doc=%s project=%s", len(out), docID, chunks[0].ProjectID)
	return out, nil
}
