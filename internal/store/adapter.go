// Package store implements the capability adapters around each backing
// store: a relational fact ledger, a vector index, a graph index, and a fast
// in-process context cache. The coordinator and retriever depend only on the
// interfaces here, never on concrete store types.
package store

import (
	"context"
	"time"

	"memloom/internal/types"
)

// Adapter is the uniform write capability every backing store implements.
// Apply and Compensate are idempotent keyed by intent_id: re-invoking either
// with a previously processed intent is a no-op returning the original
// timestamp. Side effects stay confined to the wrapped store; an adapter
// never talks to another adapter.
type Adapter interface {
	// Kind identifies the backing store.
	Kind() types.StoreKind

	// Apply performs the store-specific mutation for the intent.
	Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error)

	// Compensate reverses a previously applied mutation. It must succeed
	// even if Apply only partially completed.
	Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error)
}

// Searcher is the read capability of stores that participate in retrieval.
// Implementations return a source-local ranked list of at most cap results
// within the deadline carried by ctx; on deadline exceed they return what
// they have (possibly empty), not an error, unless the call never started.
type Searcher interface {
	Search(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error)
}

// NeighborExpander is implemented by the graph adapter: given seed hits from
// the similarity source it returns their 1-hop neighbors, each inheriting
// seed_score * decay.
type NeighborExpander interface {
	Neighbors(ctx context.Context, projectID string, seeds []types.CandidateResult, decay float64, cap int) ([]types.CandidateResult, error)
}

// Stats is an optional inspection capability.
type Stats interface {
	Stats() (map[string]int64, error)
}
