// Package types defines the shared data model for the write path and the
// retrieval path: write intents and their ledger records, retrieval queries,
// and the candidate/fused result shapes the ranker operates on.
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// WRITE INTENTS
// =============================================================================

// IntentKind classifies what a WriteIntent mutates.
type IntentKind string

const (
	KindFact     IntentKind = "fact"
	KindConcept  IntentKind = "concept"
	KindChunk    IntentKind = "chunk"
	KindRelation IntentKind = "relation"
	KindSummary  IntentKind = "summary"
)

// ValidKind reports whether k is one of the known intent kinds.
func ValidKind(k IntentKind) bool {
	switch k {
	case KindFact, KindConcept, KindChunk, KindRelation, KindSummary:
		return true
	}
	return false
}

// StoreKind names one backing store an intent can target.
type StoreKind string

const (
	StoreRelational StoreKind = "relational"
	StoreVector     StoreKind = "vector"
	StoreGraph      StoreKind = "graph"
	StoreMemory     StoreKind = "memory"
)

// IntentStatus is the lifecycle state of a WriteIntent.
type IntentStatus string

const (
	StatusPending         IntentStatus = "pending"
	StatusApplying        IntentStatus = "applying"
	StatusApplied         IntentStatus = "applied"
	StatusPartiallyFailed IntentStatus = "partially_failed"
	StatusCompensating    IntentStatus = "compensating"
	StatusCompensated     IntentStatus = "compensated"
	StatusFailed          IntentStatus = "failed"
)

// Terminal reports whether the status is a resting state: once an intent
// reaches a terminal status the coordinator never touches it again.
func (s IntentStatus) Terminal() bool {
	switch s {
	case StatusApplied, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// IntentPayload carries the store-facing content of an intent. Fields are
// populated according to Kind; unused fields stay zero. The payload is
// immutable once the intent is queued.
type IntentPayload struct {
	// EntityID identifies the knowledge entity this mutation touches.
	EntityID string `json:"entity_id"`

	// Content is the natural-language body (fact text, chunk text, summary).
	Content string `json:"content,omitempty"`

	// Embedding is the pre-computed vector for similarity search. Supplied
	// by the embedding collaborator; this module never generates vectors.
	Embedding []float32 `json:"embedding,omitempty"`

	// Relation fields, used by kind=relation.
	EntityA  string  `json:"entity_a,omitempty"`
	Relation string  `json:"relation,omitempty"`
	EntityB  string  `json:"entity_b,omitempty"`
	Weight   float64 `json:"weight,omitempty"`

	// TopicTags for memory-context matching, supplied by the chunker.
	TopicTags []string `json:"topic_tags,omitempty"`

	// Position of a chunk within its source document.
	Position int `json:"position,omitempty"`

	// Confidence in [0,1] for facts and concepts.
	Confidence float64 `json:"confidence,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteIntent is one logical knowledge mutation targeting one or more stores.
// It is owned exclusively by the coordinator from enqueue to terminal state.
type WriteIntent struct {
	IntentID     string        `json:"intent_id"`
	ProjectID    string        `json:"project_id"`
	UserID       string        `json:"user_id"`
	Kind         IntentKind    `json:"kind"`
	Payload      IntentPayload `json:"payload"`
	TargetStores []StoreKind   `json:"target_stores"`
	CreatedAt    time.Time     `json:"created_at"`
	Status       IntentStatus  `json:"status"`
}

// Validate rejects malformed intents before they reach the queue.
func (w *WriteIntent) Validate() error {
	if w.IntentID == "" {
		return &ValidationError{Field: "intent_id", Reason: "must be non-empty"}
	}
	if w.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "must be non-empty"}
	}
	if !ValidKind(w.Kind) {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", w.Kind)}
	}
	if len(w.TargetStores) == 0 {
		return &ValidationError{Field: "target_stores", Reason: "must name at least one store"}
	}
	seen := make(map[StoreKind]bool, len(w.TargetStores))
	for _, sk := range w.TargetStores {
		if seen[sk] {
			return &ValidationError{Field: "target_stores", Reason: fmt.Sprintf("duplicate store %q", sk)}
		}
		seen[sk] = true
	}
	if w.Payload.EntityID == "" {
		return &ValidationError{Field: "payload.entity_id", Reason: "must be non-empty"}
	}
	if w.Kind == KindRelation {
		if w.Payload.EntityA == "" || w.Payload.Relation == "" || w.Payload.EntityB == "" {
			return &ValidationError{Field: "payload", Reason: "relation intents require entity_a/relation/entity_b"}
		}
	}
	return nil
}

// =============================================================================
// LEDGER RECORDS
// =============================================================================

// StoreOperationRecord is the per-store outcome of one intent. Written only
// by the coordinator; adapters never touch the ledger.
type StoreOperationRecord struct {
	AppliedAt     *time.Time `json:"applied_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	CompensatedAt *time.Time `json:"compensated_at,omitempty"`
}

// LedgerEntry is one revision of an intent's durable record. Entries are
// append-only: a new revision supersedes the readable value for the intent_id,
// never mutating an older one.
type LedgerEntry struct {
	IntentID             string                              `json:"intent_id"`
	Revision             uint64                              `json:"revision"`
	Intent               WriteIntent                         `json:"intent"`
	Status               IntentStatus                        `json:"status"`
	StoreRecords         map[StoreKind]StoreOperationRecord  `json:"store_records"`
	RequiresManualReview bool                                `json:"requires_manual_review,omitempty"`
	Timestamp            time.Time                           `json:"timestamp"`
}

// AppliedStores returns the stores with a recorded applied_at, in the order
// they appear in the intent's target list. Compensation walks this in reverse.
func (e *LedgerEntry) AppliedStores() []StoreKind {
	var out []StoreKind
	for _, sk := range e.Intent.TargetStores {
		if rec, ok := e.StoreRecords[sk]; ok && rec.AppliedAt != nil && rec.CompensatedAt == nil {
			out = append(out, sk)
		}
	}
	return out
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// SourceKind names one retrieval source feeding the fusion ranker.
type SourceKind string

const (
	SourceSimilarity SourceKind = "similarity"
	SourceGraph      SourceKind = "graph"
	SourceMemory     SourceKind = "memory"
)

// RetrievalQuery is one retrieval request. Either QueryText or QueryVector
// must be set; the vector comes from the embedding collaborator.
type RetrievalQuery struct {
	QueryText   string
	QueryVector []float32
	ProjectID   string
	UserID      string
	TopK        int
	// SourceFilters limits fan-out to the named sources. Empty means all.
	SourceFilters []SourceKind
	// Deadline bounds every fan-out call. Zero means the retriever default.
	Deadline time.Duration
	// TopicTags steer the memory source toward matching context entries.
	TopicTags []string
}

// Validate rejects malformed queries before fan-out.
func (q *RetrievalQuery) Validate() error {
	if q.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "must be non-empty"}
	}
	if q.QueryText == "" && len(q.QueryVector) == 0 {
		return &ValidationError{Field: "query", Reason: "either text or vector required"}
	}
	if q.TopK < 0 {
		return &ValidationError{Field: "top_k", Reason: "must be >= 0"}
	}
	return nil
}

// WantsSource reports whether the query's source filter admits src.
func (q *RetrievalQuery) WantsSource(src SourceKind) bool {
	if len(q.SourceFilters) == 0 {
		return true
	}
	for _, f := range q.SourceFilters {
		if f == src {
			return true
		}
	}
	return false
}

// CandidateResult is one hit from one source. RawScore is source-local and
// not comparable across sources until fused.
type CandidateResult struct {
	Source     SourceKind
	EntityID   string
	RawScore   float64
	Payload    string
	Provenance string
}

// FusedResult is one deduplicated, re-ranked entry of the final list.
type FusedResult struct {
	EntityID            string
	FusedScore          float64
	ContributingSources []SourceKind
	Payload             string
}

// RetrievalResult wraps the fused list with its quality flag. Degraded means
// one or more sources missed the deadline and are absent; the result is still
// a success.
type RetrievalResult struct {
	Results        []FusedResult
	Degraded       bool
	MissingSources []SourceKind
}

// =============================================================================
// COLLABORATOR INPUTS
// =============================================================================

// Chunk is the record shape the chunking collaborator hands over. It is
// consumed as the payload of a chunk-kind WriteIntent.
type Chunk struct {
	Text      string   `json:"text"`
	Position  int      `json:"position"`
	TopicTags []string `json:"topic_tags"`
	ProjectID string   `json:"project_id"`
}

// Validate checks the collaborator boundary contract.
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return &ValidationError{Field: "text", Reason: "must be non-empty"}
	}
	if c.ProjectID == "" {
		return &ValidationError{Field: "project_id", Reason: "must be non-empty"}
	}
	if c.Position < 0 {
		return &ValidationError{Field: "position", Reason: "must be >= 0"}
	}
	return nil
}
