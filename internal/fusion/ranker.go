// Package fusion merges candidate lists from the retrieval sources into one
// deduplicated ranking. Scores are normalized per source, weighted by the
// configured source weights, and summed per entity. The ordering is fully
// deterministic: equal fused scores fall back to entity_id ascending.
package fusion

import (
	"sort"
	"sync"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// Ranker holds the source weights. Weights are swappable at runtime so
// operators can retune ranking without a restart.
type Ranker struct {
	mu      sync.RWMutex
	weights map[types.SourceKind]float64
}

// DefaultWeights mirrors the shipped config defaults.
func DefaultWeights() map[types.SourceKind]float64 {
	return map[types.SourceKind]float64{
		types.SourceSimilarity: 0.5,
		types.SourceGraph:      0.3,
		types.SourceMemory:     0.2,
	}
}

// NewRanker creates a ranker. Nil or empty weights fall back to defaults.
func NewRanker(weights map[types.SourceKind]float64) *Ranker {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	return &Ranker{weights: cloneWeights(weights)}
}

func cloneWeights(in map[types.SourceKind]float64) map[types.SourceKind]float64 {
	out := make(map[types.SourceKind]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SetWeights replaces the source weights. Called by the config watcher on
// hot reload.
func (r *Ranker) SetWeights(weights map[types.SourceKind]float64) {
	if len(weights) == 0 {
		return
	}
	r.mu.Lock()
	r.weights = cloneWeights(weights)
	r.mu.Unlock()
	logging.Fusion("Source weights updated: %v", weights)
}

// Weights returns a copy of the current weights.
func (r *Ranker) Weights() map[types.SourceKind]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneWeights(r.weights)
}

// Fuse merges candidates into the final ranked list, truncated to topK.
// Candidates from the same source for the same entity collapse to the best
// score before weighting, so a source can never double-count an entity.
func (r *Ranker) Fuse(candidates []types.CandidateResult, topK int) []types.FusedResult {
	timer := logging.StartTimer(logging.CategoryFusion, "Ranker.Fuse")
	defer timer.Stop()

	if len(candidates) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = 10
	}

	normalized := normalizePerSource(candidates)

	r.mu.RLock()
	weights := r.weights
	type accum struct {
		score   float64
		sources map[types.SourceKind]float64 // best normalized score per source
		payload string
	}
	entities := make(map[string]*accum)

	for _, c := range normalized {
		a := entities[c.EntityID]
		if a == nil {
			a = &accum{sources: make(map[types.SourceKind]float64)}
			entities[c.EntityID] = a
		}
		if best, ok := a.sources[c.Source]; !ok || c.RawScore > best {
			a.sources[c.Source] = c.RawScore
		}
		if a.payload == "" {
			a.payload = c.Payload
		}
	}

	out := make([]types.FusedResult, 0, len(entities))
	for entityID, a := range entities {
		var fused float64
		contributing := make([]types.SourceKind, 0, len(a.sources))
		for src, score := range a.sources {
			fused += weights[src] * score
			contributing = append(contributing, src)
		}
		sort.Slice(contributing, func(i, j int) bool { return contributing[i] < contributing[j] })
		out = append(out, types.FusedResult{
			EntityID:            entityID,
			FusedScore:          fused,
			ContributingSources: contributing,
			Payload:             a.payload,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > topK {
		out = out[:topK]
	}

	logging.FusionDebug("Fused %d candidates into %d results", len(candidates), len(out))
	return out
}

// normalizePerSource min-max scales each source's scores into [0,1]. Sources
// whose scores are already inside [0,1] (cosine similarity, the memory
// blend) pass through untouched so their absolute calibration survives.
func normalizePerSource(candidates []types.CandidateResult) []types.CandidateResult {
	type bounds struct {
		min, max float64
		seen     bool
	}
	perSource := make(map[types.SourceKind]*bounds)
	for _, c := range candidates {
		b := perSource[c.Source]
		if b == nil {
			b = &bounds{min: c.RawScore, max: c.RawScore, seen: true}
			perSource[c.Source] = b
			continue
		}
		if c.RawScore < b.min {
			b.min = c.RawScore
		}
		if c.RawScore > b.max {
			b.max = c.RawScore
		}
	}

	out := make([]types.CandidateResult, len(candidates))
	for i, c := range candidates {
		b := perSource[c.Source]
		out[i] = c
		if b.min >= 0 && b.max <= 1 {
			continue
		}
		if b.max == b.min {
			out[i].RawScore = 1.0
			continue
		}
		out[i].RawScore = (c.RawScore - b.min) / (b.max - b.min)
	}
	return out
}
