package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// GraphStore indexes entity relations as a weighted directed graph. Relation
// intents insert edges; retrieval expands the 1-hop neighborhood of the
// similarity seeds with decayed scores.
type GraphStore struct {
	backend *SQLiteBackend
}

// GraphLink represents a graph edge.
type GraphLink struct {
	EntityA  string
	Relation string
	EntityB  string
	Weight   float64
}

// NewGraphStore wraps the shared backend.
func NewGraphStore(backend *SQLiteBackend) *GraphStore {
	return &GraphStore{backend: backend}
}

// Kind implements Adapter.
func (s *GraphStore) Kind() types.StoreKind { return types.StoreGraph }

// Apply inserts the relation edge carried by the intent. Non-relation intents
// targeting the graph apply as self-describing entity edges so later relation
// intents can attach to them.
func (s *GraphStore) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphStore.Apply")
	defer timer.Stop()

	entityA, relation, entityB, weight := edgeFor(intent)
	if entityA == "" || relation == "" || entityB == "" {
		return time.Time{}, fmt.Errorf("invalid graph link: entity_a/relation/entity_b must be non-empty")
	}
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return time.Time{}, fmt.Errorf("invalid graph link weight: %v", weight)
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	appliedAt, _, err := b.appliedMarker(types.StoreGraph, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if appliedAt != nil {
		logging.StoreDebug("Graph apply is a replay for intent=%s", intent.IntentID)
		return *appliedAt, nil
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	defer tx.Rollback()

	logging.StoreDebug("Storing graph link: %s -[%s]-> %s (weight=%.2f)", entityA, relation, entityB, weight)

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO graph_links (intent_id, project_id, entity_a, relation, entity_b, weight)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		intent.IntentID, intent.ProjectID, entityA, relation, entityB, weight,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Graph apply failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if err := markApplied(tx, types.StoreGraph, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}

	return now, nil
}

// edgeFor maps an intent payload onto edge fields. Relation intents carry an
// explicit edge; other kinds self-link the entity under a "describes" edge.
func edgeFor(intent *types.WriteIntent) (entityA, relation, entityB string, weight float64) {
	p := intent.Payload
	if intent.Kind == types.KindRelation {
		w := p.Weight
		if w == 0 {
			w = 1.0
		}
		return p.EntityA, p.Relation, p.EntityB, w
	}
	return p.EntityID, "describes", p.EntityID, 1.0
}

// Compensate deletes the intent's edges. Idempotent.
func (s *GraphStore) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphStore.Compensate")
	defer timer.Stop()

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	_, compensatedAt, err := b.appliedMarker(types.StoreGraph, intent.IntentID)
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if compensatedAt != nil {
		logging.StoreDebug("Graph compensate is a replay for intent=%s", intent.IntentID)
		return *compensatedAt, nil
	}

	now := time.Now().UTC()
	tx, err := b.db.Begin()
	if err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM graph_links WHERE intent_id = ?`, intent.IntentID); err != nil {
		logging.Get(logging.CategoryStore).Error("Graph compensate failed for intent=%s: %v", intent.IntentID, err)
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if err := markCompensated(tx, types.StoreGraph, intent.IntentID, now); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, classifySQLiteErr(types.StoreGraph, err)
	}

	logging.StoreDebug("Graph compensate committed: intent=%s", intent.IntentID)
	return now, nil
}

// Neighbors expands the 1-hop neighborhood of the seed entities. Each
// neighbor inherits seed_score * edge decay; an entity reachable from several
// seeds keeps its best decayed score.
func (s *GraphStore) Neighbors(ctx context.Context, projectID string, seeds []types.CandidateResult, decay float64, cap int) ([]types.CandidateResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphStore.Neighbors")
	defer timer.Stop()

	if len(seeds) == 0 {
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

	best := make(map[string]types.CandidateResult)
	for _, seed := range seeds {
		links, err := s.queryLinksLocked(ctx, projectID, seed.EntityID)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			neighbor := link.EntityB
			if link.EntityB == seed.EntityID {
				neighbor = link.EntityA
			}
			if neighbor == seed.EntityID {
				continue // Self-loop marker edges are not expansion targets.
			}
			score := seed.RawScore * decay * link.Weight
			prev, ok := best[neighbor]
			if !ok || score > prev.RawScore {
				best[neighbor] = types.CandidateResult{
					Source:     types.SourceGraph,
					EntityID:   neighbor,
					RawScore:   score,
					Payload:    link.Relation,
					Provenance: fmt.Sprintf("graph/1-hop via %s", seed.EntityID),
				}
			}
		}
	}

	out := make([]types.CandidateResult, 0, len(best))
	for _, c := range best {
		out = append(out, c)
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

	logging.StoreDebug("Graph expansion returned %d neighbors from %d seeds", len(out), len(seeds))
	return out, nil
}

// queryLinksLocked fetches edges touching entity in either direction.
// Caller must hold at least b.mu.RLock(); nested RLock acquisition can
// deadlock when a writer is pending.
func (s *GraphStore) queryLinksLocked(ctx context.Context, projectID, entity string) ([]GraphLink, error) {
	rows, err := s.backend.db.QueryContext(ctx,
		`SELECT entity_a, relation, entity_b, weight FROM graph_links
		 WHERE project_id = ? AND (entity_a = ? OR entity_b = ?)`,
		projectID, entity, entity,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Graph query failed for entity=%q: %v", entity, err)
		return nil, classifySQLiteErr(types.StoreGraph, err)
	}
	defer rows.Close()

	var links []GraphLink
	for rows.Next() {
		var link GraphLink
		if err := rows.Scan(&link.EntityA, &link.Relation, &link.EntityB, &link.Weight); err != nil {
			logging.Get(logging.CategoryStore).Warn("Graph row scan failed: %v", err)
			continue
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// QueryLinks retrieves links touching an entity.
func (s *GraphStore) QueryLinks(ctx context.Context, projectID, entity string) ([]GraphLink, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphStore.QueryLinks")
	defer timer.Stop()

	s.backend.mu.RLock()
	defer s.backend.mu.RUnlock()
	return s.queryLinksLocked(ctx, projectID, entity)
}

// TraversePath finds a path between two entities using BFS over outgoing
// edges. Used by operational inspection, not by retrieval fan-out.
func (s *GraphStore) TraversePath(ctx context.Context, projectID, from, to string, maxDepth int) ([]GraphLink, error) {
	timer := logging.StartTimer(logging.CategoryStore, "GraphStore.TraversePath")
	defer timer.Stop()

	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if maxDepth <= 0 {
		maxDepth = 5
	}

	logging.StoreDebug("Graph traversal: %s -> %s (maxDepth=%d)", from, to, maxDepth)

	type queueItem struct {
		entity string
		depth  int
	}

	// cameFrom maps a node to the link that reached it; nil marks the start.
	cameFrom := make(map[string]*GraphLink)
	queue := []queueItem{{entity: from, depth: 0}}
	cameFrom[from] = nil

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.entity == to {
			path := make([]GraphLink, current.depth)
			curr := to
			for i := current.depth - 1; i >= 0; i-- {
				link := cameFrom[curr]
				if link == nil {
					break
				}
				path[i] = *link
				curr = link.EntityA
			}
			logging.StoreDebug("Path found with %d hops, visited %d nodes", len(path), len(cameFrom))
			return path, nil
		}

		if current.depth >= maxDepth {
			continue
		}

		rows, err := b.db.QueryContext(ctx,
			`SELECT entity_a, relation, entity_b, weight FROM graph_links
			 WHERE project_id = ? AND entity_a = ?`,
			projectID, current.entity,
		)
		if err != nil {
			continue
		}
		var links []GraphLink
		for rows.Next() {
			var link GraphLink
			if err := rows.Scan(&link.EntityA, &link.Relation, &link.EntityB, &link.Weight); err != nil {
				continue
			}
			links = append(links, link)
		}
		rows.Close()

		for _, link := range links {
			if _, visited := cameFrom[link.EntityB]; !visited {
				l := link // Copy for pointer safety
				cameFrom[link.EntityB] = &l
				queue = append(queue, queueItem{entity: link.EntityB, depth: current.depth + 1})
			}
		}
	}

	// No path inside the depth budget is an answer, not an error.
	logging.StoreDebug("No path found from %s to %s (visited %d nodes)", from, to, len(cameFrom))
	return nil, nil
}
