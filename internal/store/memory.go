package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// MemoryStore is the fast in-process context cache: project-scoped entries
// matched by topic tags and scored by recency and relevance. It is the only
// adapter whose state lives entirely in memory; compensation simply removes
// the entry, so it never blocks a saga rollback.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]map[string]*memoryEntry // project_id -> intent_id -> entry

	// tombstones survive an entry's removal so replayed saga steps get
	// the original timestamps back, like the SQLite adapters' marker rows.
	tombstones map[string]tombstone // intent_id -> processed record

	maxEntriesPerProject int
	recencyHalfLife      time.Duration
	relevanceWeight      float64

	// clock is swappable for recency tests.
	clock func() time.Time
}

type tombstone struct {
	appliedAt     time.Time
	compensatedAt time.Time
}

type memoryEntry struct {
	intentID  string
	entityID  string
	content   string
	topicTags []string
	relevance float64
	appliedAt time.Time
}

// MemoryStoreOptions configures the cache.
type MemoryStoreOptions struct {
	MaxEntriesPerProject int
	RecencyHalfLife      time.Duration
	RelevanceWeight      float64
}

// NewMemoryStore creates the cache with sensible defaults for zero options.
func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	if opts.MaxEntriesPerProject <= 0 {
		opts.MaxEntriesPerProject = 1000
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = time.Hour
	}
	if opts.RelevanceWeight <= 0 || opts.RelevanceWeight > 1 {
		opts.RelevanceWeight = 0.6
	}
	return &MemoryStore{
		projects:             make(map[string]map[string]*memoryEntry),
		tombstones:           make(map[string]tombstone),
		maxEntriesPerProject: opts.MaxEntriesPerProject,
		recencyHalfLife:      opts.RecencyHalfLife,
		relevanceWeight:      opts.RelevanceWeight,
		clock:                time.Now,
	}
}

// Kind implements Adapter.
func (s *MemoryStore) Kind() types.StoreKind { return types.StoreMemory }

// Apply records the intent as a context entry. Idempotent by intent_id.
func (s *MemoryStore) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MemoryStore.Apply")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.projects[intent.ProjectID]
	if entries == nil {
		entries = make(map[string]*memoryEntry)
		s.projects[intent.ProjectID] = entries
	}

	if existing, ok := entries[intent.IntentID]; ok {
		logging.StoreDebug("Memory apply is a replay for intent=%s", intent.IntentID)
		return existing.appliedAt, nil
	}
	if ts, ok := s.tombstones[intent.IntentID]; ok && !ts.appliedAt.IsZero() {
		logging.StoreDebug("Memory apply is a replay of compensated intent=%s", intent.IntentID)
		return ts.appliedAt, nil
	}

	if len(entries) >= s.maxEntriesPerProject {
		s.evictOldestLocked(entries)
	}

	relevance := intent.Payload.Confidence
	if relevance == 0 {
		relevance = 0.5
	}

	now := s.clock().UTC()
	entries[intent.IntentID] = &memoryEntry{
		intentID:  intent.IntentID,
		entityID:  intent.Payload.EntityID,
		content:   intent.Payload.Content,
		topicTags: append([]string(nil), intent.Payload.TopicTags...),
		relevance: relevance,
		appliedAt: now,
	}

	logging.StoreDebug("Memory apply recorded: intent=%s entity=%s tags=%d",
		intent.IntentID, intent.Payload.EntityID, len(intent.Payload.TopicTags))
	return now, nil
}

// Compensate removes the entry. Idempotent and always succeeds.
func (s *MemoryStore) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MemoryStore.Compensate")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.tombstones[intent.IntentID]; ok && !ts.compensatedAt.IsZero() {
		logging.StoreDebug("Memory compensate is a replay for intent=%s", intent.IntentID)
		return ts.compensatedAt, nil
	}

	now := s.clock().UTC()
	if entries := s.projects[intent.ProjectID]; entries != nil {
		if entry, ok := entries[intent.IntentID]; ok {
			delete(entries, intent.IntentID)
			s.tombstones[intent.IntentID] = tombstone{appliedAt: entry.appliedAt, compensatedAt: now}
			logging.StoreDebug("Memory compensate removed: intent=%s", intent.IntentID)
			return now, nil
		}
	}

	// Compensation without a live entry still succeeds and pins its
	// timestamp for replays.
	s.tombstones[intent.IntentID] = tombstone{compensatedAt: now}
	return now, nil
}

// evictOldestLocked removes the least recently applied entry.
func (s *MemoryStore) evictOldestLocked(entries map[string]*memoryEntry) {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range entries {
		if oldestKey == "" || entry.appliedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.appliedAt
		}
	}
	if oldestKey != "" {
		delete(entries, oldestKey)
	}
}

// Search returns project context entries matching the query's topic tags or
// text, scored by a blend of relevance and recency.
func (s *MemoryStore) Search(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MemoryStore.Search")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cap <= 0 {
		cap = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.projects[query.ProjectID]
	if len(entries) == 0 {
		return nil, nil
	}

	now := s.clock().UTC()
	queryTerms := tokenize(query.QueryText)

	var out []types.CandidateResult
	for _, entry := range entries {
		match := s.matchScore(entry, query.TopicTags, queryTerms)
		if match == 0 {
			continue
		}

		age := now.Sub(entry.appliedAt)
		recency := math.Exp2(-age.Seconds() / s.recencyHalfLife.Seconds())
		score := s.relevanceWeight*entry.relevance*match + (1-s.relevanceWeight)*recency

		out = append(out, types.CandidateResult{
			Source:     types.SourceMemory,
			EntityID:   entry.entityID,
			RawScore:   score,
			Payload:    entry.content,
			Provenance: "memory/context",
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

	logging.StoreDebug("Memory search returned %d candidates", len(out))
	return out, nil
}

// matchScore is the fraction of query tags/terms this entry matches, in
// (0,1]. Zero means no overlap at all.
func (s *MemoryStore) matchScore(entry *memoryEntry, queryTags []string, queryTerms []string) float64 {
	if len(queryTags) == 0 && len(queryTerms) == 0 {
		// Untargeted query: every project entry is weak context.
		return 0.5
	}

	matched := 0
	total := 0

	entryTags := make(map[string]bool, len(entry.topicTags))
	for _, tag := range entry.topicTags {
		entryTags[strings.ToLower(tag)] = true
	}
	for _, tag := range queryTags {
		total++
		if entryTags[strings.ToLower(tag)] {
			matched++
		}
	}

	contentLower := strings.ToLower(entry.content)
	for _, term := range queryTerms {
		total++
		if strings.Contains(contentLower, term) || entryTags[term] {
			matched++
		}
	}

	if total == 0 || matched == 0 {
		return 0
	}
	return float64(matched) / float64(total)
}

// tokenize lowercases and splits query text into match terms.
func tokenize(text string) []string {
	if text == "" {
		return nil
	}
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// Stats returns entry counts per project.
func (s *MemoryStore) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64, len(s.projects))
	for project, entries := range s.projects {
		stats[project] = int64(len(entries))
	}
	return stats, nil
}
