// Package retrieval fans a query out to the similarity, graph, and memory
// sources concurrently and fuses whatever comes back in time. A slow or
// failing source degrades the result instead of failing it: the query always
// answers with the sources that made the deadline.
package retrieval

import (
	"context"
	"sync"
	"time"

	"memloom/internal/fusion"
	"memloom/internal/logging"
	"memloom/internal/store"
	"memloom/internal/types"
)

// Engine is the hybrid retriever.
type Engine struct {
	similarity store.Searcher
	memory     store.Searcher
	graph      store.NeighborExpander
	ranker     *fusion.Ranker

	defaultDeadline time.Duration
	perSourceCap    int
	graphSeedCount  int
	edgeDecay       float64
}

// Options configures the fan-out.
type Options struct {
	// Similarity serves vector search. Required for the similarity source.
	Similarity store.Searcher
	// Memory serves the context cache. Required for the memory source.
	Memory store.Searcher
	// Graph expands similarity seeds one hop. Required for the graph source.
	Graph store.NeighborExpander
	// Ranker fuses the surviving candidates. Required.
	Ranker *fusion.Ranker

	// DefaultDeadline applies when the query carries none.
	DefaultDeadline time.Duration
	// PerSourceCap bounds each source's candidate list before fusion.
	PerSourceCap int
	// GraphSeedCount is how many top similarity hits seed graph expansion.
	GraphSeedCount int
	// EdgeDecay discounts neighbor scores per hop.
	EdgeDecay float64
}

// NewEngine builds the retriever. Missing knobs get the shipped defaults.
func NewEngine(opts Options) *Engine {
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 2 * time.Second
	}
	if opts.PerSourceCap <= 0 {
		opts.PerSourceCap = 50
	}
	if opts.GraphSeedCount <= 0 {
		opts.GraphSeedCount = 5
	}
	if opts.EdgeDecay <= 0 || opts.EdgeDecay > 1 {
		opts.EdgeDecay = 0.5
	}
	return &Engine{
		similarity:      opts.Similarity,
		memory:          opts.Memory,
		graph:           opts.Graph,
		ranker:          opts.Ranker,
		defaultDeadline: opts.DefaultDeadline,
		perSourceCap:    opts.PerSourceCap,
		graphSeedCount:  opts.GraphSeedCount,
		edgeDecay:       opts.EdgeDecay,
	}
}

type sourceOutcome struct {
	candidates []types.CandidateResult
	err        error
	finished   bool
}

// Retrieve answers the query with a fused ranking of whatever sources
// finished inside the deadline. Sources that miss it or error are reported
// in MissingSources; the call itself only fails on an invalid query.
func (e *Engine) Retrieve(ctx context.Context, query *types.RetrievalQuery) (*types.RetrievalResult, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Engine.Retrieve")
	defer timer.Stop()

	if err := query.Validate(); err != nil {
		return nil, err
	}

	deadline := query.Deadline
	if deadline <= 0 {
		deadline = e.defaultDeadline
	}
	fanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var mu sync.Mutex
	outcomes := make(map[types.SourceKind]*sourceOutcome)
	var wg sync.WaitGroup

	record := func(src types.SourceKind, candidates []types.CandidateResult, err error) {
		mu.Lock()
		outcomes[src] = &sourceOutcome{candidates: candidates, err: err, finished: true}
		mu.Unlock()
	}

	// The graph source expands seeds from the similarity hits, so similarity
	// hands its results over a channel the moment they exist.
	wantSimilarity := e.similarity != nil && query.WantsSource(types.SourceSimilarity) && len(query.QueryVector) > 0
	wantGraph := e.graph != nil && query.WantsSource(types.SourceGraph)
	wantMemory := e.memory != nil && query.WantsSource(types.SourceMemory)

	seedCh := make(chan []types.CandidateResult, 1)

	if wantSimilarity {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidates, err := e.similarity.Search(fanCtx, query, e.perSourceCap)
			record(types.SourceSimilarity, candidates, err)
			if err == nil {
				seeds := candidates
				if len(seeds) > e.graphSeedCount {
					seeds = seeds[:e.graphSeedCount]
				}
				seedCh <- seeds
			} else {
				seedCh <- nil
			}
		}()
	} else {
		seedCh <- nil
	}

	if wantGraph {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var seeds []types.CandidateResult
			select {
			case seeds = <-seedCh:
			case <-fanCtx.Done():
				record(types.SourceGraph, nil, fanCtx.Err())
				return
			}
			if len(seeds) == 0 {
				record(types.SourceGraph, nil, nil)
				return
			}
			candidates, err := e.graph.Neighbors(fanCtx, query.ProjectID, seeds, e.edgeDecay, e.perSourceCap)
			record(types.SourceGraph, candidates, err)
		}()
	}

	if wantMemory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidates, err := e.memory.Search(fanCtx, query, e.perSourceCap)
			record(types.SourceMemory, candidates, err)
		}()
	}

	// Wait for the sources, but never longer than the deadline. Stragglers
	// keep running until fanCtx cancels them; their results are abandoned.
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	select {
	case <-allDone:
	case <-fanCtx.Done():
	}

	wanted := make([]types.SourceKind, 0, 3)
	if wantSimilarity {
		wanted = append(wanted, types.SourceSimilarity)
	}
	if wantGraph {
		wanted = append(wanted, types.SourceGraph)
	}
	if wantMemory {
		wanted = append(wanted, types.SourceMemory)
	}

	mu.Lock()
	var all []types.CandidateResult
	var missing []types.SourceKind
	for _, src := range wanted {
		outcome := outcomes[src]
		if outcome == nil || !outcome.finished || outcome.err != nil {
			missing = append(missing, src)
			if outcome != nil && outcome.err != nil {
				logging.Get(logging.CategoryRetrieval).Warn("Source %s failed: %v", src, outcome.err)
			} else {
				logging.Get(logging.CategoryRetrieval).Warn("Source %s missed the %v deadline", src, deadline)
			}
			continue
		}
		all = append(all, outcome.candidates...)
	}
	mu.Unlock()

	topK := query.TopK
	if topK <= 0 {
		topK = 10
	}
	result := &types.RetrievalResult{
		Results:        e.ranker.Fuse(all, topK),
		Degraded:       len(missing) > 0,
		MissingSources: missing,
	}

	logging.Retrieval("Query answered: project=%s results=%d degraded=%v missing=%v",
		query.ProjectID, len(result.Results), result.Degraded, result.MissingSources)
	return result, nil
}
