package store

import (
	"context"
	"time"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// RetryingAdapter wraps an Adapter with bounded retry for transient
// failures. Only AdapterUnavailable errors are retried; everything else
// surfaces immediately. Backoff doubles per attempt.
type RetryingAdapter struct {
	inner       Adapter
	maxAttempts int
	baseBackoff time.Duration
}

// WithRetry wraps adapter. maxAttempts counts the first try; values below 1
// collapse to a single attempt.
func WithRetry(adapter Adapter, maxAttempts int, baseBackoff time.Duration) *RetryingAdapter {
	maxAttempts, baseBackoff = clampRetry(maxAttempts, baseBackoff)
	return &RetryingAdapter{
		inner:       adapter,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
	}
}

func clampRetry(maxAttempts int, baseBackoff time.Duration) (int, time.Duration) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseBackoff <= 0 {
		baseBackoff = 50 * time.Millisecond
	}
	return maxAttempts, baseBackoff
}

// Kind implements Adapter.
func (r *RetryingAdapter) Kind() types.StoreKind { return r.inner.Kind() }

// Apply implements Adapter with retry.
func (r *RetryingAdapter) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	return r.attempt(ctx, "Apply", intent, r.inner.Apply)
}

// Compensate implements Adapter with retry.
func (r *RetryingAdapter) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	return r.attempt(ctx, "Compensate", intent, r.inner.Compensate)
}

func (r *RetryingAdapter) attempt(ctx context.Context, op string, intent *types.WriteIntent, fn func(context.Context, *types.WriteIntent) (time.Time, error)) (time.Time, error) {
	backoff := r.baseBackoff
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		at, err := fn(ctx, intent)
		if err == nil {
			return at, nil
		}
		lastErr = err

		if !types.IsTransient(err) {
			return time.Time{}, err
		}
		if attempt == r.maxAttempts {
			break
		}

		logging.Get(logging.CategoryStore).Warn("%s %s transient failure (attempt %d/%d), retrying in %v: %v",
			r.inner.Kind(), op, attempt, r.maxAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logging.Get(logging.CategoryStore).Error("%s %s exhausted %d attempts: %v",
		r.inner.Kind(), op, r.maxAttempts, lastErr)
	return time.Time{}, lastErr
}

// RetryingSearcher applies the same transient retry policy to the read
// path, so a briefly locked database costs a query its backoff budget
// instead of a whole source.
type RetryingSearcher struct {
	kind        types.StoreKind
	inner       Searcher
	maxAttempts int
	baseBackoff time.Duration
}

// WithSearchRetry wraps a Searcher.
func WithSearchRetry(kind types.StoreKind, inner Searcher, maxAttempts int, baseBackoff time.Duration) *RetryingSearcher {
	maxAttempts, baseBackoff = clampRetry(maxAttempts, baseBackoff)
	return &RetryingSearcher{kind: kind, inner: inner, maxAttempts: maxAttempts, baseBackoff: baseBackoff}
}

// Search implements Searcher with retry.
func (r *RetryingSearcher) Search(ctx context.Context, query *types.RetrievalQuery, cap int) ([]types.CandidateResult, error) {
	return retryCandidates(ctx, r.kind, "Search", r.maxAttempts, r.baseBackoff, func() ([]types.CandidateResult, error) {
		return r.inner.Search(ctx, query, cap)
	})
}

// RetryingExpander is the graph read path's retry wrapper.
type RetryingExpander struct {
	inner       NeighborExpander
	maxAttempts int
	baseBackoff time.Duration
}

// WithExpandRetry wraps a NeighborExpander.
func WithExpandRetry(inner NeighborExpander, maxAttempts int, baseBackoff time.Duration) *RetryingExpander {
	maxAttempts, baseBackoff = clampRetry(maxAttempts, baseBackoff)
	return &RetryingExpander{inner: inner, maxAttempts: maxAttempts, baseBackoff: baseBackoff}
}

// Neighbors implements NeighborExpander with retry.
func (r *RetryingExpander) Neighbors(ctx context.Context, projectID string, seeds []types.CandidateResult, decay float64, cap int) ([]types.CandidateResult, error) {
	return retryCandidates(ctx, types.StoreGraph, "Neighbors", r.maxAttempts, r.baseBackoff, func() ([]types.CandidateResult, error) {
		return r.inner.Neighbors(ctx, projectID, seeds, decay, cap)
	})
}

// retryCandidates is the read-path twin of attempt.
func retryCandidates(ctx context.Context, kind types.StoreKind, op string, maxAttempts int, baseBackoff time.Duration, fn func() ([]types.CandidateResult, error)) ([]types.CandidateResult, error) {
	backoff := baseBackoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !types.IsTransient(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		logging.Get(logging.CategoryStore).Warn("%s %s transient failure (attempt %d/%d), retrying in %v: %v",
			kind, op, attempt, maxAttempts, backoff, err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	logging.Get(logging.CategoryStore).Error("%s %s exhausted %d attempts: %v",
		kind, op, maxAttempts, lastErr)
	return nil, lastErr
}
