package write

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"memloom/internal/ledger"
	"memloom/internal/store"
	"memloom/internal/types"
)

// stubAdapter records applies and compensations, optionally failing
// specific intents.
type stubAdapter struct {
	kind types.StoreKind

	mu          sync.Mutex
	applied     map[string]time.Time
	compensated map[string]time.Time
	failApply   map[string]error
	applyLog    *callLog
}

// callLog is a cross-adapter record of apply order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) record(entry string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func newStubAdapter(kind types.StoreKind, log *callLog) *stubAdapter {
	return &stubAdapter{
		kind:        kind,
		applied:     make(map[string]time.Time),
		compensated: make(map[string]time.Time),
		failApply:   make(map[string]error),
		applyLog:    log,
	}
}

func (s *stubAdapter) Kind() types.StoreKind { return s.kind }

func (s *stubAdapter) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failApply[intent.IntentID]; ok {
		return time.Time{}, err
	}
	if at, ok := s.applied[intent.IntentID]; ok {
		return at, nil
	}
	at := time.Now().UTC()
	s.applied[intent.IntentID] = at
	s.applyLog.record(string(s.kind) + ":" + intent.IntentID)
	return at, nil
}

func (s *stubAdapter) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := time.Now().UTC()
	s.compensated[intent.IntentID] = at
	delete(s.applied, intent.IntentID)
	return at, nil
}

func (s *stubAdapter) hasApplied(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[intentID]
	return ok
}

func (s *stubAdapter) hasCompensated(intentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.compensated[intentID]
	return ok
}

func newTestCoordinator(t *testing.T, adapters ...store.Adapter) (*Coordinator, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:           led,
		Adapters:         adapters,
		Workers:          4,
		QueueDepth:       32,
		Mode:             ModeBlock,
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)
	return coord, led
}

func submitIntent(intentID string, stores ...types.StoreKind) *types.WriteIntent {
	return &types.WriteIntent{
		IntentID:  intentID,
		ProjectID: "proj-1",
		UserID:    "user-1",
		Kind:      types.KindFact,
		Payload: types.IntentPayload{
			EntityID: "fact:" + intentID,
			Content:  "content for " + intentID,
		},
		TargetStores: stores,
	}
}

func waitTerminal(t *testing.T, c *Coordinator, intentID string) *types.LedgerEntry {
	t.Helper()
	var entry *types.LedgerEntry
	require.Eventually(t, func() bool {
		e, err := c.Status(context.Background(), intentID)
		if err != nil || !e.Status.Terminal() {
			return false
		}
		entry = e
		return true
	}, 3*time.Second, 10*time.Millisecond, "intent %s never reached a terminal status", intentID)
	return entry
}

func TestCoordinatorAppliesAcrossStores(t *testing.T) {
	rel := newStubAdapter(types.StoreRelational, nil)
	vec := newStubAdapter(types.StoreVector, nil)
	coord, _ := newTestCoordinator(t, rel, vec)

	_, err := coord.Submit(context.Background(), submitIntent("ok-1", types.StoreRelational, types.StoreVector))
	require.NoError(t, err)

	entry := waitTerminal(t, coord, "ok-1")
	assert.Equal(t, types.StatusApplied, entry.Status)
	assert.True(t, rel.hasApplied("ok-1"))
	assert.True(t, vec.hasApplied("ok-1"))
	require.NotNil(t, entry.StoreRecords[types.StoreRelational].AppliedAt)
	require.NotNil(t, entry.StoreRecords[types.StoreVector].AppliedAt)
}

func TestCoordinatorCompensatesOnPartialFailure(t *testing.T) {
	rel := newStubAdapter(types.StoreRelational, nil)
	vec := newStubAdapter(types.StoreVector, nil)
	vec.failApply["bad-1"] = errors.New("vector store rejected the write")
	coord, _ := newTestCoordinator(t, rel, vec)

	_, err := coord.Submit(context.Background(), submitIntent("bad-1", types.StoreRelational, types.StoreVector))
	require.NoError(t, err)

	entry := waitTerminal(t, coord, "bad-1")
	assert.Equal(t, types.StatusCompensated, entry.Status)
	assert.False(t, entry.RequiresManualReview)

	// The relational write was applied first and must be unwound.
	assert.False(t, rel.hasApplied("bad-1"))
	assert.True(t, rel.hasCompensated("bad-1"))
	// The failed store never applied, so it is not compensated.
	assert.False(t, vec.hasApplied("bad-1"))

	rec := entry.StoreRecords[types.StoreVector]
	assert.Contains(t, rec.Error, "rejected")
}

// failingCompensator fails every Compensate to force manual review.
type failingCompensator struct {
	*stubAdapter
}

func (f *failingCompensator) Compensate(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	return time.Time{}, errors.New("compensation write refused")
}

func TestCoordinatorParksUnresolvableForManualReview(t *testing.T) {
	rel := &failingCompensator{newStubAdapter(types.StoreRelational, nil)}
	vec := newStubAdapter(types.StoreVector, nil)
	vec.failApply["stuck-1"] = errors.New("vector store down")
	coord, _ := newTestCoordinator(t, rel, vec)

	_, err := coord.Submit(context.Background(), submitIntent("stuck-1", types.StoreRelational, types.StoreVector))
	require.NoError(t, err)

	entry := waitTerminal(t, coord, "stuck-1")
	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.True(t, entry.RequiresManualReview)
}

func TestCoordinatorSubmitIsIdempotent(t *testing.T) {
	rel := newStubAdapter(types.StoreRelational, nil)
	coord, _ := newTestCoordinator(t, rel)
	ctx := context.Background()

	_, err := coord.Submit(ctx, submitIntent("dup-1", types.StoreRelational))
	require.NoError(t, err)
	first := waitTerminal(t, coord, "dup-1")

	replay, err := coord.Submit(ctx, submitIntent("dup-1", types.StoreRelational))
	require.NoError(t, err)
	assert.Equal(t, types.StatusApplied, replay.Status)
	assert.Equal(t, first.Revision, replay.Revision)
	assert.Equal(t,
		first.StoreRecords[types.StoreRelational].AppliedAt,
		replay.StoreRecords[types.StoreRelational].AppliedAt)
}

func TestCoordinatorAssignsIntentID(t *testing.T) {
	rel := newStubAdapter(types.StoreRelational, nil)
	coord, _ := newTestCoordinator(t, rel)

	intent := submitIntent("", types.StoreRelational)
	entry, err := coord.Submit(context.Background(), intent)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.IntentID)
	assert.Equal(t, intent.IntentID, entry.IntentID)
}

func TestCoordinatorRejectsUnknownStore(t *testing.T) {
	rel := newStubAdapter(types.StoreRelational, nil)
	coord, _ := newTestCoordinator(t, rel)

	_, err := coord.Submit(context.Background(), submitIntent("uk-1", types.StoreGraph))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCoordinatorPreservesPerProjectOrder(t *testing.T) {
	log := &callLog{}
	rel := newStubAdapter(types.StoreRelational, log)
	coord, _ := newTestCoordinator(t, rel)
	ctx := context.Background()

	// Same project: a then b. A third intent on another project is free to
	// interleave anywhere.
	a := submitIntent("ord-a", types.StoreRelational)
	b := submitIntent("ord-b", types.StoreRelational)
	c := submitIntent("ord-c", types.StoreRelational)
	c.ProjectID = "proj-2"

	for _, in := range []*types.WriteIntent{a, b, c} {
		_, err := coord.Submit(ctx, in)
		require.NoError(t, err)
	}
	waitTerminal(t, coord, "ord-a")
	waitTerminal(t, coord, "ord-b")
	waitTerminal(t, coord, "ord-c")

	var sameProject []string
	for _, entry := range log.snapshot() {
		if entry == "relational:ord-a" || entry == "relational:ord-b" {
			sameProject = append(sameProject, entry)
		}
	}
	assert.Equal(t, []string{"relational:ord-a", "relational:ord-b"}, sameProject)
}

func TestCoordinatorRecoverResumesApplying(t *testing.T) {
	led, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	ctx := context.Background()

	// Simulate a crash: a pending record exists but no saga ever ran.
	intent := submitIntent("rec-1", types.StoreRelational, types.StoreVector)
	intent.CreatedAt = time.Now()
	intent.Status = types.StatusPending
	_, err = led.Append(ctx, &types.LedgerEntry{
		IntentID:     intent.IntentID,
		Intent:       *intent,
		Status:       types.StatusPending,
		StoreRecords: make(map[types.StoreKind]types.StoreOperationRecord),
	})
	require.NoError(t, err)

	rel := newStubAdapter(types.StoreRelational, nil)
	vec := newStubAdapter(types.StoreVector, nil)
	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:   led,
		Adapters: []store.Adapter{rel, vec},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	replayed, err := coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)

	entry, err := coord.Status(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusApplied, entry.Status)
	assert.True(t, rel.hasApplied("rec-1"))
	assert.True(t, vec.hasApplied("rec-1"))
}

func TestCoordinatorRecoverFinishesCompensation(t *testing.T) {
	led, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	ctx := context.Background()

	rel := newStubAdapter(types.StoreRelational, nil)
	vec := newStubAdapter(types.StoreVector, nil)

	// Simulate a crash mid-unwind: relational applied, vector failed, and
	// the partially_failed record made it to disk before the process died.
	intent := submitIntent("rec-2", types.StoreRelational, types.StoreVector)
	intent.Status = types.StatusPending
	appliedAt, err := rel.Apply(ctx, intent)
	require.NoError(t, err)
	_, err = led.Append(ctx, &types.LedgerEntry{
		IntentID: intent.IntentID,
		Intent:   *intent,
		Status:   types.StatusPartiallyFailed,
		StoreRecords: map[types.StoreKind]types.StoreOperationRecord{
			types.StoreRelational: {AppliedAt: &appliedAt},
			types.StoreVector:     {Error: "vector store down"},
		},
	})
	require.NoError(t, err)

	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:   led,
		Adapters: []store.Adapter{rel, vec},
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	_, err = coord.Recover(ctx)
	require.NoError(t, err)

	entry, err := coord.Status(ctx, "rec-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompensated, entry.Status)
	assert.False(t, rel.hasApplied("rec-2"))
	assert.True(t, rel.hasCompensated("rec-2"))
}

// blockingAdapter parks Apply on a gate so tests can saturate the queue
// behind it. started reports each Apply entering the gate.
type blockingAdapter struct {
	*stubAdapter
	started chan struct{}
	gate    chan struct{}
}

func newBlockingAdapter(kind types.StoreKind) *blockingAdapter {
	return &blockingAdapter{
		stubAdapter: newStubAdapter(kind, nil),
		started:     make(chan struct{}, 8),
		gate:        make(chan struct{}),
	}
}

func (b *blockingAdapter) Apply(ctx context.Context, intent *types.WriteIntent) (time.Time, error) {
	b.started <- struct{}{}
	<-b.gate
	return b.stubAdapter.Apply(ctx, intent)
}

// saturateRejectQueue fills a depth-1 reject-mode coordinator until Submit
// fails with ErrQueueFull, returning the rejected intent's ID.
func saturateRejectQueue(t *testing.T, coord *Coordinator, rel *blockingAdapter) string {
	t.Helper()
	ctx := context.Background()

	_, err := coord.Submit(ctx, submitIntent("fill-1", types.StoreRelational))
	require.NoError(t, err)
	select {
	case <-rel.started:
	case <-time.After(3 * time.Second):
		t.Fatal("first intent never reached the adapter")
	}

	_, err = coord.Submit(ctx, submitIntent("fill-2", types.StoreRelational))
	require.NoError(t, err)

	_, err = coord.Submit(ctx, submitIntent("fill-3", types.StoreRelational))
	require.ErrorIs(t, err, types.ErrQueueFull)
	return "fill-3"
}

func TestCoordinatorRejectedIntentIsNotRecovered(t *testing.T) {
	led, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	ctx := context.Background()

	rel := newBlockingAdapter(types.StoreRelational)
	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:           led,
		Adapters:         []store.Adapter{rel},
		Workers:          1,
		QueueDepth:       1,
		Mode:             ModeReject,
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)

	rejected := saturateRejectQueue(t, coord, rel)

	// The caller was told the write failed; the ledger must agree.
	entry, err := coord.Status(ctx, rejected)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, entry.Status)
	assert.True(t, entry.Status.Terminal())
	assert.False(t, entry.RequiresManualReview)

	close(rel.gate)
	waitTerminal(t, coord, "fill-1")
	waitTerminal(t, coord, "fill-2")
	coord.Close()

	// A restart must not resurrect the rejected write.
	rel2 := newStubAdapter(types.StoreRelational, nil)
	coord2, err := NewCoordinator(CoordinatorOptions{
		Ledger:   led,
		Adapters: []store.Adapter{rel2},
	})
	require.NoError(t, err)
	t.Cleanup(coord2.Close)

	replayed, err := coord2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	assert.False(t, rel2.hasApplied(rejected))
}

func TestCoordinatorRejectedIntentCanBeResubmitted(t *testing.T) {
	led, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	ctx := context.Background()

	rel := newBlockingAdapter(types.StoreRelational)
	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:           led,
		Adapters:         []store.Adapter{rel},
		Workers:          1,
		QueueDepth:       1,
		Mode:             ModeReject,
		OperationTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	rejected := saturateRejectQueue(t, coord, rel)

	close(rel.gate)
	waitTerminal(t, coord, "fill-1")
	waitTerminal(t, coord, "fill-2")

	// Rejection never ran the saga, so the same intent_id gets a fresh
	// attempt once the backlog drains.
	_, err = coord.Submit(ctx, submitIntent(rejected, types.StoreRelational))
	require.NoError(t, err)
	entry := waitTerminal(t, coord, rejected)
	assert.Equal(t, types.StatusApplied, entry.Status)
	assert.True(t, rel.hasApplied(rejected))
}

func TestCoordinatorShutdownLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	led, err := ledger.OpenInMemory()
	require.NoError(t, err)

	rel := newStubAdapter(types.StoreRelational, nil)
	coord, err := NewCoordinator(CoordinatorOptions{
		Ledger:   led,
		Adapters: []store.Adapter{rel},
	})
	require.NoError(t, err)

	_, err = coord.Submit(context.Background(), submitIntent("shutdown-1", types.StoreRelational))
	require.NoError(t, err)
	waitTerminal(t, coord, "shutdown-1")

	coord.Close()
	require.NoError(t, led.Close())
}
