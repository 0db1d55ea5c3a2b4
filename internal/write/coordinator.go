// Package write is the consistency middleware: a durable write queue in
// front of a saga coordinator that applies each intent to its target stores
// in order and compensates in reverse on partial failure. Every status
// transition lands in the ledger before the next store is touched, so a
// crash at any point leaves enough record to finish or unwind the intent.
package write

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"memloom/internal/ledger"
	"memloom/internal/logging"
	"memloom/internal/store"
	"memloom/internal/types"
)

// Coordinator runs the write path end to end.
type Coordinator struct {
	ledger   *ledger.Ledger
	adapters map[types.StoreKind]store.Adapter
	queue    *Queue
	sem      *semaphore.Weighted

	opTimeout time.Duration

	entityMu    sync.Mutex
	entityLocks map[string]*sync.Mutex

	closeOnce sync.Once
}

// CoordinatorOptions configures the write path.
type CoordinatorOptions struct {
	Ledger   *ledger.Ledger
	Adapters []store.Adapter

	// Workers bounds concurrent saga executions across all projects.
	Workers int
	// QueueDepth bounds each project's pending channel.
	QueueDepth int
	// Mode selects backpressure behavior for full project channels.
	Mode BackpressureMode
	// OperationTimeout bounds each single store Apply or Compensate.
	OperationTimeout time.Duration
}

// NewCoordinator wires the queue, worker pool, and adapters together.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("coordinator requires a ledger")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("coordinator requires at least one store adapter")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 10 * time.Second
	}

	adapters := make(map[types.StoreKind]store.Adapter, len(opts.Adapters))
	for _, a := range opts.Adapters {
		adapters[a.Kind()] = a
	}

	c := &Coordinator{
		ledger:      opts.Ledger,
		adapters:    adapters,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		opTimeout:   opts.OperationTimeout,
		entityLocks: make(map[string]*sync.Mutex),
	}
	c.queue = NewQueue(opts.QueueDepth, opts.Mode, c.handle)

	logging.Coordinator("Coordinator started: workers=%d queue_depth=%d mode=%s timeout=%v",
		opts.Workers, opts.QueueDepth, opts.Mode, opts.OperationTimeout)
	return c, nil
}

// Submit validates the intent, records it durably as pending, and enqueues
// it for its project. A replayed intent_id returns the already-recorded
// entry without re-executing anything. The assigned intent_id is returned.
func (c *Coordinator) Submit(ctx context.Context, intent *types.WriteIntent) (*types.LedgerEntry, error) {
	timer := logging.StartTimer(logging.CategoryCoordinator, "Coordinator.Submit")
	defer timer.Stop()

	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.Status = types.StatusPending

	if err := intent.Validate(); err != nil {
		return nil, err
	}
	for _, sk := range intent.TargetStores {
		if _, ok := c.adapters[sk]; !ok {
			return nil, &types.ValidationError{
				Field:  "target_stores",
				Reason: fmt.Sprintf("no adapter registered for store %q", sk),
			}
		}
	}

	// Replay of a known intent_id never re-executes the saga. The one
	// exception is an intent the queue previously turned away: it never
	// touched a store, so resubmitting it is a fresh attempt.
	existing, err := c.ledger.Get(ctx, intent.IntentID)
	switch {
	case err == nil && !queueRejected(existing):
		logging.CoordinatorDebug("Submit replay for intent=%s (status=%s)", intent.IntentID, existing.Status)
		return existing, nil
	case err != nil && err != types.ErrIntentNotFound:
		return nil, err
	}

	entry := &types.LedgerEntry{
		IntentID:     intent.IntentID,
		Intent:       *intent,
		Status:       types.StatusPending,
		StoreRecords: make(map[types.StoreKind]types.StoreOperationRecord),
	}
	// The pending record must hit disk before the intent is enqueued:
	// once Submit returns, a crash cannot lose the intent.
	if _, err := c.ledger.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record pending intent: %w", err)
	}

	if err := c.queue.Enqueue(ctx, intent); err != nil {
		// The pending record must not outlive a rejected enqueue: the
		// recovery sweep would apply a write the caller was told failed.
		// The caller's context may already be expired in block mode, so
		// the terminal record goes through a fresh one.
		entry.Status = types.StatusFailed
		if _, appendErr := c.ledger.Append(context.Background(), entry); appendErr != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to record rejected intent=%s: %v", entry.IntentID, appendErr)
		}
		return nil, err
	}

	logging.Coordinator("Accepted intent=%s project=%s kind=%s stores=%v",
		intent.IntentID, intent.ProjectID, intent.Kind, intent.TargetStores)
	return entry, nil
}

// queueRejected reports whether the entry records an intent the queue
// turned away before any store was touched. Every other status, terminal
// or in flight, short-circuits a resubmit.
func queueRejected(entry *types.LedgerEntry) bool {
	return entry.Status == types.StatusFailed &&
		!entry.RequiresManualReview &&
		len(entry.AppliedStores()) == 0
}

// Status returns the intent's latest ledger record.
func (c *Coordinator) Status(ctx context.Context, intentID string) (*types.LedgerEntry, error) {
	return c.ledger.Get(ctx, intentID)
}

// handle runs on a project queue goroutine. The semaphore bounds how many
// sagas run at once across projects; the entity lock serializes mutations to
// the same entity so interleaved sagas cannot corrupt it.
func (c *Coordinator) handle(intent *types.WriteIntent) {
	ctx := context.Background()
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	lock := c.lockFor(intent.ProjectID + "/" + intent.Payload.EntityID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := c.ledger.Get(ctx, intent.IntentID)
	if err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Dropped intent %s: no ledger record: %v", intent.IntentID, err)
		return
	}
	if entry.Status.Terminal() {
		return
	}

	c.executeSaga(ctx, entry)
}

func (c *Coordinator) lockFor(key string) *sync.Mutex {
	c.entityMu.Lock()
	defer c.entityMu.Unlock()
	lock, ok := c.entityLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.entityLocks[key] = lock
	}
	return lock
}

// executeSaga applies the intent to each target store in declared order.
// The first failure flips the entry to partially_failed and unwinds the
// stores already applied, newest first.
func (c *Coordinator) executeSaga(ctx context.Context, entry *types.LedgerEntry) {
	timer := logging.StartTimer(logging.CategoryCoordinator, "Coordinator.executeSaga")
	defer timer.Stop()

	entry.Status = types.StatusApplying
	if _, err := c.ledger.Append(ctx, entry); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to record applying for intent=%s: %v", entry.IntentID, err)
		return
	}

	for _, sk := range entry.Intent.TargetStores {
		rec := entry.StoreRecords[sk]
		if rec.AppliedAt != nil && rec.CompensatedAt == nil {
			// Already applied on a previous attempt (recovery path).
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		appliedAt, err := c.adapters[sk].Apply(opCtx, &entry.Intent)
		cancel()

		if err != nil {
			rec.Error = err.Error()
			entry.StoreRecords[sk] = rec

			failure := &types.PartialApplyFailure{
				IntentID:     entry.IntentID,
				FailedStore:  sk,
				AppliedSoFar: entry.AppliedStores(),
				Err:          err,
			}
			logging.Get(logging.CategoryCoordinator).Error("Apply failed: %v", failure)

			entry.Status = types.StatusPartiallyFailed
			if _, err := c.ledger.Append(ctx, entry); err != nil {
				logging.Get(logging.CategoryCoordinator).Error("Failed to record partial failure for intent=%s: %v", entry.IntentID, err)
				return
			}
			c.compensate(ctx, entry)
			return
		}

		at := appliedAt
		rec.AppliedAt = &at
		rec.Error = ""
		entry.StoreRecords[sk] = rec

		// Persist progress between stores so recovery knows exactly how
		// far the saga got.
		if _, err := c.ledger.Append(ctx, entry); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to record store progress for intent=%s: %v", entry.IntentID, err)
			return
		}
	}

	entry.Status = types.StatusApplied
	if _, err := c.ledger.Append(ctx, entry); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to record applied for intent=%s: %v", entry.IntentID, err)
		return
	}
	logging.Coordinator("Intent %s applied across %d stores", entry.IntentID, len(entry.Intent.TargetStores))
}

// compensate unwinds the applied stores in reverse target order. If every
// compensation succeeds the intent ends compensated; any compensation
// failure parks it as failed for manual review.
func (c *Coordinator) compensate(ctx context.Context, entry *types.LedgerEntry) {
	entry.Status = types.StatusCompensating
	if _, err := c.ledger.Append(ctx, entry); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to record compensating for intent=%s: %v", entry.IntentID, err)
		return
	}

	applied := entry.AppliedStores()
	allOK := true
	for i := len(applied) - 1; i >= 0; i-- {
		sk := applied[i]

		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		compensatedAt, err := c.adapters[sk].Compensate(opCtx, &entry.Intent)
		cancel()

		rec := entry.StoreRecords[sk]
		if err != nil {
			allOK = false
			rec.Error = err.Error()
			entry.StoreRecords[sk] = rec
			failure := &types.CompensationFailure{IntentID: entry.IntentID, Store: sk, Err: err}
			logging.Get(logging.CategoryCoordinator).Error("Compensation failed: %v", failure)
			continue
		}

		at := compensatedAt
		rec.CompensatedAt = &at
		entry.StoreRecords[sk] = rec

		if _, err := c.ledger.Append(ctx, entry); err != nil {
			logging.Get(logging.CategoryCoordinator).Error("Failed to record compensation progress for intent=%s: %v", entry.IntentID, err)
			return
		}
	}

	if allOK {
		entry.Status = types.StatusCompensated
	} else {
		entry.Status = types.StatusFailed
		entry.RequiresManualReview = true
	}
	if _, err := c.ledger.Append(ctx, entry); err != nil {
		logging.Get(logging.CategoryCoordinator).Error("Failed to record compensation outcome for intent=%s: %v", entry.IntentID, err)
		return
	}
	logging.Coordinator("Intent %s finished compensation: status=%s manual_review=%v",
		entry.IntentID, entry.Status, entry.RequiresManualReview)
}

// Recover replays every non-terminal ledger entry after a restart. Intents
// caught mid-apply resume forward (store applies are idempotent); intents
// caught mid-unwind finish compensating. Returns how many were replayed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	timer := logging.StartTimer(logging.CategoryRecovery, "Coordinator.Recover")
	defer timer.Stop()

	entries, err := c.ledger.ScanNonTerminal(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to scan ledger: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		lock := c.lockFor(entry.Intent.ProjectID + "/" + entry.Intent.Payload.EntityID)
		lock.Lock()

		switch entry.Status {
		case types.StatusPending, types.StatusApplying:
			logging.Recovery("Resuming intent %s from %s", entry.IntentID, entry.Status)
			c.executeSaga(ctx, entry)
		case types.StatusPartiallyFailed, types.StatusCompensating:
			logging.Recovery("Unwinding intent %s from %s", entry.IntentID, entry.Status)
			c.compensate(ctx, entry)
		}
		lock.Unlock()
		replayed++
	}

	logging.Recovery("Recovery replayed %d intents", replayed)
	return replayed, nil
}

// QueueDepths reports the backlog per project.
func (c *Coordinator) QueueDepths() map[string]int {
	return c.queue.Depths()
}

// LedgerStats reports intent counts per status.
func (c *Coordinator) LedgerStats(ctx context.Context) (map[types.IntentStatus]int64, error) {
	return c.ledger.Stats(ctx)
}

// Close drains the queue and waits for in-flight sagas. The ledger is left
// open; its owner closes it.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.queue.Close()
		logging.Coordinator("Coordinator stopped")
	})
}
