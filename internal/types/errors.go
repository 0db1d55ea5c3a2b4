package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the write and retrieval paths. Transient adapter errors
// are retried inside the adapter layer and never surface past the coordinator
// or retriever; only validation and compensation failures are user-visible.

// ValidationError marks a malformed intent or query. Rejected before enqueue,
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// AdapterUnavailable marks a transient store failure. The adapter layer
// retries it with backoff up to a bounded attempt count before treating the
// operation as failed.
type AdapterUnavailable struct {
	Store StoreKind
	Err   error
}

func (e *AdapterUnavailable) Error() string {
	return fmt.Sprintf("store %s unavailable: %v", e.Store, e.Err)
}

func (e *AdapterUnavailable) Unwrap() error { return e.Err }

// PartialApplyFailure records that one store failed after siblings succeeded.
// Handled internally by the compensation saga; callers observe only the
// terminal compensated status.
type PartialApplyFailure struct {
	IntentID     string
	FailedStore  StoreKind
	AppliedSoFar []StoreKind
	Err          error
}

func (e *PartialApplyFailure) Error() string {
	return fmt.Sprintf("intent %s: store %s failed after %d stores applied: %v",
		e.IntentID, e.FailedStore, len(e.AppliedSoFar), e.Err)
}

func (e *PartialApplyFailure) Unwrap() error { return e.Err }

// CompensationFailure is the one condition the system does not auto-resolve:
// a rollback itself failed, leaving the ledger entry flagged for manual
// review.
type CompensationFailure struct {
	IntentID string
	Store    StoreKind
	Err      error
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("intent %s: compensation failed on store %s: %v", e.IntentID, e.Store, e.Err)
}

func (e *CompensationFailure) Unwrap() error { return e.Err }

var (
	// ErrQueueFull is returned by Submit in reject mode when a project's
	// queue is at its configured depth.
	ErrQueueFull = errors.New("write queue full")

	// ErrQueueClosed is returned by Submit after shutdown has begun.
	ErrQueueClosed = errors.New("write queue closed")

	// ErrIntentNotFound is returned by Status and ledger lookups for an
	// unknown intent_id.
	ErrIntentNotFound = errors.New("intent not found")
)

// IsTransient reports whether err should be retried by the adapter layer.
func IsTransient(err error) bool {
	var ua *AdapterUnavailable
	return errors.As(err, &ua)
}
