package ledger

import (
	"context"
	"testing"
	"time"

	"memloom/internal/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testEntry(intentID string, status types.IntentStatus) *types.LedgerEntry {
	return &types.LedgerEntry{
		IntentID: intentID,
		Intent: types.WriteIntent{
			IntentID:  intentID,
			ProjectID: "proj-1",
			UserID:    "user-1",
			Kind:      types.KindFact,
			Payload: types.IntentPayload{
				EntityID: "fact:" + intentID,
				Content:  "content",
			},
			TargetStores: []types.StoreKind{types.StoreRelational},
			CreatedAt:    time.Now(),
			Status:       status,
		},
		Status:       status,
		StoreRecords: map[types.StoreKind]types.StoreOperationRecord{},
	}
}

func TestLedgerAppendAndGet(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	rev, err := l.Append(ctx, testEntry("i-1", types.StatusPending))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if rev == 0 {
		t.Fatal("Expected nonzero revision")
	}

	entry, err := l.Get(ctx, "i-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Revision != rev {
		t.Errorf("Expected revision %d, got %d", rev, entry.Revision)
	}
	if entry.Status != types.StatusPending {
		t.Errorf("Expected pending status, got %s", entry.Status)
	}
}

func TestLedgerGetUnknownIntent(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Get(context.Background(), "no-such-intent")
	if err != types.ErrIntentNotFound {
		t.Errorf("Expected ErrIntentNotFound, got %v", err)
	}
}

func TestLedgerRevisionsMonotonic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var last uint64
	for _, status := range []types.IntentStatus{
		types.StatusPending, types.StatusApplying, types.StatusApplied,
	} {
		rev, err := l.Append(ctx, testEntry("i-2", status))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if rev <= last {
			t.Errorf("Revision %d not greater than previous %d", rev, last)
		}
		last = rev
	}

	// Latest read reflects the final append.
	entry, err := l.Get(ctx, "i-2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Status != types.StatusApplied {
		t.Errorf("Expected latest status applied, got %s", entry.Status)
	}
	if entry.Revision != last {
		t.Errorf("Expected latest revision %d, got %d", last, entry.Revision)
	}
}

func TestLedgerHistoryPreservesAllRevisions(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	statuses := []types.IntentStatus{
		types.StatusPending, types.StatusApplying,
		types.StatusPartiallyFailed, types.StatusCompensating, types.StatusCompensated,
	}
	for _, status := range statuses {
		if _, err := l.Append(ctx, testEntry("i-3", status)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	history, err := l.History(ctx, "i-3")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != len(statuses) {
		t.Fatalf("Expected %d revisions, got %d", len(statuses), len(history))
	}
	for i, entry := range history {
		if entry.Status != statuses[i] {
			t.Errorf("Revision %d: expected status %s, got %s", i, statuses[i], entry.Status)
		}
		if i > 0 && history[i].Revision <= history[i-1].Revision {
			t.Errorf("History not in ascending revision order at index %d", i)
		}
	}
}

func TestLedgerScanNonTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, testEntry("done", types.StatusApplied)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, testEntry("stuck-applying", types.StatusApplying)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, testEntry("stuck-compensating", types.StatusCompensating)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := l.ScanNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ScanNonTerminal failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 non-terminal intents, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Status.Terminal() {
			t.Errorf("Scan returned terminal intent %s (%s)", e.IntentID, e.Status)
		}
	}
}

func TestLedgerNonTerminalIndexClearsOnTerminal(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, testEntry("i-4", types.StatusApplying)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, testEntry("i-4", types.StatusApplied)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	entries, err := l.ScanNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ScanNonTerminal failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("Expected no non-terminal intents after terminal append, got %d", len(entries))
	}
}

func TestLedgerScanByStatus(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	review := testEntry("needs-review", types.StatusFailed)
	review.RequiresManualReview = true
	if _, err := l.Append(ctx, review); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, testEntry("ok", types.StatusApplied)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	failed, err := l.ScanByStatus(ctx, types.StatusFailed)
	if err != nil {
		t.Fatalf("ScanByStatus failed: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed intent, got %d", len(failed))
	}
	if !failed[0].RequiresManualReview {
		t.Error("Expected requires_manual_review to persist")
	}
}

func TestLedgerStats(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, status := range []types.IntentStatus{
		types.StatusApplied, types.StatusApplied, types.StatusCompensated,
	} {
		id := "s-" + string(rune('a'+i))
		if _, err := l.Append(ctx, testEntry(id, status)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	stats, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[types.StatusApplied] != 2 {
		t.Errorf("Expected 2 applied, got %d", stats[types.StatusApplied])
	}
	if stats[types.StatusCompensated] != 1 {
		t.Errorf("Expected 1 compensated, got %d", stats[types.StatusCompensated])
	}
}

func TestLedgerStampsEachRevision(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Callers reuse one entry object across transitions; every revision
	// must still record its own transition time.
	entry := testEntry("ts-1", types.StatusPending)
	if _, err := l.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	entry.Status = types.StatusApplying
	if _, err := l.Append(ctx, entry); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	history, err := l.History(ctx, "ts-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 revisions, got %d", len(history))
	}
	if !history[1].Timestamp.After(history[0].Timestamp) {
		t.Errorf("Second revision reused the first timestamp: %v vs %v",
			history[0].Timestamp, history[1].Timestamp)
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l, err := Open(Options{DataDir: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Failed to open ledger: %v", err)
	}
	rev1, err := l.Append(ctx, testEntry("persist-1", types.StatusPending))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := l.Append(ctx, testEntry("persist-2", types.StatusApplying)); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(Options{DataDir: dir, SyncWrites: true})
	if err != nil {
		t.Fatalf("Failed to reopen ledger: %v", err)
	}
	defer reopened.Close()

	entry, err := reopened.Get(ctx, "persist-1")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if entry.Revision != rev1 {
		t.Errorf("Expected revision %d after reopen, got %d", rev1, entry.Revision)
	}

	pending, err := reopened.ScanNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ScanNonTerminal after reopen failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Expected 2 non-terminal intents after reopen, got %d", len(pending))
	}

	// New revisions continue past the pre-restart high water mark.
	rev3, err := reopened.Append(ctx, testEntry("persist-3", types.StatusPending))
	if err != nil {
		t.Fatalf("Append after reopen failed: %v", err)
	}
	if rev3 <= rev1 {
		t.Errorf("Revision %d after reopen not greater than %d", rev3, rev1)
	}
}

func TestLedgerRejectsEmptyIntentID(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Append(context.Background(), &types.LedgerEntry{})
	if err == nil {
		t.Fatal("Expected validation error for empty intent_id")
	}
}
