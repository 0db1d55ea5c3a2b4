// Package ledger is the durable record of every write intent's saga
// progress. Entries are append-only: each status transition writes a new
// revision keyed by a global monotonic counter, and a latest-value index
// keeps reads O(1). BadgerDB holds the data with single-byte key prefixes.
package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"memloom/internal/logging"
	"memloom/internal/types"
)

// Key prefixes, single byte each.
const (
	prefixLatest      = byte(0x01) // 0x01 + intent_id -> JSON(LedgerEntry), newest revision
	prefixHistory     = byte(0x02) // 0x02 + intent_id + 0x00 + be64(revision) -> JSON(LedgerEntry)
	prefixNonTerminal = byte(0x03) // 0x03 + intent_id -> empty, present while status is non-terminal
)

const revisionSeqKey = "memloom/ledger/revision"

// Ledger persists intent progress records.
type Ledger struct {
	db  *badger.DB
	seq *badger.Sequence

	mu     sync.Mutex
	closed bool
}

// Options configures the ledger store.
type Options struct {
	// DataDir holds the BadgerDB files. Required unless InMemory.
	DataDir string

	// InMemory skips disk entirely. Test use only: recovery guarantees
	// obviously do not survive a restart.
	InMemory bool

	// SyncWrites fsyncs every commit. The write path depends on this
	// record surviving a crash, so production keeps it on.
	SyncWrites bool
}

// Open creates or reopens the ledger at opts.DataDir.
func Open(opts Options) (*Ledger, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	seq, err := db.GetSequence([]byte(revisionSeqKey), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open revision sequence: %w", err)
	}

	logging.Ledger("Ledger opened: dir=%s in_memory=%v sync=%v",
		opts.DataDir, opts.InMemory, opts.SyncWrites)
	return &Ledger{db: db, seq: seq}, nil
}

// OpenInMemory is a convenience for tests.
func OpenInMemory() (*Ledger, error) {
	return Open(Options{InMemory: true})
}

func latestKey(intentID string) []byte {
	return append([]byte{prefixLatest}, []byte(intentID)...)
}

func historyKey(intentID string, revision uint64) []byte {
	key := append([]byte{prefixHistory}, []byte(intentID)...)
	key = append(key, 0x00)
	var rev [8]byte
	binary.BigEndian.PutUint64(rev[:], revision)
	return append(key, rev[:]...)
}

func nonTerminalKey(intentID string) []byte {
	return append([]byte{prefixNonTerminal}, []byte(intentID)...)
}

// Append durably records a new revision for the entry's intent. The revision
// number is assigned here and written back into the entry; callers must not
// set it themselves. Returns the assigned revision.
func (l *Ledger) Append(ctx context.Context, entry *types.LedgerEntry) (uint64, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "Ledger.Append")
	defer timer.Stop()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if entry.IntentID == "" {
		return 0, &types.ValidationError{Field: "intent_id", Reason: "must not be empty"}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, fmt.Errorf("ledger is closed")
	}
	rev, err := l.seq.Next()
	l.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate revision: %w", err)
	}
	// Sequence starts at 0; revisions start at 1 so zero means "unset".
	rev++

	entry.Revision = rev
	// Callers reuse one entry across transitions; each revision records
	// its own transition time.
	entry.Timestamp = time.Now().UTC()

	value, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(historyKey(entry.IntentID, rev), value); err != nil {
			return err
		}
		if err := txn.Set(latestKey(entry.IntentID), value); err != nil {
			return err
		}
		if entry.Status.Terminal() {
			if err := txn.Delete(nonTerminalKey(entry.IntentID)); err != nil {
				return err
			}
		} else {
			if err := txn.Set(nonTerminalKey(entry.IntentID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	logging.LedgerDebug("Appended revision %d for intent=%s status=%s",
		rev, entry.IntentID, entry.Status)
	return rev, nil
}

// Get returns the newest revision for an intent, or ErrIntentNotFound.
func (l *Ledger) Get(ctx context.Context, intentID string) (*types.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entry *types.LedgerEntry
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(intentID))
		if err == badger.ErrKeyNotFound {
			return types.ErrIntentNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry = &types.LedgerEntry{}
			return json.Unmarshal(val, entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// History returns every recorded revision for an intent in ascending
// revision order. Empty history means the intent was never recorded.
func (l *Ledger) History(ctx context.Context, intentID string) ([]*types.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := append([]byte{prefixHistory}, []byte(intentID)...)
	prefix = append(prefix, 0x00)

	var out []*types.LedgerEntry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry := &types.LedgerEntry{}
				if err := json.Unmarshal(val, entry); err != nil {
					return err
				}
				out = append(out, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScanNonTerminal returns the latest revision of every intent whose status
// is not terminal. Recovery replays these after a restart.
func (l *Ledger) ScanNonTerminal(ctx context.Context) ([]*types.LedgerEntry, error) {
	timer := logging.StartTimer(logging.CategoryLedger, "Ledger.ScanNonTerminal")
	defer timer.Stop()

	var ids []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixNonTerminal}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*types.LedgerEntry, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := l.Get(ctx, id)
		if err == types.ErrIntentNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}

	logging.Ledger("Non-terminal scan found %d intents", len(out))
	return out, nil
}

// ScanByStatus returns the latest revision of every intent currently in the
// given status. Used by the audit surface, e.g. listing intents stuck in
// failed with requires_manual_review set.
func (l *Ledger) ScanByStatus(ctx context.Context, status types.IntentStatus) ([]*types.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []*types.LedgerEntry
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixLatest}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry := &types.LedgerEntry{}
				if err := json.Unmarshal(val, entry); err != nil {
					return err
				}
				if entry.Status == status {
					out = append(out, entry)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats counts intents per latest status.
func (l *Ledger) Stats(ctx context.Context) (map[types.IntentStatus]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[types.IntentStatus]int64)
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{prefixLatest}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry := &types.LedgerEntry{}
				if err := json.Unmarshal(val, entry); err != nil {
					return err
				}
				out[entry.Status]++
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the revision sequence and shuts the database.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.seq.Release(); err != nil {
		logging.Get(logging.CategoryLedger).Warn("Failed to release revision sequence: %v", err)
	}
	return l.db.Close()
}
