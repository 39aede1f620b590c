package forge

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// FailureLedgerEntry records why a piece of source text is a dead end.
type FailureLedgerEntry struct {
	SourceHash      string
	Reason          string
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int
}

// FailureLedger maps a hash of previously-failed source text to the
// recorded reason. Matching is exact (byte-identical source): literally
// repeated mistakes are short-circuited, genuine iteration is not.
//
// The in-memory map is the read path; entries write through to the
// audit store so dead ends survive restarts.
type FailureLedger struct {
	mu      sync.RWMutex
	entries map[string]*FailureLedgerEntry

	// persist is optional; nil means memory-only (tests).
	persist *store.AuditStore
}

// NewFailureLedger creates an empty ledger. If persist is non-nil,
// previously recorded dead ends are loaded from it.
func NewFailureLedger(persist *store.AuditStore) *FailureLedger {
	l := &FailureLedger{
		entries: make(map[string]*FailureLedgerEntry),
		persist: persist,
	}

	if persist != nil {
		rows, err := persist.LoadLedger()
		if err != nil {
			logging.Get(logging.CategoryLedger).Error("Failed to load persisted ledger: %v", err)
			return l
		}
		for _, row := range rows {
			l.entries[row.SourceHash] = &FailureLedgerEntry{
				SourceHash:      row.SourceHash,
				Reason:          row.Reason,
				FirstSeen:       row.FirstSeen,
				LastSeen:        row.LastSeen,
				OccurrenceCount: row.OccurrenceCount,
			}
		}
		logging.Ledger("Warmed failure ledger with %d persisted entries", len(rows))
	}

	return l
}

// HashSource returns the content address for a source text.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// Check returns the ledger entry for the exact source text, if any.
// Must run before any compile attempt is scheduled.
func (l *FailureLedger) Check(source string) (*FailureLedgerEntry, bool) {
	hash := HashSource(source)

	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[hash]
	if !ok {
		return nil, false
	}
	// Copy so callers cannot mutate ledger state.
	cp := *entry
	return &cp, true
}

// Record registers a failure for the exact source text. A repeated
// identical failure increments the occurrence count rather than
// duplicating the entry.
func (l *FailureLedger) Record(source, reason string) *FailureLedgerEntry {
	hash := HashSource(source)
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.entries[hash]
	if ok {
		entry.OccurrenceCount++
		entry.LastSeen = now
		entry.Reason = reason
	} else {
		entry = &FailureLedgerEntry{
			SourceHash:      hash,
			Reason:          reason,
			FirstSeen:       now,
			LastSeen:        now,
			OccurrenceCount: 1,
		}
		l.entries[hash] = entry
	}
	cp := *entry
	l.mu.Unlock()

	logging.Ledger("Recorded dead end %s (count=%d): %s", hash[:12], cp.OccurrenceCount, reason)

	if l.persist != nil {
		if err := l.persist.UpsertLedger(store.LedgerRow{SourceHash: hash, Reason: reason}); err != nil {
			logging.Get(logging.CategoryLedger).Error("Failed to persist ledger entry %s: %v", hash[:12], err)
		}
	}

	return &cp
}

// Len returns the number of distinct dead ends recorded.
func (l *FailureLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
