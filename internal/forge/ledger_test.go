package forge

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/store"
)

func TestLedgerMissOnFreshSource(t *testing.T) {
	ledger := NewFailureLedger(nil)

	entry, hit := ledger.Check("package skill\n")
	assert.False(t, hit)
	assert.Nil(t, entry)
	assert.Equal(t, 0, ledger.Len())
}

func TestLedgerHitOnExactResubmission(t *testing.T) {
	ledger := NewFailureLedger(nil)
	source := "package skill\n\nfunc broken( {}\n"

	ledger.Record(source, "compile failed: syntax error")

	entry, hit := ledger.Check(source)
	require.True(t, hit)
	assert.Equal(t, "compile failed: syntax error", entry.Reason)
	assert.Equal(t, 1, entry.OccurrenceCount)
	assert.Equal(t, HashSource(source), entry.SourceHash)
}

func TestLedgerMissOnSingleByteChange(t *testing.T) {
	ledger := NewFailureLedger(nil)
	source := "package skill\n\nfunc broken( {}\n"

	ledger.Record(source, "compile failed")

	// Exact matching only: a one-byte edit is a fresh attempt.
	_, hit := ledger.Check(source + " ")
	assert.False(t, hit)
}

func TestLedgerRecordIncrementsOccurrences(t *testing.T) {
	ledger := NewFailureLedger(nil)
	source := "package skill\n"

	first := ledger.Record(source, "load failed")
	second := ledger.Record(source, "load failed")
	third := ledger.Record(source, "load failed again")

	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.Equal(t, 3, third.OccurrenceCount)
	assert.Equal(t, "load failed again", third.Reason)
	assert.Equal(t, first.FirstSeen, third.FirstSeen)
	assert.Equal(t, 1, ledger.Len())
}

func TestLedgerWarmsFromStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")

	st, err := store.NewAuditStore(dbPath)
	require.NoError(t, err)

	source := "package skill\n\nvar x = undefined\n"
	ledger := NewFailureLedger(st)
	ledger.Record(source, "compile failed: undefined")
	require.NoError(t, st.Close())

	// A fresh process sees the persisted dead end.
	st2, err := store.NewAuditStore(dbPath)
	require.NoError(t, err)
	defer st2.Close()

	warmed := NewFailureLedger(st2)
	entry, hit := warmed.Check(source)
	require.True(t, hit)
	assert.Equal(t, "compile failed: undefined", entry.Reason)
	assert.Equal(t, 1, entry.OccurrenceCount)
}
