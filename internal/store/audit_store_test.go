package store

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *AuditStore {
	t.Helper()
	s, err := NewAuditStore(filepath.Join(t.TempDir(), "forge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(AuditRecord{
		ProposalID:   "p-1",
		Identifier:   "echo_skill",
		Rationale:    "needed an echo capability",
		DiffPreview:  "func Run(input string) (string, error) { ... }",
		Status:       "authorized",
		Severity:     "info",
		AuthorizedBy: "human",
		Outcome:      "decision",
	}))
	require.NoError(t, s.Append(AuditRecord{
		ProposalID: "p-1",
		Identifier: "echo_skill",
		Status:     "authorized",
		Severity:   "info",
		Outcome:    "registered",
	}))

	records, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first.
	assert.Equal(t, "registered", records[0].Outcome)
	assert.Equal(t, "decision", records[1].Outcome)
	assert.Equal(t, "needed an echo capability", records[1].Rationale)
	assert.Equal(t, "human", records[1].AuthorizedBy)
}

func TestDeniedRecordKeepsRationaleAndPreview(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Append(AuditRecord{
		ProposalID:   "p-2",
		Identifier:   "sketchy",
		Rationale:    "original rationale",
		DiffPreview:  "original preview",
		Status:       "denied",
		Severity:     "critical",
		AuthorizedBy: "human",
		Outcome:      "decision",
		Detail:       "reviewer declined",
	}))

	records, err := s.ByIdentifier("sketchy")
	require.NoError(t, err)
	require.Len(t, records, 1)

	assert.Equal(t, "denied", records[0].Status)
	assert.Equal(t, "original rationale", records[0].Rationale)
	assert.Equal(t, "original preview", records[0].DiffPreview)
	assert.Equal(t, "reviewer declined", records[0].Detail)
}

func TestAuditRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)

	want := AuditRecord{
		ProposalID:   "p-3",
		Identifier:   "word_count",
		Rationale:    "counts words",
		DiffPreview:  "func Count(input string) (string, error) { ... }",
		Status:       "authorized",
		Severity:     "warning",
		AuthorizedBy: "governor",
		Outcome:      "registered",
		Detail:       ".forge/artifacts/word_count-abcdef012345.so",
	}
	require.NoError(t, s.Append(want))

	records, err := s.ByIdentifier("word_count")
	require.NoError(t, err)
	require.Len(t, records, 1)

	if diff := cmp.Diff(want, records[0], cmpopts.IgnoreFields(AuditRecord{}, "ID", "CreatedAt")); diff != "" {
		t.Errorf("audit record mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgerUpsertIncrementsOccurrence(t *testing.T) {
	s := newTestStore(t)

	row := LedgerRow{SourceHash: "abc123", Reason: "syntax error"}
	require.NoError(t, s.UpsertLedger(row))
	require.NoError(t, s.UpsertLedger(row))
	require.NoError(t, s.UpsertLedger(row))

	entries, err := s.LoadLedger()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "abc123", entries[0].SourceHash)
	assert.Equal(t, 3, entries[0].OccurrenceCount)
	assert.False(t, entries[0].LastSeen.Before(entries[0].FirstSeen))
}

func TestLedgerDistinctHashesDistinctRows(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertLedger(LedgerRow{SourceHash: "h1", Reason: "r1"}))
	require.NoError(t, s.UpsertLedger(LedgerRow{SourceHash: "h2", Reason: "r2"}))

	entries, err := s.LoadLedger()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
