package forge

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/store"
)

// scriptedReviewer returns a fixed verdict and records what it saw.
type scriptedReviewer struct {
	approve   bool
	err       error
	presented *ProposedChange
}

func (r *scriptedReviewer) Present(_ context.Context, change *ProposedChange) (bool, error) {
	r.presented = change
	return r.approve, r.err
}

// blockingReviewer deliberates until a verdict is fed in, like a human
// who has not answered yet.
type blockingReviewer struct {
	verdicts chan bool
}

func (r *blockingReviewer) Present(ctx context.Context, _ *ProposedChange) (bool, error) {
	select {
	case v := <-r.verdicts:
		return v, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestGateAuthorizesOnApproval(t *testing.T) {
	gov := NewSafetyGovernor(true)
	reviewer := &scriptedReviewer{approve: true}
	gate := NewAuthorizationGate(gov, reviewer, nil)

	change := NewProposedChange("echo_skill", "package skill\n", "adds echo", 24)
	err := gate.Decide(context.Background(), change)

	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, change.Status())
	assert.Equal(t, "human", change.AuthorizedBy)
	require.NotNil(t, reviewer.presented)
	assert.Equal(t, change.ID, reviewer.presented.ID)
}

func TestGateDeniesOnRejection(t *testing.T) {
	gov := NewSafetyGovernor(true)
	gate := NewAuthorizationGate(gov, &scriptedReviewer{approve: false}, nil)

	change := NewProposedChange("rm_skill", "package skill\n", "deletes things", 24)
	err := gate.Decide(context.Background(), change)

	var notAuth *NotAuthorizedError
	require.ErrorAs(t, err, &notAuth)
	assert.Equal(t, "rm_skill", notAuth.Identifier)
	assert.Equal(t, StatusDenied, change.Status())
	// The denied proposal stays intact for the audit trail.
	assert.Equal(t, "deletes things", change.Rationale)
	assert.NotEmpty(t, change.DiffPreview)
}

func TestGateDeniesOnReviewerError(t *testing.T) {
	gov := NewSafetyGovernor(true)
	gate := NewAuthorizationGate(gov, &scriptedReviewer{err: errors.New("terminal closed")}, nil)

	change := NewProposedChange("echo_skill", "package skill\n", "adds echo", 24)
	err := gate.Decide(context.Background(), change)

	var notAuth *NotAuthorizedError
	require.ErrorAs(t, err, &notAuth)
	assert.Equal(t, StatusDenied, change.Status())
}

func TestGateAutonomousWhenGovernorRelaxed(t *testing.T) {
	gov := NewSafetyGovernor(false)
	reviewer := &scriptedReviewer{approve: false} // must not be consulted
	gate := NewAuthorizationGate(gov, reviewer, nil)

	change := NewProposedChange("echo_skill", "package skill\n", "adds echo", 24)
	err := gate.Decide(context.Background(), change)

	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, change.Status())
	assert.Equal(t, "governor", change.AuthorizedBy)
	assert.Nil(t, reviewer.presented)
}

func TestGateRejectsSecondDecision(t *testing.T) {
	gov := NewSafetyGovernor(true)
	gate := NewAuthorizationGate(gov, &scriptedReviewer{approve: true}, nil)

	change := NewProposedChange("echo_skill", "package skill\n", "adds echo", 24)
	require.NoError(t, gate.Decide(context.Background(), change))

	err := gate.Decide(context.Background(), change)
	require.Error(t, err)
	assert.Equal(t, StatusAuthorized, change.Status())
}

func TestGateAbandonedRequestHonorsLateVerdict(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	st, err := store.NewAuditStore(dbPath)
	require.NoError(t, err)
	defer st.Close()

	gov := NewSafetyGovernor(true)
	reviewer := &blockingReviewer{verdicts: make(chan bool)}
	gate := NewAuthorizationGate(gov, reviewer, st)

	change := NewProposedChange("late_skill", "package skill\n", "needs a human", 24)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The caller gives up while the reviewer is still deliberating: no
	// decision is forged in either direction.
	err = gate.Decide(ctx, change)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusPending, change.Status())

	// The verdict, arriving after abandonment, is still applied and
	// persisted.
	reviewer.verdicts <- true

	require.Eventually(t, func() bool {
		return change.Status() == StatusAuthorized
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "human", change.AuthorizedBy)

	require.Eventually(t, func() bool {
		records, rerr := st.ByIdentifier("late_skill")
		return rerr == nil && len(records) == 1 &&
			records[0].Status == "authorized" && records[0].Outcome == "decision"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatePersistsDecision(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "forge.db")
	st, err := store.NewAuditStore(dbPath)
	require.NoError(t, err)
	defer st.Close()

	gov := NewSafetyGovernor(true)
	gate := NewAuthorizationGate(gov, &scriptedReviewer{approve: false}, st)

	change := NewProposedChange("rm_skill", "package skill\n", "deletes things", 24)
	_ = gate.Decide(context.Background(), change)

	records, err := st.ByIdentifier("rm_skill")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "denied", records[0].Status)
	assert.Equal(t, "decision", records[0].Outcome)
	assert.Equal(t, "deletes things", records[0].Rationale)
}
