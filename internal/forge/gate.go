package forge

import (
	"context"
	"fmt"

	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// Reviewer presents a proposal to a decision maker and reports the
// verdict. Present blocks until the decision is rendered or ctx is
// done. Implementations live in internal/review.
type Reviewer interface {
	Present(ctx context.Context, change *ProposedChange) (approved bool, err error)
}

// AuthorizationGate renders the single Pending -> Authorized/Denied
// transition for every proposal. When the governor requires
// authorization the gate blocks on the reviewer; when the governor is
// relaxed the gate authorizes autonomously. Both paths log and audit
// identically, so relaxing the governor never reduces the audit trail.
type AuthorizationGate struct {
	governor *SafetyGovernor
	reviewer Reviewer
	audit    *store.AuditStore
}

// NewAuthorizationGate wires the gate to its governor, reviewer and
// audit sink. audit may be nil in tests.
func NewAuthorizationGate(governor *SafetyGovernor, reviewer Reviewer, audit *store.AuditStore) *AuthorizationGate {
	return &AuthorizationGate{
		governor: governor,
		reviewer: reviewer,
		audit:    audit,
	}
}

// Decide renders the authorization decision for a pending proposal.
// Returns nil when the proposal is authorized and a *NotAuthorizedError
// when denied; both are persisted before Decide returns. When the
// caller's ctx ends while the reviewer is still deliberating, Decide
// returns the ctx error and the proposal stays Pending; the verdict is
// still applied and audited whenever it arrives.
func (g *AuthorizationGate) Decide(ctx context.Context, change *ProposedChange) error {
	if change.Status() != StatusPending {
		return fmt.Errorf("proposal %s is %s, not pending", change.ID, change.Status())
	}

	if !g.governor.IsEnabled() {
		change.AuthorizedBy = "governor"
		if err := change.setStatus(StatusAuthorized); err != nil {
			return err
		}
		logging.Gate("Authorized %s autonomously (severity=%s)", change.TargetIdentifier, change.Severity)
		g.persistDecision(change)
		return nil
	}

	type verdict struct {
		approved bool
		err      error
	}
	verdicts := make(chan verdict, 1)
	go func() {
		// The reviewer sees a detached context: an abandoned request
		// must not forge a decision on the reviewer's behalf.
		approved, err := g.reviewer.Present(context.WithoutCancel(ctx), change)
		verdicts <- verdict{approved: approved, err: err}
	}()

	select {
	case v := <-verdicts:
		return g.applyVerdict(change, v.approved, v.err)
	case <-ctx.Done():
		logging.Gate("Caller abandoned %s awaiting review; decision stays pending", change.TargetIdentifier)
		go func() {
			v := <-verdicts
			_ = g.applyVerdict(change, v.approved, v.err)
		}()
		return ctx.Err()
	}
}

// applyVerdict performs the Pending -> terminal transition for a human
// verdict and persists it. A reviewer failure is a denial, never an
// implicit approval.
func (g *AuthorizationGate) applyVerdict(change *ProposedChange, approved bool, reviewErr error) error {
	change.AuthorizedBy = "human"

	if reviewErr != nil {
		if serr := change.setStatus(StatusDenied); serr != nil {
			return serr
		}
		logging.Gate("Denied %s: review failed: %v", change.TargetIdentifier, reviewErr)
		g.persistDecision(change)
		return &NotAuthorizedError{
			Identifier: change.TargetIdentifier,
			Reason:     fmt.Sprintf("review failed: %v", reviewErr),
		}
	}

	if !approved {
		if serr := change.setStatus(StatusDenied); serr != nil {
			return serr
		}
		logging.Gate("Denied %s by human review (severity=%s)", change.TargetIdentifier, change.Severity)
		g.persistDecision(change)
		return &NotAuthorizedError{
			Identifier: change.TargetIdentifier,
			Reason:     "denied by human review",
		}
	}

	if serr := change.setStatus(StatusAuthorized); serr != nil {
		return serr
	}
	logging.Gate("Authorized %s by human review (severity=%s)", change.TargetIdentifier, change.Severity)
	g.persistDecision(change)
	return nil
}

// persistDecision writes the decision to the durable audit trail and
// the debug audit log. Every decision is recorded, authorized or not.
func (g *AuthorizationGate) persistDecision(change *ProposedChange) {
	status := change.Status()
	logging.Audit().Decision(change.ID, change.TargetIdentifier, status.String(), change.AuthorizedBy)

	if g.audit == nil {
		return
	}
	err := g.audit.Append(store.AuditRecord{
		ProposalID:   change.ID,
		Identifier:   change.TargetIdentifier,
		Rationale:    change.Rationale,
		DiffPreview:  change.DiffPreview,
		Status:       status.String(),
		Severity:     change.Severity.String(),
		AuthorizedBy: change.AuthorizedBy,
		Outcome:      "decision",
	})
	if err != nil {
		logging.GateDebug("Failed to persist decision for %s: %v", change.TargetIdentifier, err)
	}
}
