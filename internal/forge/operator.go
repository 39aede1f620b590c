package forge

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"skillforge/internal/config"
	"skillforge/internal/dispatch"
	"skillforge/internal/logging"
	"skillforge/internal/store"
)

// invoker is the common surface of loaded and interpreted modules.
type invoker interface {
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// skillCompiler and skillLoader are the operator's view of the compile
// and load stages; tests substitute fakes.
type skillCompiler interface {
	Compile(ctx context.Context, change *ProposedChange) (string, error)
}

type skillLoader interface {
	Load(artifactPath, identifier string) (*LoadedModule, error)
}

// Operator drives a proposal through the full pipeline: ledger check,
// authorization, compile, load, register. Any failure after the ledger
// check rolls the request back; compile and load failures additionally
// feed the ledger and snap the governor back to strict.
type Operator struct {
	cfg      config.ForgeConfig
	ledger   *FailureLedger
	gate     *AuthorizationGate
	governor *SafetyGovernor
	registry *dispatch.Registry
	audit    *store.AuditStore

	compiler skillCompiler
	loader   skillLoader
	interp   *Interpreter

	// persistGovernor, when set, makes governor reverts durable.
	persistGovernor func(requireAuthorization bool) error

	mu      sync.RWMutex
	modules map[string]invoker
}

// NewOperator wires the pipeline together.
func NewOperator(cfg config.ForgeConfig, governor *SafetyGovernor, reviewer Reviewer, registry *dispatch.Registry, audit *store.AuditStore) *Operator {
	return &Operator{
		cfg:      cfg,
		ledger:   NewFailureLedger(audit),
		gate:     NewAuthorizationGate(governor, reviewer, audit),
		governor: governor,
		registry: registry,
		audit:    audit,
		compiler: NewCompiler(cfg),
		loader:   NewModuleLoader(),
		interp:   NewInterpreter(),
		modules:  make(map[string]invoker),
	}
}

// Propose runs the full pipeline for one candidate skill. On success
// the skill is live in the registry before Propose returns. On failure
// the returned error is one of the structured pipeline errors; the
// Result reports how far the request got.
func (o *Operator) Propose(ctx context.Context, identifier, sourceText, rationale string) (*Result, error) {
	start := time.Now()

	change := NewProposedChange(identifier, sourceText, rationale, o.cfg.DiffPreviewLines)
	logging.Forge("Proposal %s for %s (severity=%s)", change.ID, identifier, change.Severity)
	logging.Audit().ProposalCreated(change.ID, identifier, change.Severity.String())

	result := &Result{
		ProposalID: change.ID,
		Identifier: identifier,
		Stage:      StageProposed,
		Severity:   change.Severity,
	}
	finish := func() *Result {
		result.Status = change.Status()
		result.Duration = time.Since(start)
		return result
	}

	// Ledger check comes before review: a known dead end never reaches
	// a human and never reaches the toolchain.
	if entry, hit := o.ledger.Check(sourceText); hit {
		result.Stage = StageLedgerChecked
		logging.Forge("Dead end for %s: seen %d time(s)", identifier, entry.OccurrenceCount)
		logging.Audit().LedgerHit(change.ID, identifier, entry.Reason, entry.OccurrenceCount)
		o.appendOutcome(change, "dead_end", entry.Reason)
		return finish(), &DeadEndError{
			Identifier:  identifier,
			Reason:      entry.Reason,
			FirstSeen:   entry.FirstSeen,
			Occurrences: entry.OccurrenceCount,
		}
	}
	result.Stage = StageLedgerChecked

	if err := o.gate.Decide(ctx, change); err != nil {
		var naerr *NotAuthorizedError
		if !errors.As(err, &naerr) {
			// The caller abandoned the request while it was awaiting
			// review. The decision stays pending and the gate audits the
			// verdict when it arrives.
			o.appendOutcome(change, "abandoned", err.Error())
			return finish(), err
		}
		result.Stage = StageRolledBack
		// Denials do not feed the ledger: the same source may be
		// approved later.
		logging.Audit().RolledBack(change.ID, identifier, StageReviewed.String(), err.Error())
		o.appendOutcome(change, "not_authorized", err.Error())
		return finish(), err
	}
	result.Stage = StageReviewed

	var module invoker
	switch o.cfg.Mode {
	case config.ModeInterpreted:
		m, err := o.interp.Activate(change)
		if err != nil {
			return finish(), o.rollback(change, result, err, "")
		}
		result.Stage = StageLoaded
		module = m

	default:
		artifact, err := o.compiler.Compile(ctx, change)
		if err != nil {
			return finish(), o.rollback(change, result, err, "")
		}
		result.Stage = StageCompiled
		result.Artifact = artifact

		loaded, err := o.loader.Load(artifact, identifier)
		if err != nil {
			return finish(), o.rollback(change, result, err, artifact)
		}
		result.Stage = StageLoaded
		logging.Audit().LoadDone(change.ID, identifier, artifact, true, "")
		module = loaded
	}

	replaced, err := o.bind(module, identifier, rationale)
	if err != nil {
		return finish(), o.rollback(change, result, err, result.Artifact)
	}
	result.Stage = StageRegistered

	o.mu.Lock()
	o.modules[identifier] = module
	o.mu.Unlock()

	logging.Forge("Registered %s (replaced=%v) in %s", identifier, replaced, time.Since(start))
	logging.Audit().Registered(change.ID, identifier, replaced)
	o.appendOutcome(change, "registered", result.Artifact)
	return finish(), nil
}

// rollback undoes a failed activation. Compile and load failures are
// recorded in the ledger and snap the governor back to strict; the
// partial artifact, if any, is removed so boot restore never sees it.
func (o *Operator) rollback(change *ProposedChange, result *Result, cause error, artifact string) error {
	failedStage := result.Stage
	result.Stage = StageRolledBack

	if artifact != "" {
		if err := os.Remove(artifact); err != nil && !os.IsNotExist(err) {
			logging.ForgeError("Failed to remove artifact %s during rollback: %v", artifact, err)
		}
		result.Artifact = ""
	}

	var cerr *CompileError
	var lerr *LoadError
	outcome := "rolled_back"
	switch {
	case errors.As(cause, &cerr):
		outcome = "compile_failed"
		o.ledger.Record(change.SourceText, cerr.Error())
		logging.Audit().Log(logging.AuditEvent{
			EventType:  logging.AuditLedgerRecord,
			ProposalID: change.ID,
			Identifier: change.TargetIdentifier,
			Error:      cerr.Error(),
			Message:    "Recorded compile failure in ledger",
		})
		o.revertGovernor("auto-revert after compile failure")
	case errors.As(cause, &lerr):
		outcome = "load_failed"
		o.ledger.Record(change.SourceText, lerr.Error())
		o.revertGovernor("auto-revert after load failure")
	}

	logging.ForgeError("Rolled back %s at %s: %v", change.TargetIdentifier, failedStage, cause)
	logging.Audit().RolledBack(change.ID, change.TargetIdentifier, failedStage.String(), cause.Error())
	o.appendOutcome(change, outcome, cause.Error())
	return cause
}

// SetGovernorPersist registers a hook called whenever a pipeline
// failure reverts the governor to strict, so the revert outlives the
// process the same way an explicit kill switch flip does.
func (o *Operator) SetGovernorPersist(fn func(requireAuthorization bool) error) {
	o.persistGovernor = fn
}

// revertGovernor snaps the governor back to strict and makes the
// revert durable: a persisted relaxation must not outlive the failure
// that revoked it.
func (o *Operator) revertGovernor(cause string) {
	if !o.governor.Set(true, cause) {
		return
	}
	if o.persistGovernor == nil {
		return
	}
	if err := o.persistGovernor(true); err != nil {
		logging.ForgeError("Failed to persist governor revert: %v", err)
	}
}

// bind publishes a module's Invoke path as a registry skill.
func (o *Operator) bind(module invoker, identifier, description string) (bool, error) {
	skill := &dispatch.Skill{
		Name:        identifier,
		Description: description,
		Origin:      dispatch.OriginForged,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return module.Invoke(ctx, args)
		},
	}
	return o.registry.Bind(skill)
}

// Invoke dispatches a registered skill and audits the call.
func (o *Operator) Invoke(ctx context.Context, name string, args map[string]any) (*dispatch.SkillResult, error) {
	res, err := o.registry.Execute(ctx, name, args)
	if res != nil {
		errMsg := ""
		if res.Error != nil {
			errMsg = res.Error.Error()
		}
		logging.Audit().SkillInvoke(name, res.DurationMs, res.IsSuccess(), errMsg)
	}
	return res, err
}

// Registry exposes the dispatch registry for listing and direct calls.
func (o *Operator) Registry() *dispatch.Registry { return o.registry }

// Governor exposes the safety governor for the kill switch surface.
func (o *Operator) Governor() *SafetyGovernor { return o.governor }

// Ledger exposes the failure ledger, read-only in practice.
func (o *Operator) Ledger() *FailureLedger { return o.ledger }

// Module returns the live module backing an identifier, if any.
func (o *Operator) Module(identifier string) (invoker, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.modules[identifier]
	return m, ok
}

// appendOutcome writes one outcome row to the durable audit trail.
func (o *Operator) appendOutcome(change *ProposedChange, outcome, detail string) {
	if o.audit == nil {
		return
	}
	err := o.audit.Append(store.AuditRecord{
		ProposalID:   change.ID,
		Identifier:   change.TargetIdentifier,
		Rationale:    change.Rationale,
		DiffPreview:  change.DiffPreview,
		Status:       change.Status().String(),
		Severity:     change.Severity.String(),
		AuthorizedBy: change.AuthorizedBy,
		Outcome:      outcome,
		Detail:       detail,
	})
	if err != nil {
		logging.ForgeDebug("Failed to append outcome %s for %s: %v", outcome, change.TargetIdentifier, err)
	}
}
