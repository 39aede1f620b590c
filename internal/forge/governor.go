package forge

import (
	"sync/atomic"

	"skillforge/internal/logging"
)

// SafetyGovernor is the process-wide flag controlling whether
// authorization is required before a change proceeds. The flag is the
// entire shared state, so a single atomic suffices; Set is safe to call
// reentrantly from failure-handling paths.
type SafetyGovernor struct {
	requireAuthorization atomic.Bool
}

// NewSafetyGovernor returns a governor in the given starting posture.
// The default posture for a new deployment is strict (true).
func NewSafetyGovernor(requireAuthorization bool) *SafetyGovernor {
	g := &SafetyGovernor{}
	g.requireAuthorization.Store(requireAuthorization)
	return g
}

// IsEnabled reports whether authorization is currently required.
func (g *SafetyGovernor) IsEnabled() bool {
	return g.requireAuthorization.Load()
}

// Set flips the flag and reports whether the posture actually changed.
// cause is recorded in the audit log so a kill switch flip and an
// auto-revert are distinguishable.
func (g *SafetyGovernor) Set(enabled bool, cause string) bool {
	prev := g.requireAuthorization.Swap(enabled)
	if prev != enabled {
		logging.Governor("require_authorization %v -> %v (%s)", prev, enabled, cause)
		logging.Audit().GovernorFlip(enabled, cause)
	}
	return prev != enabled
}
