// Package forge implements the self-modifying capability loader: candidate
// skill source enters as an opaque string, passes a content-addressed
// failure ledger and a human authorization gate, is compiled into a
// loadable artifact by the external toolchain, loaded into the running
// process, and registered with the dispatch layer. Any failure rolls the
// request back and tightens the safety posture.
package forge

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Severity grades a proposed change by static inspection of its source.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Status is the authorization state of a proposed change.
// Pending transitions exactly once to Authorized or Denied; both are
// terminal.
type Status int

const (
	StatusPending Status = iota
	StatusAuthorized
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAuthorized:
		return "authorized"
	case StatusDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// ProposedChange is a candidate capability awaiting a decision.
type ProposedChange struct {
	// ID correlates audit records across the pipeline.
	ID string

	// TargetIdentifier names the artifact/module; used for file naming
	// and as the registry key.
	TargetIdentifier string

	// SourceText is the full candidate source.
	SourceText string

	// Rationale is the requester's human-readable justification.
	Rationale string

	// DiffPreview is a bounded excerpt of the source for human review.
	DiffPreview string

	// Severity is derived by static pattern inspection of SourceText.
	Severity Severity

	// Timestamp is the creation time.
	Timestamp time.Time

	// AuthorizedBy records who rendered the decision: "human" for the
	// interactive path, "governor" for autonomous mode.
	AuthorizedBy string

	mu     sync.Mutex
	status Status
}

// NewProposedChange builds a proposal with a fresh ID, a bounded diff
// preview and a classified severity.
func NewProposedChange(identifier, sourceText, rationale string, previewLines int) *ProposedChange {
	return &ProposedChange{
		ID:               uuid.NewString(),
		TargetIdentifier: identifier,
		SourceText:       sourceText,
		Rationale:        rationale,
		DiffPreview:      buildDiffPreview(sourceText, previewLines),
		Severity:         ClassifySeverity(sourceText),
		Timestamp:        time.Now(),
		status:           StatusPending,
	}
}

// Status returns the current authorization state.
func (p *ProposedChange) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// setStatus performs the single Pending -> terminal transition.
// A second transition attempt is a programming error and is rejected.
func (p *ProposedChange) setStatus(next Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusPending {
		return fmt.Errorf("proposal %s already %s, cannot transition to %s", p.ID, p.status, next)
	}
	if next == StatusPending {
		return fmt.Errorf("proposal %s cannot transition back to pending", p.ID)
	}
	p.status = next
	return nil
}

// buildDiffPreview returns at most maxLines lines of the source, capped
// at 2 KiB, so human review stays tractable.
func buildDiffPreview(source string, maxLines int) string {
	if maxLines <= 0 {
		maxLines = 24
	}
	const maxBytes = 2048

	lines := strings.Split(source, "\n")
	truncated := false
	if len(lines) > maxLines {
		lines = lines[:maxLines]
		truncated = true
	}
	preview := strings.Join(lines, "\n")
	if len(preview) > maxBytes {
		// Back off to a rune boundary so the preview stays valid UTF-8.
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
		truncated = true
	}
	if truncated {
		preview += "\n... (truncated)"
	}
	return preview
}

// LoadedModule is a successfully activated capability. The loader
// exclusively owns the in-process handle; callers only ever see the
// Invoke path. Modules are never unloaded while the process runs.
type LoadedModule struct {
	Identifier   string
	ArtifactPath string
	LoadTime     time.Time

	// handle wraps the two resolved entry points.
	handle entryPoints
}

// Stage identifies where in the pipeline a request is.
type Stage int

const (
	StageProposed Stage = iota
	StageLedgerChecked
	StageReviewed
	StageCompiled
	StageLoaded
	StageRegistered
	StageRolledBack
)

func (s Stage) String() string {
	switch s {
	case StageProposed:
		return "proposed"
	case StageLedgerChecked:
		return "ledger_checked"
	case StageReviewed:
		return "reviewed"
	case StageCompiled:
		return "compiled"
	case StageLoaded:
		return "loaded"
	case StageRegistered:
		return "registered"
	case StageRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Result is the outcome of a complete pipeline run.
type Result struct {
	ProposalID string
	Identifier string
	Stage      Stage
	Severity   Severity
	Status     Status
	Artifact   string
	Duration   time.Duration
}
