package forge

import (
	"fmt"
	"time"
)

// The Forge surfaces five error kinds. All are structured and
// inspectable with errors.As; none are retried automatically and none
// abort the host process.

// DeadEndError reports a ledger hit: this exact source text already
// failed and will not be recompiled. Not retryable with the same text.
type DeadEndError struct {
	Identifier  string
	Reason      string
	FirstSeen   time.Time
	Occurrences int
}

func (e *DeadEndError) Error() string {
	return fmt.Sprintf("dead end for %s: source previously failed (%s), seen %d time(s) since %s",
		e.Identifier, e.Reason, e.Occurrences, e.FirstSeen.Format(time.RFC3339))
}

// NotAuthorizedError reports a human or policy denial. Not retryable
// without new source text or new approval.
type NotAuthorizedError struct {
	Identifier string
	Reason     string
}

func (e *NotAuthorizedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("change to %s not authorized", e.Identifier)
	}
	return fmt.Sprintf("change to %s not authorized: %s", e.Identifier, e.Reason)
}

// CompileError reports a failed toolchain invocation with the
// diagnostic output captured verbatim. Retryable with corrected text.
type CompileError struct {
	Identifier  string
	Diagnostics string
	ExitErr     error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed for %s: %v\n%s", e.Identifier, e.ExitErr, e.Diagnostics)
}

func (e *CompileError) Unwrap() error { return e.ExitErr }

// LoadError reports an artifact that could not be loaded or that does
// not export the required entry points. Retryable with corrected text.
type LoadError struct {
	ArtifactPath string
	Missing      string // entry point name when symbol resolution failed
	Cause        error
}

func (e *LoadError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("load failed for %s: missing entry point %q", e.ArtifactPath, e.Missing)
	}
	return fmt.Sprintf("load failed for %s: %v", e.ArtifactPath, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }

// InvokeError reports a malformed argument or result payload at call
// time. The module stays loaded and registered.
type InvokeError struct {
	Identifier string
	Detail     string
	Cause      error
}

func (e *InvokeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invoke failed for %s: %s: %v", e.Identifier, e.Detail, e.Cause)
	}
	return fmt.Sprintf("invoke failed for %s: %s", e.Identifier, e.Detail)
}

func (e *InvokeError) Unwrap() error { return e.Cause }
