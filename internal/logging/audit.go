// Package logging provides debug audit logging for the Forge pipeline.
// Audit events are JSON lines written to the daily audit log; they mirror
// the durable records the store writes, but are gated on debug mode and
// meant for operator inspection, not for the audit sink of record.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Pipeline lifecycle events
	AuditProposalCreated AuditEventType = "proposal_created"
	AuditLedgerHit       AuditEventType = "ledger_hit"
	AuditLedgerRecord    AuditEventType = "ledger_record"
	AuditDecision        AuditEventType = "decision"
	AuditCompileStart    AuditEventType = "compile_start"
	AuditCompileDone     AuditEventType = "compile_done"
	AuditLoadDone        AuditEventType = "load_done"
	AuditRegistered      AuditEventType = "registered"
	AuditRolledBack      AuditEventType = "rolled_back"

	// Governor events
	AuditGovernorFlip AuditEventType = "governor_flip"

	// Invocation events
	AuditSkillInvoke AuditEventType = "skill_invoke"
	AuditSkillError  AuditEventType = "skill_error"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	ProposalID string                 `json:"proposal,omitempty"`
	Identifier string                 `json:"identifier,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging.
type AuditLogger struct{}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// ProposalCreated logs creation of a proposed change.
func (a *AuditLogger) ProposalCreated(proposalID, identifier, severity string) {
	a.Log(AuditEvent{
		EventType:  AuditProposalCreated,
		ProposalID: proposalID,
		Identifier: identifier,
		Severity:   severity,
		Success:    true,
		Message:    fmt.Sprintf("Proposal created: %s (%s, severity=%s)", proposalID, identifier, severity),
	})
}

// LedgerHit logs a short-circuited dead end.
func (a *AuditLogger) LedgerHit(proposalID, identifier, reason string, occurrences int) {
	a.Log(AuditEvent{
		EventType:  AuditLedgerHit,
		ProposalID: proposalID,
		Identifier: identifier,
		Success:    false,
		Error:      reason,
		Fields:     map[string]interface{}{"occurrences": occurrences},
		Message:    fmt.Sprintf("Ledger hit for %s: %s (seen %d times)", identifier, reason, occurrences),
	})
}

// Decision logs an authorization decision.
func (a *AuditLogger) Decision(proposalID, identifier, status, authorizedBy string) {
	a.Log(AuditEvent{
		EventType:  AuditDecision,
		ProposalID: proposalID,
		Identifier: identifier,
		Status:     status,
		Success:    status == "authorized",
		Fields:     map[string]interface{}{"authorized_by": authorizedBy},
		Message:    fmt.Sprintf("Decision for %s: %s (by %s)", identifier, status, authorizedBy),
	})
}

// CompileDone logs a toolchain invocation result.
func (a *AuditLogger) CompileDone(proposalID, identifier string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditCompileDone,
		ProposalID: proposalID,
		Identifier: identifier,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Compile %s: success=%v (%dms)", identifier, success, durationMs),
	})
}

// LoadDone logs a module load result.
func (a *AuditLogger) LoadDone(proposalID, identifier, artifactPath string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditLoadDone,
		ProposalID: proposalID,
		Identifier: identifier,
		Success:    success,
		Error:      errMsg,
		Fields:     map[string]interface{}{"artifact": artifactPath},
		Message:    fmt.Sprintf("Load %s: success=%v (%s)", identifier, success, artifactPath),
	})
}

// Registered logs a successful registry bind.
func (a *AuditLogger) Registered(proposalID, identifier string, replaced bool) {
	a.Log(AuditEvent{
		EventType:  AuditRegistered,
		ProposalID: proposalID,
		Identifier: identifier,
		Success:    true,
		Fields:     map[string]interface{}{"replaced": replaced},
		Message:    fmt.Sprintf("Registered skill %s (replaced=%v)", identifier, replaced),
	})
}

// RolledBack logs a pipeline rollback.
func (a *AuditLogger) RolledBack(proposalID, identifier, stage, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditRolledBack,
		ProposalID: proposalID,
		Identifier: identifier,
		Success:    false,
		Error:      errMsg,
		Fields:     map[string]interface{}{"stage": stage},
		Message:    fmt.Sprintf("Rolled back %s at %s: %s", identifier, stage, errMsg),
	})
}

// GovernorFlip logs a safety governor state change.
func (a *AuditLogger) GovernorFlip(enabled bool, cause string) {
	a.Log(AuditEvent{
		EventType: AuditGovernorFlip,
		Success:   true,
		Fields:    map[string]interface{}{"require_authorization": enabled, "cause": cause},
		Message:   fmt.Sprintf("Governor set require_authorization=%v (%s)", enabled, cause),
	})
}

// SkillInvoke logs a skill invocation.
func (a *AuditLogger) SkillInvoke(identifier string, durationMs int64, success bool, errMsg string) {
	eventType := AuditSkillInvoke
	if !success {
		eventType = AuditSkillError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Identifier: identifier,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Invoke %s: success=%v (%dms)", identifier, success, durationMs),
	})
}
