// Package store persists the Forge's durable state to SQLite: the audit
// trail of authorization decisions and pipeline outcomes, and the
// content-addressed failure ledger.
//
// The Forge only ever writes audit records; it never reads them back.
// Ledger rows are read once at boot to warm the in-memory ledger.
//
// Storage location: .forge/forge.db
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"skillforge/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// AuditStore persists decisions, outcomes and ledger entries to SQLite.
type AuditStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// AuditRecord is one row of the audit trail. One record is written per
// authorization decision and one per pipeline outcome.
type AuditRecord struct {
	ID           int64
	ProposalID   string
	Identifier   string
	Rationale    string
	DiffPreview  string
	Status       string // pending/authorized/denied
	Severity     string // info/warning/critical
	AuthorizedBy string // human | governor, empty for outcome-only rows
	Outcome      string // decision | registered | dead_end | not_authorized | compile_failed | load_failed
	Detail       string // diagnostics or denial reason
	CreatedAt    time.Time
}

// LedgerRow is the persisted form of a failure ledger entry.
type LedgerRow struct {
	SourceHash      string
	Reason          string
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int
}

// NewAuditStore creates (or opens) the audit database at the given path.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	logging.StoreDebug("Initializing AuditStore at path: %s", dbPath)

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create AuditStore directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open AuditStore database at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	store := &AuditStore{db: db, dbPath: dbPath}
	if err := store.initialize(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to initialize AuditStore schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("AuditStore initialized at %s", dbPath)
	return store, nil
}

// initialize creates the database schema.
func (s *AuditStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		proposal_id TEXT NOT NULL,
		identifier TEXT NOT NULL,
		rationale TEXT,
		diff_preview TEXT,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		authorized_by TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_identifier ON audit_records(identifier);
	CREATE INDEX IF NOT EXISTS idx_audit_records_proposal ON audit_records(proposal_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_created ON audit_records(created_at);

	CREATE TABLE IF NOT EXISTS failure_ledger (
		source_hash TEXT PRIMARY KEY,
		reason TEXT NOT NULL,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		occurrence_count INTEGER NOT NULL DEFAULT 1
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append persists an audit record. Records are never updated or deleted.
func (s *AuditStore) Append(rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO audit_records
		(proposal_id, identifier, rationale, diff_preview, status, severity, authorized_by, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ProposalID, rec.Identifier, rec.Rationale, rec.DiffPreview,
		rec.Status, rec.Severity, rec.AuthorizedBy, rec.Outcome, rec.Detail,
	)

	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append audit record for %s: %v", rec.Identifier, err)
		return err
	}

	logging.StoreDebug("Appended audit record: %s (outcome=%s, status=%s)", rec.Identifier, rec.Outcome, rec.Status)
	return nil
}

// Recent returns the N most recent audit records, newest first.
func (s *AuditStore) Recent(limit int) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, proposal_id, identifier, rationale, diff_preview, status,
		       severity, authorized_by, outcome, detail, created_at
		FROM audit_records ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditRecords(rows)
}

// ByIdentifier returns all audit records for an identifier, newest first.
func (s *AuditStore) ByIdentifier(identifier string) ([]AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, proposal_id, identifier, rationale, diff_preview, status,
		       severity, authorized_by, outcome, detail, created_at
		FROM audit_records WHERE identifier = ? ORDER BY created_at DESC, id DESC`, identifier)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanAuditRecords(rows)
}

func scanAuditRecords(rows *sql.Rows) ([]AuditRecord, error) {
	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.ProposalID, &rec.Identifier, &rec.Rationale,
			&rec.DiffPreview, &rec.Status, &rec.Severity, &rec.AuthorizedBy,
			&rec.Outcome, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertLedger records a failure keyed by source hash. A repeated
// identical failure bumps occurrence_count and last_seen rather than
// inserting a duplicate.
func (s *AuditStore) UpsertLedger(row LedgerRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO failure_ledger (source_hash, reason, first_seen, last_seen, occurrence_count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(source_hash) DO UPDATE SET
			reason = excluded.reason,
			last_seen = excluded.last_seen,
			occurrence_count = occurrence_count + 1`,
		row.SourceHash, row.Reason, now, now,
	)

	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to upsert ledger row %s: %v", row.SourceHash, err)
		return err
	}

	logging.StoreDebug("Upserted ledger row: %s", row.SourceHash)
	return nil
}

// LoadLedger returns all persisted ledger rows; used to warm the
// in-memory ledger at boot.
func (s *AuditStore) LoadLedger() ([]LedgerRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT source_hash, reason, first_seen, last_seen, occurrence_count
		FROM failure_ledger`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerRow
	for rows.Next() {
		var row LedgerRow
		if err := rows.Scan(&row.SourceHash, &row.Reason, &row.FirstSeen, &row.LastSeen, &row.OccurrenceCount); err != nil {
			return nil, err
		}
		entries = append(entries, row)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
