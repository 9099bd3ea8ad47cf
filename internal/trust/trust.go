// Package trust records quality-tool findings with a tamper-evident
// dismissal trail and aggregates them into release gates. The engine is
// intentionally skeptical: an open finding blocks by default, and a
// dismissal must name who dismissed it and why.
package trust

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// FindingStatus is a finding's lifecycle state.
type FindingStatus string

const (
	FindingOpen      FindingStatus = "open"
	FindingDismissed FindingStatus = "dismissed"
	FindingResolved  FindingStatus = "resolved"
)

// Severity levels, ordered critical > high > medium > low > info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// Rank returns the severity's ordinal; unknown severities rank lowest.
func (s Severity) Rank() int { return severityRank[s] }

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.Rank() >= other.Rank() }

// DecisionKind is the trust classification for a finding.
type DecisionKind string

const (
	DecisionBlock DecisionKind = "BLOCK"
	DecisionTrack DecisionKind = "TRACK"
)

// Finding is a quality-tool finding.
type Finding struct {
	ID                     string        `json:"id"`
	Tool                   string        `json:"tool"`
	Severity               Severity      `json:"severity"`
	Component              string        `json:"component"`
	Description            string        `json:"description"`
	CreatedAt              time.Time     `json:"created_at"`
	Status                 FindingStatus `json:"status"`
	DismissedBy            string        `json:"dismissed_by,omitempty"`
	DismissalJustification string        `json:"dismissal_justification,omitempty"`
	DismissedAt            *time.Time    `json:"dismissed_at,omitempty"`
}

// Dismissal is one entry in a finding's dismissal history.
type Dismissal struct {
	FindingID     string    `json:"finding_id"`
	DismissedBy   string    `json:"dismissed_by"`
	Justification string    `json:"justification"`
	DismissedAt   time.Time `json:"dismissed_at"`
}

// TrustDecision classifies a finding for gate purposes.
type TrustDecision struct {
	FindingID string       `json:"finding_id"`
	Decision  DecisionKind `json:"decision"`
	Rationale string       `json:"rationale"`
}

// Engine persists findings and their dismissal audit trail.
type Engine struct {
	db *sql.DB
}

// NewEngine opens (creating if needed) the trust database at dsn.
func NewEngine(dsn string) (*Engine, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open trust db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Engine{db: db}, nil
}

// Close closes the underlying database.
func (e *Engine) Close() error { return e.db.Close() }

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			severity TEXT NOT NULL,
			component TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			dismissed_by TEXT,
			dismissal_justification TEXT,
			dismissed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS dismissal_history (
			finding_id TEXT NOT NULL,
			dismissed_by TEXT NOT NULL,
			justification TEXT NOT NULL,
			dismissed_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_dismissals_finding ON dismissal_history(finding_id)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("create trust tables: %w", err)
		}
	}
	return nil
}

// RecordFinding stores a new finding. Re-recording an existing id is a
// no-op so tools can re-run safely; the stored finding and its dismissal
// state win.
func (e *Engine) RecordFinding(ctx context.Context, f *Finding) error {
	if f.ID == "" {
		return fmt.Errorf("finding id is required")
	}
	if f.Tool == "" {
		return fmt.Errorf("finding tool is required")
	}
	if f.Severity.Rank() == 0 {
		return fmt.Errorf("unknown severity %q", f.Severity)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.Status == "" {
		f.Status = FindingOpen
	}
	_, err := e.db.ExecContext(ctx,
		`INSERT INTO findings (id, tool, severity, component, description, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		f.ID, f.Tool, string(f.Severity), f.Component, f.Description,
		f.CreatedAt.Format(time.RFC3339Nano), string(f.Status))
	if err != nil {
		return fmt.Errorf("record finding: %w", err)
	}
	return nil
}

// GetFinding returns a finding by id, or nil when unknown.
func (e *Engine) GetFinding(ctx context.Context, id string) (*Finding, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT id, tool, severity, component, description, created_at, status,
		        dismissed_by, dismissal_justification, dismissed_at
		 FROM findings WHERE id = ?`, id)
	f, err := scanFinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ListFindings returns findings, optionally filtered by status.
func (e *Engine) ListFindings(ctx context.Context, status FindingStatus) ([]Finding, error) {
	query := `SELECT id, tool, severity, component, description, created_at, status,
	                 dismissed_by, dismissal_justification, dismissed_at
	          FROM findings`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// RecordDismissal dismisses a finding. The justification must be non-empty
// after trimming whitespace. Every successful call appends one
// dismissal_history row.
func (e *Engine) RecordDismissal(ctx context.Context, findingID, dismissedBy, justification string) error {
	if strings.TrimSpace(justification) == "" {
		return fmt.Errorf("dismissal justification must be a non-empty string")
	}
	if dismissedBy == "" {
		return fmt.Errorf("dismissed_by is required")
	}

	f, err := e.GetFinding(ctx, findingID)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("finding %q not found", findingID)
	}

	now := time.Now().UTC()
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dismissal: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE findings
		 SET status = ?, dismissed_by = ?, dismissal_justification = ?, dismissed_at = ?
		 WHERE id = ?`,
		string(FindingDismissed), dismissedBy, justification,
		now.Format(time.RFC3339Nano), findingID); err != nil {
		return fmt.Errorf("dismiss finding: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dismissal_history (finding_id, dismissed_by, justification, dismissed_at)
		 VALUES (?, ?, ?, ?)`,
		findingID, dismissedBy, justification, now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record dismissal history: %w", err)
	}
	return tx.Commit()
}

// GetDismissalHistory returns a finding's dismissals, oldest first.
func (e *Engine) GetDismissalHistory(ctx context.Context, findingID string) ([]Dismissal, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT finding_id, dismissed_by, justification, dismissed_at
		 FROM dismissal_history WHERE finding_id = ? ORDER BY dismissed_at`, findingID)
	if err != nil {
		return nil, fmt.Errorf("dismissal history: %w", err)
	}
	defer rows.Close()

	var out []Dismissal
	for rows.Next() {
		var d Dismissal
		var at string
		if err := rows.Scan(&d.FindingID, &d.DismissedBy, &d.Justification, &at); err != nil {
			return nil, fmt.Errorf("scan dismissal: %w", err)
		}
		d.DismissedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Decide returns the trust decision for a finding: BLOCK while open, TRACK
// once dismissed with the dismisser's justification as rationale.
func (e *Engine) Decide(ctx context.Context, findingID string) (*TrustDecision, error) {
	f, err := e.GetFinding(ctx, findingID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("finding %q not found", findingID)
	}
	if f.Status == FindingDismissed {
		return &TrustDecision{
			FindingID: findingID,
			Decision:  DecisionTrack,
			Rationale: fmt.Sprintf("dismissed by %s: %s", f.DismissedBy, f.DismissalJustification),
		}, nil
	}
	return &TrustDecision{
		FindingID: findingID,
		Decision:  DecisionBlock,
		Rationale: "default: tool findings presumed legitimate",
	}, nil
}

func scanFinding(row interface{ Scan(...any) error }) (*Finding, error) {
	var f Finding
	var created string
	var dismissedBy, justification, dismissedAt sql.NullString
	if err := row.Scan(&f.ID, &f.Tool, (*string)(&f.Severity), &f.Component,
		&f.Description, &created, (*string)(&f.Status),
		&dismissedBy, &justification, &dismissedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan finding: %w", err)
	}
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	f.DismissedBy = dismissedBy.String
	f.DismissalJustification = justification.String
	if dismissedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, dismissedAt.String)
		if err == nil {
			f.DismissedAt = &t
		}
	}
	return &f, nil
}
