package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// hourBucket formats a timestamp to the hourly aggregation key.
func hourBucket(t time.Time) string { return t.UTC().Format("2006-01-02T15") }

// SessionDelta is the per-session slice of one ingested batch.
type SessionDelta struct {
	FirstTs    time.Time
	LastTs     time.Time
	Total      int
	Approvals  int
	Blocks     int
	GateBlocks int
	GateAllows int
	Skips      int
	Tasks      int
}

// BatchSummary describes one ingested batch; the detector consumes it.
type BatchSummary struct {
	Count     int
	ByType    map[string]int
	BySession map[string]SessionDelta
	Start     time.Time
	End       time.Time
}

// SessionSummary is the stored per-session aggregate.
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	FirstTs    time.Time `json:"first_ts"`
	LastTs     time.Time `json:"last_ts"`
	Total      int       `json:"total"`
	Approvals  int       `json:"approvals"`
	Blocks     int       `json:"blocks"`
	GateBlocks int       `json:"gate_blocks"`
	GateAllows int       `json:"gate_allows"`
	Skips      int       `json:"skips"`
	Tasks      int       `json:"tasks"`
}

// Recommendation is advice produced by the escalation chain, keyed by
// anomaly type and origin tier.
type Recommendation struct {
	AnomalyType   string    `json:"anomaly_type"`
	Tier          string    `json:"tier"` // triage | analysis | deep_dive
	Suggestion    string    `json:"suggestion"`
	EvidenceCount int       `json:"evidence_count"`
	Status        string    `json:"status"` // active | applied | dismissed
	UpdatedAt     time.Time `json:"updated_at"`
}

// Stats is the rolling-statistics store: SQLite with WAL by default, or
// PostgreSQL when the DSN carries a postgres:// prefix. All writes are
// batched upserts so replaying a batch converges instead of double counting
// first/last timestamps.
type Stats struct {
	db         *sql.DB
	isPostgres bool
}

// statsRebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func statsRebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewStats opens (creating if needed) the statistics database.
func NewStats(dsn string) (*Stats, error) {
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open stats db: %w", err)
		}
	} else {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create stats directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open stats db: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if err := createStatsTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Stats{db: db, isPostgres: isPostgres}, nil
}

// Close closes the underlying database.
func (s *Stats) Close() error { return s.db.Close() }

func createStatsTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS event_counts (
			bucket TEXT NOT NULL,
			event_type TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket, event_type)
		)`,
		`CREATE TABLE IF NOT EXISTS session_summaries (
			session_id TEXT PRIMARY KEY,
			first_ts TEXT NOT NULL,
			last_ts TEXT NOT NULL,
			total INTEGER NOT NULL DEFAULT 0,
			approvals INTEGER NOT NULL DEFAULT 0,
			blocks INTEGER NOT NULL DEFAULT 0,
			gate_blocks INTEGER NOT NULL DEFAULT 0,
			gate_allows INTEGER NOT NULL DEFAULT 0,
			skips INTEGER NOT NULL DEFAULT 0,
			tasks INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS metric_windows (
			metric_name TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end TEXT NOT NULL,
			value REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			PRIMARY KEY (metric_name, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			detected_at TEXT NOT NULL,
			type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			metric_values TEXT,
			context TEXT,
			escalated INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS recommendations (
			anomaly_type TEXT NOT NULL,
			tier TEXT NOT NULL,
			suggestion TEXT NOT NULL,
			evidence_count INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'active',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (anomaly_type, tier)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create stats tables: %w", err)
		}
	}
	return nil
}

// IngestBatch aggregates one batch of events into the rolling tables and
// returns the batch summary for the detector.
func (s *Stats) IngestBatch(ctx context.Context, events []Event) (*BatchSummary, error) {
	summary := summarize(events)
	if summary.Count == 0 {
		return summary, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Hourly event counts.
	counts := map[string]map[string]int{}
	for _, ev := range events {
		bucket := hourBucket(ev.Time())
		if counts[bucket] == nil {
			counts[bucket] = map[string]int{}
		}
		counts[bucket][ev.Type]++
	}
	for bucket, byType := range counts {
		for eventType, n := range byType {
			if _, err := tx.ExecContext(ctx, statsRebind(s.isPostgres,
				`INSERT INTO event_counts (bucket, event_type, count) VALUES (?, ?, ?)
				 ON CONFLICT(bucket, event_type) DO UPDATE SET count = event_counts.count + excluded.count`),
				bucket, eventType, n); err != nil {
				return nil, fmt.Errorf("upsert event_counts: %w", err)
			}
		}
	}

	// Per-session summaries. The timestamp widening needs scalar min/max,
	// which PostgreSQL spells LEAST/GREATEST.
	minFn, maxFn := "MIN", "MAX"
	if s.isPostgres {
		minFn, maxFn = "LEAST", "GREATEST"
	}
	sessionUpsert := fmt.Sprintf(
		`INSERT INTO session_summaries
		 (session_id, first_ts, last_ts, total, approvals, blocks, gate_blocks, gate_allows, skips, tasks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   first_ts = %s(session_summaries.first_ts, excluded.first_ts),
		   last_ts = %s(session_summaries.last_ts, excluded.last_ts),
		   total = session_summaries.total + excluded.total,
		   approvals = session_summaries.approvals + excluded.approvals,
		   blocks = session_summaries.blocks + excluded.blocks,
		   gate_blocks = session_summaries.gate_blocks + excluded.gate_blocks,
		   gate_allows = session_summaries.gate_allows + excluded.gate_allows,
		   skips = session_summaries.skips + excluded.skips,
		   tasks = session_summaries.tasks + excluded.tasks`, minFn, maxFn)
	for sessionID, d := range summary.BySession {
		if _, err := tx.ExecContext(ctx, statsRebind(s.isPostgres, sessionUpsert),
			sessionID,
			d.FirstTs.Format(time.RFC3339Nano), d.LastTs.Format(time.RFC3339Nano),
			d.Total, d.Approvals, d.Blocks, d.GateBlocks, d.GateAllows, d.Skips, d.Tasks); err != nil {
			return nil, fmt.Errorf("upsert session_summaries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ingest: %w", err)
	}
	return summary, nil
}

func summarize(events []Event) *BatchSummary {
	summary := &BatchSummary{
		Count:     len(events),
		ByType:    map[string]int{},
		BySession: map[string]SessionDelta{},
	}
	for _, ev := range events {
		t := ev.Time()
		if summary.Start.IsZero() || t.Before(summary.Start) {
			summary.Start = t
		}
		if t.After(summary.End) {
			summary.End = t
		}
		summary.ByType[ev.Type]++

		if ev.SessionID == "" {
			continue
		}
		d := summary.BySession[ev.SessionID]
		if d.FirstTs.IsZero() || t.Before(d.FirstTs) {
			d.FirstTs = t
		}
		if t.After(d.LastTs) {
			d.LastTs = t
		}
		d.Total++
		switch ev.Type {
		case EventReviewApproved:
			d.Approvals++
		case EventReviewBlocked:
			d.Blocks++
		case EventGateBlock:
			d.GateBlocks++
		case EventGateAllow:
			d.GateAllows++
		case EventHookSkipped:
			d.Skips++
		case EventTaskIntercepted:
			d.Tasks++
		}
		summary.BySession[ev.SessionID] = d
	}
	return summary
}

// RecordMetric folds a sample into the metric's hourly window as a weighted
// running mean.
func (s *Stats) RecordMetric(ctx context.Context, name string, at time.Time, value float64) error {
	start := at.UTC().Truncate(time.Hour)
	end := start.Add(time.Hour)
	_, err := s.db.ExecContext(ctx, statsRebind(s.isPostgres,
		`INSERT INTO metric_windows (metric_name, window_start, window_end, value, sample_count)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT(metric_name, window_start) DO UPDATE SET
		   value = (metric_windows.value * metric_windows.sample_count + excluded.value) / (metric_windows.sample_count + 1),
		   sample_count = metric_windows.sample_count + 1`),
		name, start.Format(time.RFC3339), end.Format(time.RFC3339), value)
	if err != nil {
		return fmt.Errorf("record metric %s: %w", name, err)
	}
	return nil
}

// RecordAnomaly stores an anomaly. Idempotent: replaying the same id
// replaces the row rather than duplicating it.
func (s *Stats) RecordAnomaly(ctx context.Context, a *Anomaly) error {
	metricValues, _ := json.Marshal(a.MetricValues)
	contextJSON, _ := json.Marshal(a.Context)
	escalated := 0
	if a.Escalated {
		escalated = 1
	}
	_, err := s.db.ExecContext(ctx, statsRebind(s.isPostgres,
		`INSERT INTO anomalies (id, detected_at, type, severity, description, metric_values, context, escalated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   detected_at = excluded.detected_at,
		   type = excluded.type,
		   severity = excluded.severity,
		   description = excluded.description,
		   metric_values = excluded.metric_values,
		   context = excluded.context,
		   escalated = excluded.escalated`),
		a.ID, a.DetectedAt.Format(time.RFC3339Nano), a.Type, string(a.Severity),
		a.Description, string(metricValues), string(contextJSON), escalated)
	if err != nil {
		return fmt.Errorf("record anomaly: %w", err)
	}
	return nil
}

// RecentAnomalies returns anomalies detected after since, newest first.
func (s *Stats) RecentAnomalies(ctx context.Context, since time.Time) ([]Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, statsRebind(s.isPostgres,
		`SELECT id, detected_at, type, severity, description, metric_values, context, escalated
		 FROM anomalies WHERE detected_at > ? ORDER BY detected_at DESC`),
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("recent anomalies: %w", err)
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var a Anomaly
		var detectedAt string
		var metricValues, contextJSON sql.NullString
		var escalated int
		if err := rows.Scan(&a.ID, &detectedAt, &a.Type, (*string)(&a.Severity),
			&a.Description, &metricValues, &contextJSON, &escalated); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		a.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedAt)
		if metricValues.Valid {
			json.Unmarshal([]byte(metricValues.String), &a.MetricValues) //nolint:errcheck
		}
		if contextJSON.Valid {
			json.Unmarshal([]byte(contextJSON.String), &a.Context) //nolint:errcheck
		}
		a.Escalated = escalated != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// StoreRecommendation upserts a recommendation. Repeated advice for the
// same anomaly type and tier bumps the evidence count.
func (s *Stats) StoreRecommendation(ctx context.Context, r *Recommendation) error {
	if r.Status == "" {
		r.Status = "active"
	}
	_, err := s.db.ExecContext(ctx, statsRebind(s.isPostgres,
		`INSERT INTO recommendations (anomaly_type, tier, suggestion, evidence_count, status, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(anomaly_type, tier) DO UPDATE SET
		   suggestion = excluded.suggestion,
		   evidence_count = recommendations.evidence_count + 1,
		   status = excluded.status,
		   updated_at = excluded.updated_at`),
		r.AnomalyType, r.Tier, r.Suggestion, r.Status,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store recommendation: %w", err)
	}
	return nil
}

// GetRecommendations returns recommendations, active first, most evidence
// first.
func (s *Stats) GetRecommendations(ctx context.Context) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT anomaly_type, tier, suggestion, evidence_count, status, updated_at
		 FROM recommendations
		 ORDER BY CASE status WHEN 'active' THEN 0 ELSE 1 END, evidence_count DESC`)
	if err != nil {
		return nil, fmt.Errorf("get recommendations: %w", err)
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		var r Recommendation
		var updated string
		if err := rows.Scan(&r.AnomalyType, &r.Tier, &r.Suggestion, &r.EvidenceCount, &r.Status, &updated); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSessionSummary returns one session's aggregate, or nil when unknown.
func (s *Stats) GetSessionSummary(ctx context.Context, sessionID string) (*SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, statsRebind(s.isPostgres,
		`SELECT session_id, first_ts, last_ts, total, approvals, blocks, gate_blocks, gate_allows, skips, tasks
		 FROM session_summaries WHERE session_id = ?`), sessionID)
	sum, err := scanSessionSummary(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sum, err
}

// RecentSessionSummaries returns sessions active after since.
func (s *Stats) RecentSessionSummaries(ctx context.Context, since time.Time) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, statsRebind(s.isPostgres,
		`SELECT session_id, first_ts, last_ts, total, approvals, blocks, gate_blocks, gate_allows, skips, tasks
		 FROM session_summaries WHERE last_ts > ? ORDER BY last_ts DESC`),
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		sum, err := scanSessionSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sum)
	}
	return out, rows.Err()
}

func scanSessionSummary(row interface{ Scan(...any) error }) (*SessionSummary, error) {
	var sum SessionSummary
	var first, last string
	if err := row.Scan(&sum.SessionID, &first, &last, &sum.Total, &sum.Approvals,
		&sum.Blocks, &sum.GateBlocks, &sum.GateAllows, &sum.Skips, &sum.Tasks); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan session summary: %w", err)
	}
	sum.FirstTs, _ = time.Parse(time.RFC3339Nano, first)
	sum.LastTs, _ = time.Parse(time.RFC3339Nano, last)
	return &sum, nil
}

// EventCountsSince returns per-type totals across hourly buckets newer than
// since, sorted by count descending.
func (s *Stats) EventCountsSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, statsRebind(s.isPostgres,
		`SELECT event_type, SUM(count) FROM event_counts WHERE bucket >= ? GROUP BY event_type`),
		hourBucket(since))
	if err != nil {
		return nil, fmt.Errorf("event counts: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		out[eventType] = n
	}
	return out, rows.Err()
}

// Prune deletes aggregates older than the cutoff. Session summaries go by
// last activity; recommendations are kept.
func (s *Stats) Prune(ctx context.Context, olderThan time.Time) error {
	cutoffBucket := hourBucket(olderThan)
	cutoffTs := olderThan.UTC().Format(time.RFC3339Nano)

	stmts := []struct {
		query string
		arg   string
	}{
		{`DELETE FROM event_counts WHERE bucket < ?`, cutoffBucket},
		{`DELETE FROM session_summaries WHERE last_ts < ?`, cutoffTs},
		{`DELETE FROM metric_windows WHERE window_end < ?`, olderThan.UTC().Format(time.RFC3339)},
		{`DELETE FROM anomalies WHERE detected_at < ?`, cutoffTs},
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, statsRebind(s.isPostgres, st.query), st.arg); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	return nil
}

// sortedTypes returns the batch's event types, highest count first. Used by
// prompts so output is deterministic.
func (b *BatchSummary) sortedTypes() []string {
	types := make([]string, 0, len(b.ByType))
	for t := range b.ByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if b.ByType[types[i]] != b.ByType[types[j]] {
			return b.ByType[types[i]] > b.ByType[types[j]]
		}
		return types[i] < types[j]
	})
	return types
}
