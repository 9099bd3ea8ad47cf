package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store persists governance records to SQLite or PostgreSQL. The store owns
// all migrations: opening against an empty file creates the schema. Writes
// are serialized by the database driver; readers may run concurrently.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// StoreConfig configures the governance store.
type StoreConfig struct {
	// DSN is the data-source name. A postgres:// or postgresql:// prefix
	// selects the PostgreSQL backend (pgx); anything else is treated as a
	// SQLite file path.
	DSN string
}

// rebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func rebind(isPostgres bool, query string) string {
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

// NewStore opens (and migrates) the governance store.
func NewStore(cfg StoreConfig) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "governance.db"
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres database: %w", err)
		}
	} else {
		dir := filepath.Dir(dsn)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create governance directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open governance database: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db, isPostgres: isPostgres}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		agent TEXT,
		category TEXT NOT NULL,
		summary TEXT,
		detail TEXT,
		components_json TEXT,
		alternatives_json TEXT,
		confidence TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_task ON decisions(task_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_category ON decisions(category);

	CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		decision_id TEXT,
		plan_id TEXT,
		verdict TEXT NOT NULL,
		findings_json TEXT,
		guidance TEXT,
		standards_json TEXT,
		strengths_summary TEXT,
		reviewer TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_decision ON reviews(decision_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_plan ON reviews(plan_id);

	CREATE TABLE IF NOT EXISTS governed_tasks (
		task_id TEXT PRIMARY KEY,
		subject TEXT,
		description TEXT,
		context TEXT,
		current_status TEXT NOT NULL,
		session_id TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_governed_tasks_session ON governed_tasks(session_id);

	CREATE TABLE IF NOT EXISTS task_reviews (
		id TEXT PRIMARY KEY,
		review_task_id TEXT NOT NULL,
		impl_task_id TEXT NOT NULL,
		review_type TEXT NOT NULL,
		status TEXT NOT NULL,
		verdict TEXT,
		findings_json TEXT,
		guidance TEXT,
		context TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_task_reviews_impl ON task_reviews(impl_task_id);
	CREATE INDEX IF NOT EXISTS idx_task_reviews_review_task ON task_reviews(review_task_id);

	CREATE TABLE IF NOT EXISTS holistic_reviews (
		session_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		task_ids_json TEXT,
		collective_intent TEXT,
		verdict TEXT NOT NULL,
		findings_json TEXT,
		guidance TEXT,
		standards_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evolution_proposals (
		id TEXT PRIMARY KEY,
		target_entity TEXT NOT NULL,
		original_intent TEXT,
		proposed_change TEXT,
		rationale TEXT,
		criteria_json TEXT,
		evidence_json TEXT,
		status TEXT NOT NULL,
		worktree_branch TEXT,
		proposing_agent TEXT,
		review_verdict_json TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_entity ON evolution_proposals(target_entity);
	CREATE INDEX IF NOT EXISTS idx_proposals_status ON evolution_proposals(status);
	`
	_, err := db.Exec(schema)
	return err
}

// DB exposes the underlying connection for shared access (trust engine tests,
// gateway aggregates).
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

func marshalJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func unmarshalJSON[T any](raw sql.NullString) T {
	var out T
	if raw.Valid && raw.String != "" {
		json.Unmarshal([]byte(raw.String), &out) //nolint:errcheck
	}
	return out
}

// --- Decisions ---

// StoreDecision inserts a decision, assigning the next dense per-task
// sequence inside the same transaction. Fills ID and CreatedAt when unset.
func (s *Store) StoreDecision(ctx context.Context, d *Decision) error {
	if d.TaskID == "" {
		return fmt.Errorf("decision task_id is required")
	}
	if d.ID == "" {
		d.ID = "dec_" + uuid.New().String()[:8]
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin decision tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT MAX(sequence) FROM decisions WHERE task_id = ?`), d.TaskID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	d.Sequence = int(maxSeq.Int64) + 1

	_, err = tx.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO decisions (id, task_id, sequence, agent, category, summary, detail,
			components_json, alternatives_json, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		d.ID, d.TaskID, d.Sequence, d.Agent, string(d.Category), d.Summary, d.Detail,
		marshalJSON(d.ComponentsAffected), marshalJSON(d.AlternativesConsidered),
		string(d.Confidence), d.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return tx.Commit()
}

func scanDecision(scanner interface{ Scan(...any) error }) (Decision, error) {
	var d Decision
	var category, confidence, createdAt string
	var components, alternatives sql.NullString
	err := scanner.Scan(&d.ID, &d.TaskID, &d.Sequence, &d.Agent, &category,
		&d.Summary, &d.Detail, &components, &alternatives, &confidence, &createdAt)
	if err != nil {
		return d, err
	}
	d.Category = Category(category)
	d.Confidence = Confidence(confidence)
	d.ComponentsAffected = unmarshalJSON[[]string](components)
	d.AlternativesConsidered = unmarshalJSON[[]Alternative](alternatives)
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return d, nil
}

const decisionCols = `id, task_id, sequence, agent, category, summary, detail,
	components_json, alternatives_json, confidence, created_at`

// GetDecisionsForTask returns a task's decisions in sequence order.
func (s *Store) GetDecisionsForTask(ctx context.Context, taskID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres,
		`SELECT `+decisionCols+` FROM decisions WHERE task_id = ? ORDER BY sequence ASC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetDecision returns a single decision by id.
func (s *Store) GetDecision(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT `+decisionCols+` FROM decisions WHERE id = ?`), id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan decision: %w", err)
	}
	return &d, nil
}

// GetAllDecisions returns decisions matching the filter, newest first.
func (s *Store) GetAllDecisions(ctx context.Context, f DecisionFilter) ([]Decision, error) {
	query := `SELECT ` + decisionCols + ` FROM decisions WHERE 1=1`
	var args []any
	if f.Agent != "" {
		query += " AND agent = ?"
		args = append(args, f.Agent)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, string(f.Category))
	}
	if f.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, query), args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Reviews ---

// StoreReview inserts a review verdict. Exactly one of DecisionID or PlanID
// must be set.
func (s *Store) StoreReview(ctx context.Context, r *ReviewVerdict) error {
	if (r.DecisionID == "") == (r.PlanID == "") {
		return fmt.Errorf("review requires exactly one of decision_id or plan_id")
	}
	if r.ID == "" {
		r.ID = "rev_" + uuid.New().String()[:8]
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO reviews (id, decision_id, plan_id, verdict, findings_json, guidance,
			standards_json, strengths_summary, reviewer, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.DecisionID, r.PlanID, string(r.Verdict), marshalJSON(r.Findings),
		r.Guidance, marshalJSON(r.StandardsVerified), r.StrengthsSummary,
		r.Reviewer, r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func scanReview(scanner interface{ Scan(...any) error }) (ReviewVerdict, error) {
	var r ReviewVerdict
	var decisionID, planID, verdict, createdAt string
	var findings, standards, strengths sql.NullString
	err := scanner.Scan(&r.ID, &decisionID, &planID, &verdict, &findings,
		&r.Guidance, &standards, &strengths, &r.Reviewer, &createdAt)
	if err != nil {
		return r, err
	}
	r.DecisionID = decisionID
	r.PlanID = planID
	r.Verdict = Verdict(verdict)
	r.Findings = unmarshalJSON[[]Finding](findings)
	r.StandardsVerified = unmarshalJSON[[]string](standards)
	if strengths.Valid {
		r.StrengthsSummary = strengths.String
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return r, nil
}

const reviewCols = `id, decision_id, plan_id, verdict, findings_json, guidance,
	standards_json, strengths_summary, reviewer, created_at`

// GetReviewsForTask returns every review attached to the task's decisions or
// to the task as a plan, oldest first.
func (s *Store) GetReviewsForTask(ctx context.Context, taskID string) ([]ReviewVerdict, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, `
		SELECT `+reviewCols+` FROM reviews
		WHERE plan_id = ?
		   OR decision_id IN (SELECT id FROM decisions WHERE task_id = ?)
		ORDER BY created_at ASC`), taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()

	var out []ReviewVerdict
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetReviewForDecision returns the most recent review for a decision, or nil.
func (s *Store) GetReviewForDecision(ctx context.Context, decisionID string) (*ReviewVerdict, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT `+reviewCols+` FROM reviews WHERE decision_id = ? ORDER BY created_at DESC LIMIT 1`), decisionID)
	r, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan review: %w", err)
	}
	return &r, nil
}

// HasPlanReview reports whether a plan-level review exists for the task.
func (s *Store) HasPlanReview(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT COUNT(*) FROM reviews WHERE plan_id = ?`), taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count plan reviews: %w", err)
	}
	return n > 0, nil
}

// HasUnresolvedBlocks reports whether any of the task's decisions carries a
// blocked review with no later approved review for the same decision. A later
// approved decision does NOT supersede an earlier decision's block; releasing
// requires re-review of the blocked decision itself.
func (s *Store) HasUnresolvedBlocks(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT COUNT(*) FROM reviews b
		JOIN decisions d ON b.decision_id = d.id
		WHERE d.task_id = ? AND b.verdict = 'blocked'
		  AND NOT EXISTS (
			SELECT 1 FROM reviews a
			WHERE a.decision_id = b.decision_id
			  AND a.verdict = 'approved'
			  AND a.created_at > b.created_at
		  )`), taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unresolved blocks: %w", err)
	}
	return n > 0, nil
}

// --- Governed tasks ---

// StoreGovernedTask inserts a governed-task record.
func (s *Store) StoreGovernedTask(ctx context.Context, t *GovernedTaskRecord) error {
	if t.TaskID == "" {
		return fmt.Errorf("governed task_id is required")
	}
	if t.CurrentStatus == "" {
		t.CurrentStatus = TaskStatusPendingReview
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO governed_tasks (task_id, subject, description, context, current_status, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		t.TaskID, t.Subject, t.Description, t.Context, string(t.CurrentStatus),
		t.SessionID, t.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert governed task: %w", err)
	}
	return nil
}

func scanGovernedTask(scanner interface{ Scan(...any) error }) (GovernedTaskRecord, error) {
	var t GovernedTaskRecord
	var status, createdAt string
	err := scanner.Scan(&t.TaskID, &t.Subject, &t.Description, &t.Context, &status, &t.SessionID, &createdAt)
	if err != nil {
		return t, err
	}
	t.CurrentStatus = TaskStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return t, nil
}

const governedTaskCols = `task_id, subject, description, context, current_status, session_id, created_at`

// GetGovernedTask returns a governed-task record, or nil when absent.
func (s *Store) GetGovernedTask(ctx context.Context, taskID string) (*GovernedTaskRecord, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT `+governedTaskCols+` FROM governed_tasks WHERE task_id = ?`), taskID)
	t, err := scanGovernedTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan governed task: %w", err)
	}
	return &t, nil
}

// UpdateGovernedTaskStatus sets a governed task's current status.
func (s *Store) UpdateGovernedTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres,
		`UPDATE governed_tasks SET current_status = ? WHERE task_id = ?`), string(status), taskID)
	if err != nil {
		return fmt.Errorf("update governed task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("governed task %q not found", taskID)
	}
	return nil
}

// GetTasksForSession returns all governed tasks created in a session, oldest
// first.
func (s *Store) GetTasksForSession(ctx context.Context, sessionID string) ([]GovernedTaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres,
		`SELECT `+governedTaskCols+` FROM governed_tasks WHERE session_id = ? ORDER BY created_at ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session tasks: %w", err)
	}
	defer rows.Close()

	var out []GovernedTaskRecord
	for rows.Next() {
		t, err := scanGovernedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan governed task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListGovernedTasks returns every governed task, newest first.
func (s *Store) ListGovernedTasks(ctx context.Context, limit int) ([]GovernedTaskRecord, error) {
	query := `SELECT ` + governedTaskCols + ` FROM governed_tasks ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, query), args...)
	if err != nil {
		return nil, fmt.Errorf("query governed tasks: %w", err)
	}
	defer rows.Close()

	var out []GovernedTaskRecord
	for rows.Next() {
		t, err := scanGovernedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan governed task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Task reviews ---

// StoreTaskReview inserts a task-review record.
func (s *Store) StoreTaskReview(ctx context.Context, r *TaskReviewRecord) error {
	if r.ImplTaskID == "" || r.ReviewTaskID == "" {
		return fmt.Errorf("task review requires impl_task_id and review_task_id")
	}
	if r.ID == "" {
		r.ID = "trev_" + uuid.New().String()[:8]
	}
	if r.Status == "" {
		r.Status = ReviewStatusPending
	}
	if r.ReviewType == "" {
		r.ReviewType = ReviewTypeGovernance
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO task_reviews (id, review_task_id, impl_task_id, review_type, status,
			verdict, findings_json, guidance, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ReviewTaskID, r.ImplTaskID, string(r.ReviewType), string(r.Status),
		string(r.Verdict), marshalJSON(r.Findings), r.Guidance, r.Context,
		r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert task review: %w", err)
	}
	return nil
}

func scanTaskReview(scanner interface{ Scan(...any) error }) (TaskReviewRecord, error) {
	var r TaskReviewRecord
	var reviewType, status, createdAt string
	var verdict, findings sql.NullString
	err := scanner.Scan(&r.ID, &r.ReviewTaskID, &r.ImplTaskID, &reviewType, &status,
		&verdict, &findings, &r.Guidance, &r.Context, &createdAt)
	if err != nil {
		return r, err
	}
	r.ReviewType = ReviewType(reviewType)
	r.Status = ReviewStatus(status)
	if verdict.Valid {
		r.Verdict = Verdict(verdict.String)
	}
	r.Findings = unmarshalJSON[[]Finding](findings)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return r, nil
}

const taskReviewCols = `id, review_task_id, impl_task_id, review_type, status,
	verdict, findings_json, guidance, context, created_at`

// UpdateTaskReview sets a task review's status, verdict, findings and
// guidance.
func (s *Store) UpdateTaskReview(ctx context.Context, id string, status ReviewStatus, verdict Verdict, findings []Finding, guidance string) error {
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE task_reviews SET status = ?, verdict = ?, findings_json = ?, guidance = ?
		WHERE id = ?`),
		string(status), string(verdict), marshalJSON(findings), guidance, id)
	if err != nil {
		return fmt.Errorf("update task review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task review %q not found", id)
	}
	return nil
}

// GetTaskReviews returns every review record for an implementation task,
// oldest first.
func (s *Store) GetTaskReviews(ctx context.Context, implTaskID string) ([]TaskReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres,
		`SELECT `+taskReviewCols+` FROM task_reviews WHERE impl_task_id = ? ORDER BY created_at ASC`), implTaskID)
	if err != nil {
		return nil, fmt.Errorf("query task reviews: %w", err)
	}
	defer rows.Close()

	var out []TaskReviewRecord
	for rows.Next() {
		r, err := scanTaskReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTaskReviewByReviewTask returns the record keyed by the review task's id,
// or nil.
func (s *Store) GetTaskReviewByReviewTask(ctx context.Context, reviewTaskID string) (*TaskReviewRecord, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT `+taskReviewCols+` FROM task_reviews WHERE review_task_id = ?`), reviewTaskID)
	r, err := scanTaskReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task review: %w", err)
	}
	return &r, nil
}

// --- Holistic reviews ---

// StoreHolisticReview upserts the single per-session holistic review.
func (s *Store) StoreHolisticReview(ctx context.Context, h *HolisticReviewRecord) error {
	if h.SessionID == "" {
		return fmt.Errorf("holistic review session_id is required")
	}
	if h.ID == "" {
		h.ID = "hol_" + uuid.New().String()[:8]
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO holistic_reviews (session_id, id, task_ids_json, collective_intent,
			verdict, findings_json, guidance, standards_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			task_ids_json = excluded.task_ids_json,
			collective_intent = excluded.collective_intent,
			verdict = excluded.verdict,
			findings_json = excluded.findings_json,
			guidance = excluded.guidance,
			standards_json = excluded.standards_json`),
		h.SessionID, h.ID, marshalJSON(h.TaskIDs), h.CollectiveIntent,
		string(h.Verdict), marshalJSON(h.Findings), h.Guidance,
		marshalJSON(h.StandardsVerified), h.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert holistic review: %w", err)
	}
	return nil
}

// GetHolisticReviewForSession returns the session's holistic review, or nil.
func (s *Store) GetHolisticReviewForSession(ctx context.Context, sessionID string) (*HolisticReviewRecord, error) {
	var h HolisticReviewRecord
	var verdict, createdAt string
	var taskIDs, findings, standards sql.NullString
	err := s.db.QueryRowContext(ctx, rebind(s.isPostgres, `
		SELECT session_id, id, task_ids_json, collective_intent, verdict,
			findings_json, guidance, standards_json, created_at
		FROM holistic_reviews WHERE session_id = ?`), sessionID).Scan(
		&h.SessionID, &h.ID, &taskIDs, &h.CollectiveIntent, &verdict,
		&findings, &h.Guidance, &standards, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan holistic review: %w", err)
	}
	h.Verdict = Verdict(verdict)
	h.TaskIDs = unmarshalJSON[[]string](taskIDs)
	h.Findings = unmarshalJSON[[]Finding](findings)
	h.StandardsVerified = unmarshalJSON[[]string](standards)
	h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &h, nil
}

// --- Evolution proposals ---

// StoreEvolutionProposal inserts a proposal.
func (s *Store) StoreEvolutionProposal(ctx context.Context, p *EvolutionProposal) error {
	if p.TargetEntity == "" {
		return fmt.Errorf("proposal target_entity is required")
	}
	if p.ID == "" {
		p.ID = "prop_" + uuid.New().String()[:8]
	}
	if p.Status == "" {
		p.Status = ProposalProposed
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	var verdictJSON string
	if p.ReviewVerdict != nil {
		verdictJSON = marshalJSON(p.ReviewVerdict)
	}
	_, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO evolution_proposals (id, target_entity, original_intent, proposed_change,
			rationale, criteria_json, evidence_json, status, worktree_branch,
			proposing_agent, review_verdict_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.TargetEntity, p.OriginalIntent, p.ProposedChange, p.Rationale,
		marshalJSON(p.ValidationCriteria), marshalJSON(p.Evidence), string(p.Status),
		p.WorktreeBranch, p.ProposingAgent, verdictJSON,
		p.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}
	return nil
}

// UpdateEvolutionProposal rewrites a proposal's mutable fields.
func (s *Store) UpdateEvolutionProposal(ctx context.Context, p *EvolutionProposal) error {
	var verdictJSON string
	if p.ReviewVerdict != nil {
		verdictJSON = marshalJSON(p.ReviewVerdict)
	}
	res, err := s.db.ExecContext(ctx, rebind(s.isPostgres, `
		UPDATE evolution_proposals SET proposed_change = ?, rationale = ?, criteria_json = ?,
			evidence_json = ?, status = ?, worktree_branch = ?, review_verdict_json = ?
		WHERE id = ?`),
		p.ProposedChange, p.Rationale, marshalJSON(p.ValidationCriteria),
		marshalJSON(p.Evidence), string(p.Status), p.WorktreeBranch, verdictJSON, p.ID)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %q not found", p.ID)
	}
	return nil
}

func scanProposal(scanner interface{ Scan(...any) error }) (EvolutionProposal, error) {
	var p EvolutionProposal
	var status, createdAt string
	var criteria, evidence, verdict sql.NullString
	err := scanner.Scan(&p.ID, &p.TargetEntity, &p.OriginalIntent, &p.ProposedChange,
		&p.Rationale, &criteria, &evidence, &status, &p.WorktreeBranch,
		&p.ProposingAgent, &verdict, &createdAt)
	if err != nil {
		return p, err
	}
	p.Status = ProposalStatus(status)
	p.ValidationCriteria = unmarshalJSON[[]string](criteria)
	p.Evidence = unmarshalJSON[[]ExperimentEvidence](evidence)
	if verdict.Valid && verdict.String != "" {
		var rv ReviewVerdict
		if json.Unmarshal([]byte(verdict.String), &rv) == nil {
			p.ReviewVerdict = &rv
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return p, nil
}

const proposalCols = `id, target_entity, original_intent, proposed_change, rationale,
	criteria_json, evidence_json, status, worktree_branch, proposing_agent,
	review_verdict_json, created_at`

// GetEvolutionProposal returns a proposal by id, or nil.
func (s *Store) GetEvolutionProposal(ctx context.Context, id string) (*EvolutionProposal, error) {
	row := s.db.QueryRowContext(ctx, rebind(s.isPostgres,
		`SELECT `+proposalCols+` FROM evolution_proposals WHERE id = ?`), id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan proposal: %w", err)
	}
	return &p, nil
}

// GetEvolutionProposalsForEntity returns proposals targeting an entity,
// newest first.
func (s *Store) GetEvolutionProposalsForEntity(ctx context.Context, entity string) ([]EvolutionProposal, error) {
	return s.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM evolution_proposals WHERE target_entity = ? ORDER BY created_at DESC`, entity)
}

// GetAllEvolutionProposals returns all proposals, optionally filtered by
// status, newest first.
func (s *Store) GetAllEvolutionProposals(ctx context.Context, status ProposalStatus) ([]EvolutionProposal, error) {
	if status == "" {
		return s.queryProposals(ctx,
			`SELECT `+proposalCols+` FROM evolution_proposals ORDER BY created_at DESC`)
	}
	return s.queryProposals(ctx,
		`SELECT `+proposalCols+` FROM evolution_proposals WHERE status = ? ORDER BY created_at DESC`, string(status))
}

// GetActiveExperiments returns proposals currently in the experimenting
// state.
func (s *Store) GetActiveExperiments(ctx context.Context) ([]EvolutionProposal, error) {
	return s.GetAllEvolutionProposals(ctx, ProposalExperimenting)
}

func (s *Store) queryProposals(ctx context.Context, query string, args ...any) ([]EvolutionProposal, error) {
	rows, err := s.db.QueryContext(ctx, rebind(s.isPostgres, query), args...)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	var out []EvolutionProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Aggregates ---

// GetStatus joins decisions to their latest review and buckets by verdict.
// Pending is the remainder with no review yet.
func (s *Store) GetStatus(ctx context.Context) (*Status, error) {
	st := &Status{}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`).Scan(&st.TotalDecisions); err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.verdict, COUNT(*) FROM reviews r
		JOIN decisions d ON r.decision_id = d.id
		WHERE r.created_at = (
			SELECT MAX(r2.created_at) FROM reviews r2 WHERE r2.decision_id = r.decision_id
		)
		GROUP BY r.verdict`)
	if err != nil {
		return nil, fmt.Errorf("aggregate verdicts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var verdict string
		var n int
		if err := rows.Scan(&verdict, &n); err != nil {
			return nil, fmt.Errorf("scan verdict count: %w", err)
		}
		switch Verdict(verdict) {
		case VerdictApproved:
			st.Approved = n
		case VerdictBlocked:
			st.Blocked = n
		case VerdictNeedsHumanReview:
			st.NeedsHumanReview = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	st.Pending = st.TotalDecisions - (st.Approved + st.Blocked + st.NeedsHumanReview)

	recent, err := s.GetAllDecisions(ctx, DecisionFilter{Limit: 5})
	if err != nil {
		return nil, err
	}
	st.RecentActivity = recent
	return st, nil
}

// GetTaskGovernanceStats buckets governed tasks by status.
func (s *Store) GetTaskGovernanceStats(ctx context.Context) (*TaskGovernanceStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT current_status, COUNT(*) FROM governed_tasks GROUP BY current_status`)
	if err != nil {
		return nil, fmt.Errorf("aggregate task stats: %w", err)
	}
	defer rows.Close()

	stats := &TaskGovernanceStats{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task stat: %w", err)
		}
		stats.Total += n
		switch TaskStatus(status) {
		case TaskStatusPendingReview:
			stats.PendingReview = n
		case TaskStatusApproved:
			stats.Approved = n
		case TaskStatusBlocked:
			stats.Blocked = n
		case TaskStatusNeedsHumanReview:
			stats.NeedsHumanReview = n
		}
	}
	return stats, rows.Err()
}
