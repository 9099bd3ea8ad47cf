// Package governance persists decisions, reviews and governed-task records
// in an embedded relational store (SQLite by default, PostgreSQL via DSN).
package governance

import "time"

// Category classifies a decision.
type Category string

const (
	CategoryPatternChoice         Category = "pattern_choice"
	CategoryComponentDesign       Category = "component_design"
	CategoryAPIDesign             Category = "api_design"
	CategoryDeviation             Category = "deviation"
	CategoryScopeChange           Category = "scope_change"
	CategoryArchitectureEvolution Category = "architecture_evolution"
	CategoryExperimentProposal    Category = "experiment_proposal"
	CategoryExperimentResult      Category = "experiment_result"
)

// AutoFlagged reports whether decisions of this category bypass the LLM and
// go straight to a human reviewer.
func (c Category) AutoFlagged() bool {
	return c == CategoryDeviation || c == CategoryScopeChange
}

// Confidence is the decision author's stated confidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Verdict is the outcome of a review.
type Verdict string

const (
	VerdictApproved         Verdict = "approved"
	VerdictBlocked          Verdict = "blocked"
	VerdictNeedsHumanReview Verdict = "needs_human_review"
)

// TaskStatus is the governance status of an implementation task.
type TaskStatus string

const (
	TaskStatusPendingReview    TaskStatus = "pending_review"
	TaskStatusApproved         TaskStatus = "approved"
	TaskStatusBlocked          TaskStatus = "blocked"
	TaskStatusNeedsHumanReview TaskStatus = "needs_human_review"
)

// ReviewType distinguishes the paired review flavors.
type ReviewType string

const (
	ReviewTypeGovernance   ReviewType = "governance"
	ReviewTypeSecurity     ReviewType = "security"
	ReviewTypeArchitecture ReviewType = "architecture"
	ReviewTypeCodeQuality  ReviewType = "code_quality"
)

// ReviewStatus is a task-review record's lifecycle state.
type ReviewStatus string

const (
	ReviewStatusPending          ReviewStatus = "pending"
	ReviewStatusApproved         ReviewStatus = "approved"
	ReviewStatusBlocked          ReviewStatus = "blocked"
	ReviewStatusNeedsHumanReview ReviewStatus = "needs_human_review"
	ReviewStatusCancelled        ReviewStatus = "cancelled"
)

// ProposalStatus tracks an evolution proposal's lifecycle.
type ProposalStatus string

const (
	ProposalProposed          ProposalStatus = "proposed"
	ProposalExperimenting     ProposalStatus = "experimenting"
	ProposalValidated         ProposalStatus = "validated"
	ProposalNeedsMoreEvidence ProposalStatus = "needs_more_evidence"
	ProposalApproved          ProposalStatus = "approved"
	ProposalRejected          ProposalStatus = "rejected"
)

// Alternative is an option that was considered and rejected.
type Alternative struct {
	Option         string `json:"option"`
	ReasonRejected string `json:"reason_rejected"`
}

// Decision is a governed design decision, sequenced per task.
type Decision struct {
	ID                     string        `json:"id"`
	TaskID                 string        `json:"task_id"`
	Sequence               int           `json:"sequence"`
	Agent                  string        `json:"agent"`
	Category               Category      `json:"category"`
	Summary                string        `json:"summary"`
	Detail                 string        `json:"detail"`
	ComponentsAffected     []string      `json:"components_affected"`
	AlternativesConsidered []Alternative `json:"alternatives_considered"`
	Confidence             Confidence    `json:"confidence"`
	CreatedAt              time.Time     `json:"created_at"`
}

// Finding is a single reviewer observation.
type Finding struct {
	Tier        string `json:"tier"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// ReviewVerdict is a stored review outcome. Exactly one of DecisionID or
// PlanID is set.
type ReviewVerdict struct {
	ID                string    `json:"id"`
	DecisionID        string    `json:"decision_id,omitempty"`
	PlanID            string    `json:"plan_id,omitempty"`
	Verdict           Verdict   `json:"verdict"`
	Findings          []Finding `json:"findings"`
	Guidance          string    `json:"guidance"`
	StandardsVerified []string  `json:"standards_verified"`
	StrengthsSummary  string    `json:"strengths_summary,omitempty"`
	Reviewer          string    `json:"reviewer"`
	CreatedAt         time.Time `json:"created_at"`
}

// GovernedTaskRecord tracks an implementation task's governance status.
type GovernedTaskRecord struct {
	TaskID        string     `json:"task_id"`
	Subject       string     `json:"subject"`
	Description   string     `json:"description"`
	Context       string     `json:"context"`
	CurrentStatus TaskStatus `json:"current_status"`
	SessionID     string     `json:"session_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TaskReviewRecord pairs a review task with its implementation task.
type TaskReviewRecord struct {
	ID           string       `json:"id"`
	ReviewTaskID string       `json:"review_task_id"`
	ImplTaskID   string       `json:"impl_task_id"`
	ReviewType   ReviewType   `json:"review_type"`
	Status       ReviewStatus `json:"status"`
	Verdict      Verdict      `json:"verdict,omitempty"`
	Findings     []Finding    `json:"findings"`
	Guidance     string       `json:"guidance"`
	Context      string       `json:"context"`
	CreatedAt    time.Time    `json:"created_at"`
}

// HolisticReviewRecord is the single per-session review spanning all tasks
// created in that session.
type HolisticReviewRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	TaskIDs           []string  `json:"task_ids"`
	CollectiveIntent  string    `json:"collective_intent"`
	Verdict           Verdict   `json:"verdict"`
	Findings          []Finding `json:"findings"`
	Guidance          string    `json:"guidance"`
	StandardsVerified []string  `json:"standards_verified"`
	CreatedAt         time.Time `json:"created_at"`
}

// EvidenceType classifies experiment evidence.
type EvidenceType string

const (
	EvidenceTestResults EvidenceType = "test_results"
	EvidenceBenchmark   EvidenceType = "benchmark"
	EvidenceObservation EvidenceType = "observation"
	EvidenceMeasurement EvidenceType = "measurement"
)

// BaselineComparison compares one metric between baseline and experiment.
type BaselineComparison struct {
	Baseline    float64 `json:"baseline"`
	Experiment  float64 `json:"experiment"`
	Improvement float64 `json:"improvement"`
}

// ExperimentEvidence is one piece of evidence supporting a proposal.
type ExperimentEvidence struct {
	Type                 EvidenceType                  `json:"type"`
	Source               string                        `json:"source"`
	RawOutput            string                        `json:"raw_output"`
	Summary              string                        `json:"summary"`
	Metrics              map[string]float64            `json:"metrics,omitempty"`
	ComparisonToBaseline map[string]BaselineComparison `json:"comparison_to_baseline,omitempty"`
	Timestamp            *time.Time                    `json:"timestamp,omitempty"`
}

// EvolutionProposal is a formal request to change an architectural entity's
// intent, gated on evidence.
type EvolutionProposal struct {
	ID                 string               `json:"id"`
	TargetEntity       string               `json:"target_entity"`
	OriginalIntent     string               `json:"original_intent"`
	ProposedChange     string               `json:"proposed_change"`
	Rationale          string               `json:"rationale"`
	ValidationCriteria []string             `json:"validation_criteria"`
	Evidence           []ExperimentEvidence `json:"evidence"`
	Status             ProposalStatus       `json:"status"`
	WorktreeBranch     string               `json:"worktree_branch,omitempty"`
	ProposingAgent     string               `json:"proposing_agent"`
	ReviewVerdict      *ReviewVerdict       `json:"review_verdict,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Status is the aggregate returned by Store.GetStatus.
type Status struct {
	TotalDecisions   int        `json:"total_decisions"`
	Approved         int        `json:"approved"`
	Blocked          int        `json:"blocked"`
	NeedsHumanReview int        `json:"needs_human_review"`
	Pending          int        `json:"pending"`
	RecentActivity   []Decision `json:"recent_activity"`
}

// TaskGovernanceStats aggregates governed-task counts by status.
type TaskGovernanceStats struct {
	Total            int `json:"total"`
	PendingReview    int `json:"pending_review"`
	Approved         int `json:"approved"`
	Blocked          int `json:"blocked"`
	NeedsHumanReview int `json:"needs_human_review"`
}

// DecisionFilter narrows GetAllDecisions.
type DecisionFilter struct {
	Agent    string
	Category Category
	TaskID   string
	Limit    int
}
