package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AnomalySeverity grades a detected anomaly. Warning and above cross the
// escalation cutoff.
type AnomalySeverity string

const (
	AnomalyInfo     AnomalySeverity = "info"
	AnomalyWarning  AnomalySeverity = "warning"
	AnomalyCritical AnomalySeverity = "critical"
)

// Escalates reports whether the severity reaches the escalation cutoff.
func (s AnomalySeverity) Escalates() bool {
	return s == AnomalyWarning || s == AnomalyCritical
}

// Anomaly is one detector finding.
type Anomaly struct {
	ID           string             `json:"id"`
	DetectedAt   time.Time          `json:"detected_at"`
	Type         string             `json:"type"`
	Severity     AnomalySeverity    `json:"severity"`
	Description  string             `json:"description"`
	MetricValues map[string]float64 `json:"metric_values"`
	Context      map[string]any     `json:"context"`
	Escalated    bool               `json:"escalated"`
}

// Anomaly types the detector can emit.
const (
	AnomalyGovernanceBlockRate = "governance_block_rate"
	AnomalyGateBlockRate       = "gate_block_rate"
	AnomalyHookErrorRate       = "hook_error_rate"
	AnomalyEventVolume         = "event_volume"
)

// Thresholds configures the detector. Rates are fractions of the batch;
// zero disables a check.
type Thresholds struct {
	// GovernanceBlockRate flags a batch whose review_blocked fraction
	// exceeds this value. Critical at double the threshold.
	GovernanceBlockRate float64 `yaml:"governance_block_rate"`

	// GateBlockRate flags excessive gate_block events.
	GateBlockRate float64 `yaml:"gate_block_rate"`

	// HookErrorRate flags excessive hook_error events.
	HookErrorRate float64 `yaml:"hook_error_rate"`

	// EventVolume flags a batch with more events than this count.
	EventVolume int `yaml:"event_volume"`

	// MinBatchSize suppresses rate checks on tiny batches, where one event
	// swings the fraction wildly.
	MinBatchSize int `yaml:"min_batch_size"`
}

// DefaultThresholds returns the stock configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		GovernanceBlockRate: 0.3,
		GateBlockRate:       0.4,
		HookErrorRate:       0.1,
		EventVolume:         5000,
		MinBatchSize:        5,
	}
}

// Detector is a pure threshold check over a batch summary. No LLM involved;
// the escalation chain handles interpretation.
type Detector struct {
	thresholds Thresholds
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(t Thresholds) *Detector {
	if t.MinBatchSize <= 0 {
		t.MinBatchSize = 5
	}
	return &Detector{thresholds: t}
}

// Detect evaluates one batch summary and returns any anomalies found.
func (d *Detector) Detect(summary *BatchSummary) []Anomaly {
	var out []Anomaly
	now := time.Now().UTC()

	rateChecks := []struct {
		anomalyType string
		eventType   string
		threshold   float64
		label       string
	}{
		{AnomalyGovernanceBlockRate, EventReviewBlocked, d.thresholds.GovernanceBlockRate, "governance blocks"},
		{AnomalyGateBlockRate, EventGateBlock, d.thresholds.GateBlockRate, "gate blocks"},
		{AnomalyHookErrorRate, EventHookError, d.thresholds.HookErrorRate, "hook errors"},
	}
	if summary.Count >= d.thresholds.MinBatchSize {
		for _, check := range rateChecks {
			if check.threshold <= 0 {
				continue
			}
			n := summary.ByType[check.eventType]
			rate := float64(n) / float64(summary.Count)
			if rate <= check.threshold {
				continue
			}
			severity := AnomalyWarning
			if rate > check.threshold*2 {
				severity = AnomalyCritical
			}
			out = append(out, Anomaly{
				ID:         newAnomalyID(check.anomalyType, now),
				DetectedAt: now,
				Type:       check.anomalyType,
				Severity:   severity,
				Description: fmt.Sprintf("%s at %.0f%% of batch (%d of %d events), threshold %.0f%%",
					check.label, rate*100, n, summary.Count, check.threshold*100),
				MetricValues: map[string]float64{
					"rate":      rate,
					"count":     float64(n),
					"batch":     float64(summary.Count),
					"threshold": check.threshold,
				},
				Context: map[string]any{
					"window_start": summary.Start.Format(time.RFC3339),
					"window_end":   summary.End.Format(time.RFC3339),
				},
			})
		}
	}

	if d.thresholds.EventVolume > 0 && summary.Count > d.thresholds.EventVolume {
		out = append(out, Anomaly{
			ID:         newAnomalyID(AnomalyEventVolume, now),
			DetectedAt: now,
			Type:       AnomalyEventVolume,
			Severity:   AnomalyInfo,
			Description: fmt.Sprintf("batch of %d events exceeds volume threshold %d",
				summary.Count, d.thresholds.EventVolume),
			MetricValues: map[string]float64{
				"count":     float64(summary.Count),
				"threshold": float64(d.thresholds.EventVolume),
			},
		})
	}
	return out
}

func newAnomalyID(anomalyType string, at time.Time) string {
	return fmt.Sprintf("%s-%s-%s", anomalyType, at.Format("20060102T150405"), uuid.New().String()[:8])
}
