package governance

import (
	"fmt"
	"strings"
	"time"

	"govfabric/internal/llm"
)

// maxEvidenceFutureSkew is how far in the future an evidence timestamp may
// sit before it is rejected as malformed.
const maxEvidenceFutureSkew = 30 * 24 * time.Hour

// ValidateEvidence checks a piece of experiment evidence for structural
// validity. Under GOVERNANCE_MOCK_REVIEW every piece is accepted.
func ValidateEvidence(ev ExperimentEvidence) error {
	if llm.MockMode() {
		return nil
	}

	switch ev.Type {
	case EvidenceTestResults, EvidenceBenchmark, EvidenceObservation, EvidenceMeasurement:
	default:
		return fmt.Errorf("unknown evidence type %q", ev.Type)
	}
	if strings.TrimSpace(ev.Source) == "" {
		return fmt.Errorf("evidence source is required")
	}
	if strings.TrimSpace(ev.Summary) == "" {
		return fmt.Errorf("evidence summary is required")
	}
	if ev.Timestamp != nil && ev.Timestamp.After(time.Now().Add(maxEvidenceFutureSkew)) {
		return fmt.Errorf("evidence timestamp %s is too far in the future", ev.Timestamp.Format(time.RFC3339))
	}
	for name, cmp := range ev.ComparisonToBaseline {
		if cmp.Baseline == 0 && cmp.Experiment == 0 && cmp.Improvement == 0 {
			return fmt.Errorf("baseline comparison %q is empty", name)
		}
	}
	return nil
}
