package audit

import (
	"testing"
	"time"
)

func batchOf(counts map[string]int) *BatchSummary {
	total := 0
	for _, n := range counts {
		total += n
	}
	return &BatchSummary{
		Count:  total,
		ByType: counts,
		Start:  time.Now().Add(-time.Minute),
		End:    time.Now(),
	}
}

func TestDetect_BlockRateWarningAndCritical(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	// 4 of 10 blocked: over the 0.3 threshold but under 2x.
	out := d.Detect(batchOf(map[string]int{
		EventReviewBlocked:  4,
		EventReviewApproved: 6,
	}))
	if len(out) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(out))
	}
	if out[0].Type != AnomalyGovernanceBlockRate || out[0].Severity != AnomalyWarning {
		t.Errorf("anomaly = %+v, want governance_block_rate warning", out[0])
	}

	// 7 of 10 blocked: over double the threshold.
	out = d.Detect(batchOf(map[string]int{
		EventReviewBlocked:  7,
		EventReviewApproved: 3,
	}))
	if len(out) != 1 || out[0].Severity != AnomalyCritical {
		t.Errorf("anomalies = %+v, want one critical", out)
	}
}

func TestDetect_SmallBatchSuppressesRates(t *testing.T) {
	d := NewDetector(DefaultThresholds())
	out := d.Detect(batchOf(map[string]int{EventReviewBlocked: 3}))
	if len(out) != 0 {
		t.Errorf("anomalies = %+v, want rate checks suppressed below min batch size", out)
	}
}

func TestDetect_ZeroThresholdDisablesCheck(t *testing.T) {
	th := DefaultThresholds()
	th.GovernanceBlockRate = 0
	d := NewDetector(th)
	out := d.Detect(batchOf(map[string]int{
		EventReviewBlocked:  9,
		EventReviewApproved: 1,
	}))
	if len(out) != 0 {
		t.Errorf("anomalies = %+v, want disabled check to stay quiet", out)
	}
}

func TestDetect_EventVolume(t *testing.T) {
	th := DefaultThresholds()
	th.EventVolume = 10
	d := NewDetector(th)
	out := d.Detect(batchOf(map[string]int{EventGateAllow: 11}))
	if len(out) != 1 {
		t.Fatalf("anomalies = %d, want 1", len(out))
	}
	if out[0].Type != AnomalyEventVolume || out[0].Severity != AnomalyInfo {
		t.Errorf("anomaly = %+v, want event_volume info", out[0])
	}
	if out[0].Severity.Escalates() {
		t.Error("info severity must not escalate")
	}
}

func TestDetect_IndependentChecksStack(t *testing.T) {
	th := DefaultThresholds()
	th.EventVolume = 5
	d := NewDetector(th)
	out := d.Detect(batchOf(map[string]int{
		EventHookError: 3,
		EventGateAllow: 7,
	}))
	types := map[string]bool{}
	for _, a := range out {
		types[a.Type] = true
	}
	if !types[AnomalyHookErrorRate] || !types[AnomalyEventVolume] {
		t.Errorf("anomalies = %+v, want hook_error_rate and event_volume", out)
	}
}
