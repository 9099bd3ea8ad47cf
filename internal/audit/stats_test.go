package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStats(t *testing.T) *Stats {
	t.Helper()
	s, err := NewStats(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("NewStats: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func eventAt(eventType, sessionID string, at time.Time) Event {
	return Event{
		Ts:        float64(at.UnixNano()) / 1e9,
		TsISO:     at.Format(time.RFC3339Nano),
		Type:      eventType,
		Source:    "test",
		SessionID: sessionID,
		Data:      map[string]any{},
	}
}

func TestStatsRebind_SelectsPlaceholderStyle(t *testing.T) {
	query := `INSERT INTO event_counts (bucket, event_type, count) VALUES (?, ?, ?)`
	want := `INSERT INTO event_counts (bucket, event_type, count) VALUES ($1, $2, $3)`
	if got := statsRebind(true, query); got != want {
		t.Errorf("postgres rebind = %q, want %q", got, want)
	}
	if got := statsRebind(false, query); got != query {
		t.Errorf("sqlite query rewritten: %q", got)
	}
}

func TestNewStats_PostgresDSNSelectsPgxDriver(t *testing.T) {
	// No server behind the DSN: pgx defers dialing until first use, so the
	// open itself must fail on the unreachable schema setup, not on a
	// sqlite file named "postgres://...".
	if _, err := NewStats("postgres://fabric@127.0.0.1:1/stats"); err == nil {
		t.Fatal("NewStats against an unreachable postgres DSN succeeded")
	}
}

func TestIngestBatch_SummaryAndSessionBuckets(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	events := []Event{
		eventAt(EventTaskIntercepted, "sess-a", base),
		eventAt(EventReviewApproved, "sess-a", base.Add(time.Second)),
		eventAt(EventReviewBlocked, "sess-b", base.Add(2*time.Second)),
		eventAt(EventGateBlock, "sess-b", base.Add(3*time.Second)),
		eventAt(EventHookSkipped, "", base.Add(4*time.Second)),
	}
	summary, err := s.IngestBatch(ctx, events)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if summary.Count != 5 {
		t.Errorf("count = %d", summary.Count)
	}
	if summary.ByType[EventReviewBlocked] != 1 {
		t.Errorf("byType = %v", summary.ByType)
	}
	if len(summary.BySession) != 2 {
		t.Errorf("sessions = %v, sessionless events must not create a session", summary.BySession)
	}

	sum, err := s.GetSessionSummary(ctx, "sess-b")
	if err != nil {
		t.Fatalf("GetSessionSummary: %v", err)
	}
	if sum == nil || sum.Blocks != 1 || sum.GateBlocks != 1 || sum.Total != 2 {
		t.Errorf("sess-b summary = %+v", sum)
	}
}

func TestIngestBatch_UpsertAccumulates(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	first := []Event{eventAt(EventReviewApproved, "sess-a", base)}
	second := []Event{
		eventAt(EventReviewApproved, "sess-a", base.Add(-time.Second)),
		eventAt(EventTaskIntercepted, "sess-a", base.Add(time.Second)),
	}
	if _, err := s.IngestBatch(ctx, first); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if _, err := s.IngestBatch(ctx, second); err != nil {
		t.Fatalf("second batch: %v", err)
	}

	sum, err := s.GetSessionSummary(ctx, "sess-a")
	if err != nil {
		t.Fatalf("GetSessionSummary: %v", err)
	}
	if sum.Total != 3 || sum.Approvals != 2 || sum.Tasks != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if !sum.FirstTs.Before(base) {
		t.Error("first_ts not widened by the earlier second-batch event")
	}

	counts, err := s.EventCountsSince(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("EventCountsSince: %v", err)
	}
	if counts[EventReviewApproved] != 2 {
		t.Errorf("counts = %v", counts)
	}
}

func TestIngestBatch_Empty(t *testing.T) {
	s := openTestStats(t)
	summary, err := s.IngestBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if summary.Count != 0 {
		t.Errorf("count = %d", summary.Count)
	}
}

func TestRecordMetric_RunningMean(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	for _, v := range []float64{1, 2, 3} {
		if err := s.RecordMetric(ctx, "settle_seconds", at, v); err != nil {
			t.Fatalf("RecordMetric: %v", err)
		}
	}

	var value float64
	var samples int
	err := s.db.QueryRow(
		`SELECT value, sample_count FROM metric_windows WHERE metric_name = ?`,
		"settle_seconds").Scan(&value, &samples)
	if err != nil {
		t.Fatalf("query metric: %v", err)
	}
	if samples != 3 || value != 2 {
		t.Errorf("metric = %v over %d samples, want mean 2 of 3", value, samples)
	}
}

func TestRecordAnomaly_ReplayIdempotent(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	a := &Anomaly{
		ID:           "gate_block_rate-x",
		DetectedAt:   time.Now().UTC(),
		Type:         AnomalyGateBlockRate,
		Severity:     AnomalyWarning,
		Description:  "gate blocks spiking",
		MetricValues: map[string]float64{"rate": 0.5},
	}
	if err := s.RecordAnomaly(ctx, a); err != nil {
		t.Fatalf("RecordAnomaly: %v", err)
	}
	a.Escalated = true
	if err := s.RecordAnomaly(ctx, a); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.RecentAnomalies(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentAnomalies: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("anomalies = %d, want replay to replace", len(got))
	}
	if !got[0].Escalated || got[0].MetricValues["rate"] != 0.5 {
		t.Errorf("anomaly = %+v", got[0])
	}
}

func TestStoreRecommendation_EvidenceAccumulates(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := s.StoreRecommendation(ctx, &Recommendation{
			AnomalyType: AnomalyHookErrorRate,
			Tier:        "triage",
			Suggestion:  "check hook binary permissions",
		})
		if err != nil {
			t.Fatalf("StoreRecommendation: %v", err)
		}
	}

	recs, err := s.GetRecommendations(ctx)
	if err != nil {
		t.Fatalf("GetRecommendations: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("recommendations = %d, want upsert on (type, tier)", len(recs))
	}
	if recs[0].EvidenceCount != 3 || recs[0].Status != "active" {
		t.Errorf("recommendation = %+v", recs[0])
	}
}

func TestPrune_KeepsRecommendations(t *testing.T) {
	s := openTestStats(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	if _, err := s.IngestBatch(ctx, []Event{eventAt(EventGateAllow, "sess-old", old)}); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if err := s.RecordAnomaly(ctx, &Anomaly{ID: "old", DetectedAt: old, Type: AnomalyEventVolume, Severity: AnomalyInfo}); err != nil {
		t.Fatalf("RecordAnomaly: %v", err)
	}
	if err := s.StoreRecommendation(ctx, &Recommendation{AnomalyType: AnomalyEventVolume, Tier: "triage", Suggestion: "keep me"}); err != nil {
		t.Fatalf("StoreRecommendation: %v", err)
	}

	if err := s.Prune(ctx, time.Now().Add(-24*time.Hour)); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	if sum, _ := s.GetSessionSummary(ctx, "sess-old"); sum != nil {
		t.Error("stale session summary survived prune")
	}
	if got, _ := s.RecentAnomalies(ctx, old.Add(-time.Hour)); len(got) != 0 {
		t.Error("stale anomaly survived prune")
	}
	recs, _ := s.GetRecommendations(ctx)
	if len(recs) != 1 {
		t.Error("recommendation pruned; they must be kept")
	}
}
