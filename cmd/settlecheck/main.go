// settlecheck is the detached worker behind the governance pipeline. It is
// spawned by govhook after each intercept and runs one of two jobs:
//
//	settlecheck -session <id> -ts <rfc3339nano> [-transcript <path>]
//	settlecheck -review <review-task-id>
//
// The first form runs the settle-check plus holistic review; the second runs
// one individual review.
//
// Only the survivor of concurrent settle-checks proceeds; the rest exit
// silently.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"govfabric/internal/audit"
	"govfabric/internal/bootstrap"
	"govfabric/internal/governance"
	"govfabric/internal/logging"
	"govfabric/internal/pipeline"
)

func main() {
	args := logging.Init(os.Args[1:])
	fs := flag.NewFlagSet("settlecheck", flag.ExitOnError)
	sessionID := fs.String("session", "", "session id to settle-check")
	tsRaw := fs.String("ts", "", "intercept timestamp (RFC3339Nano)")
	transcript := fs.String("transcript", "", "session transcript path for the holistic review")
	reviewTaskID := fs.String("review", "", "review task id to run")
	configPath := fs.String("config", os.Getenv("FABRIC_CONFIG"), "config file path")
	fs.Parse(args) //nolint:errcheck

	self, err := os.Executable()
	if err != nil {
		self = "settlecheck"
	}
	spawner := &pipeline.ExecSpawner{
		SettleCheckBin: self,
		RunnerBin:      self,
		ConfigPath:     *configPath,
	}
	fab, err := bootstrap.Open(*configPath, "settlecheck", spawner)
	if err != nil {
		slog.Error("settlecheck: startup failed", "err", err)
		os.Exit(1)
	}
	defer fab.Close()
	spawner.ProjectDir = fab.ProjectDir

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch {
	case *reviewTaskID != "":
		runReview(ctx, fab, *reviewTaskID)
	case *sessionID != "":
		runSettle(ctx, fab, *sessionID, *tsRaw, *transcript)
	default:
		slog.Error("settlecheck: one of -session or -review is required")
		os.Exit(2)
	}
}

func runSettle(ctx context.Context, fab *bootstrap.Fabric, sessionID, tsRaw, transcript string) {
	ts, err := time.Parse(time.RFC3339Nano, tsRaw)
	if err != nil {
		slog.Error("settlecheck: bad -ts", "ts", tsRaw, "err", err)
		os.Exit(2)
	}

	res, err := fab.Pipeline.RunSettleCheck(ctx, sessionID, ts, transcript)
	if err != nil {
		slog.Error("settlecheck: settle-check failed", "session", sessionID, "err", err)
		os.Exit(1)
	}
	if !res.Survivor {
		slog.Debug("settlecheck: superseded by a later intercept", "session", sessionID)
		return
	}
	if res.HolisticRun {
		eventType := audit.EventReviewApproved
		if res.Verdict != governance.VerdictApproved {
			eventType = audit.EventReviewBlocked
		}
		fab.Emitter.Emit(eventType, sessionID, map[string]any{
			"scope": "holistic", "verdict": string(res.Verdict), "task_count": res.TaskCount,
		})
	}
	slog.Info("settlecheck: done",
		"session", sessionID,
		"holistic", res.HolisticRun,
		"verdict", res.Verdict,
		"runners", res.RunnersSpawn)
}

func runReview(ctx context.Context, fab *bootstrap.Fabric, reviewTaskID string) {
	verdict, err := fab.Pipeline.RunReview(ctx, reviewTaskID)
	if err != nil {
		slog.Error("settlecheck: review failed", "review_task", reviewTaskID, "err", err)
		os.Exit(1)
	}
	eventType := audit.EventReviewApproved
	if verdict.Verdict != governance.VerdictApproved {
		eventType = audit.EventReviewBlocked
	}
	fab.Emitter.Emit(eventType, "", map[string]any{
		"scope": "individual", "review_task_id": reviewTaskID, "verdict": string(verdict.Verdict),
	})
	slog.Info("settlecheck: review complete",
		"review_task", reviewTaskID, "verdict", verdict.Verdict)
}
