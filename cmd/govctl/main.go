// govctl is the operator CLI for the governance fabric: inspect task
// status, release blocked reviews, manage quality findings, run the release
// gates and maintain the knowledge graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"govfabric/internal/bootstrap"
	"govfabric/internal/config"
	"govfabric/internal/governance"
	"govfabric/internal/kg"
	"govfabric/internal/logging"
	"govfabric/internal/pipeline"
	"govfabric/internal/trust"
)

var configPath string

func main() {
	args := logging.Init(os.Args[1:])

	root := &cobra.Command{
		Use:           "govctl",
		Short:         "Operator CLI for the agent-governance fabric",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config",
		config.EnvOrDefault("FABRIC_CONFIG", ""), "config file path")

	root.AddCommand(
		statusCmd(),
		tasksCmd(),
		releaseCmd(),
		decisionsCmd(),
		flagCmd(),
		ingestCmd(),
		compactCmd(),
		findingsCmd(),
		dismissCmd(),
		gatesCmd(),
	)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "govctl:", err)
		os.Exit(1)
	}
}

// openFabric opens the project resources with a no-op spawner; govctl never
// kicks off background reviews itself.
func openFabric() (*bootstrap.Fabric, error) {
	return bootstrap.Open(configPath, "govctl", &pipeline.NopSpawner{})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task's governance status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			st, err := fab.Pipeline.TaskGovernanceStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func tasksCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List governed tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			tasks, err := fab.Gov.ListGovernedTasks(ctx, limit)
			if err != nil {
				return err
			}
			return printJSON(tasks)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum tasks to list")
	return cmd
}

func releaseCmd() *cobra.Command {
	var guidance string
	cmd := &cobra.Command{
		Use:   "release <review-task-id> <approved|blocked|needs_human_review>",
		Short: "Record a human verdict for a review and release or hold the task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			verdict := governance.Verdict(args[1])
			switch verdict {
			case governance.VerdictApproved, governance.VerdictBlocked, governance.VerdictNeedsHumanReview:
			default:
				return fmt.Errorf("unknown verdict %q", args[1])
			}

			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			if err := fab.Pipeline.ReleaseTask(ctx, args[0], verdict, guidance, nil); err != nil {
				return err
			}
			fmt.Printf("review %s resolved as %s\n", args[0], verdict)
			return nil
		},
	}
	cmd.Flags().StringVar(&guidance, "guidance", "", "guidance attached to a blocking verdict")
	return cmd
}

func decisionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decisions <task-id>",
		Short: "Show a task's decision history in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			decisions, err := fab.Gov.GetDecisionsForTask(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(decisions)
		},
	}
}

func flagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flag <session-id>",
		Short: "Show a session's holistic review flag, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()

			hf, err := fab.Pipeline.ReadFlag(args[0])
			if err != nil {
				return err
			}
			if hf == nil {
				fmt.Println("no holistic flag for session", args[0])
				return nil
			}
			return printJSON(hf)
		},
	}
}

func ingestCmd() *cobra.Command {
	var dir, tier string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest markdown standards documents into the knowledge graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()

			if dir == "" {
				dir = fab.Cfg.KnowledgeGraph.DocsDir
			}
			res, err := kg.NewIngester(fab.Graph).IngestFolder(dir, kg.Tier(tier))
			if err != nil {
				return err
			}
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "skipped %s: %v\n", e.File, e.Err)
			}
			fmt.Printf("ingested %d document(s) from %s\n", len(res.Created), dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "documents folder (default: configured docs_dir)")
	cmd.Flags().StringVar(&tier, "tier", string(kg.TierQuality), "protection tier for ingested entities")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the knowledge-graph log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fab, err := openFabric()
			if err != nil {
				return err
			}
			defer fab.Close()

			if err := fab.Graph.Compact(); err != nil {
				return err
			}
			fmt.Println("knowledge graph compacted")
			return nil
		},
	}
}

func openTrust() (*trust.Engine, *config.Config, error) {
	cfg, err := config.Load(configPath, config.ProjectDir())
	if err != nil {
		return nil, nil, err
	}
	engine, err := trust.NewEngine(cfg.Gates.TrustDSN)
	if err != nil {
		return nil, nil, err
	}
	return engine, cfg, nil
}

func findingsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List quality findings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openTrust()
			if err != nil {
				return err
			}
			defer engine.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			findings, err := engine.ListFindings(ctx, trust.FindingStatus(status))
			if err != nil {
				return err
			}
			return printJSON(findings)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, dismissed, resolved)")
	return cmd
}

func dismissCmd() *cobra.Command {
	var by, justification string
	cmd := &cobra.Command{
		Use:   "dismiss <finding-id>",
		Short: "Dismiss a finding with a recorded justification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openTrust()
			if err != nil {
				return err
			}
			defer engine.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			if err := engine.RecordDismissal(ctx, args[0], by, justification); err != nil {
				return err
			}
			fmt.Printf("finding %s dismissed\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "who is dismissing the finding")
	cmd.Flags().StringVar(&justification, "why", "", "justification for the dismissal")
	cmd.MarkFlagRequired("why") //nolint:errcheck
	return cmd
}

func gatesCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "gates",
		Short: "Run the release gates and print the aggregate report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, cfg, err := openTrust()
			if err != nil {
				return err
			}
			defer engine.Close()
			ctx, cancel := cmdContext()
			defer cancel()

			if workDir == "" {
				workDir = config.ProjectDir()
			}
			gk := trust.NewGatekeeper(engine, gateConfig(cfg, workDir), nil)
			report, err := gk.CheckAll(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.AllPassed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "dir", "", "directory to run command gates in (default: project dir)")
	return cmd
}

// gateConfig maps the YAML gate settings onto the gatekeeper's knobs.
// Command gates default to enabled only when a command is configured.
func gateConfig(cfg *config.Config, workDir string) trust.GateConfig {
	g := cfg.Gates
	return trust.GateConfig{
		BuildEnabled:    config.GateEnabled(g.Build, len(g.BuildCommand) > 0),
		LintEnabled:     config.GateEnabled(g.Lint, len(g.LintCommand) > 0),
		TestsEnabled:    config.GateEnabled(g.Tests, len(g.TestsCommand) > 0),
		CoverageEnabled: config.GateEnabled(g.Coverage, len(g.CoverageCommand) > 0),
		FindingsEnabled: config.GateEnabled(g.Findings, true),
		BuildCommand:    g.BuildCommand,
		LintCommand:     g.LintCommand,
		TestsCommand:    g.TestsCommand,
		CoverageCommand: g.CoverageCommand,
		WorkDir:         workDir,
	}
}
