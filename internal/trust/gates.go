package trust

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gate names, in aggregate order.
const (
	GateBuild    = "build"
	GateLint     = "lint"
	GateTests    = "tests"
	GateCoverage = "coverage"
	GateFindings = "findings"
)

// GateResult is one sub-gate's outcome.
type GateResult struct {
	Gate   string `json:"gate"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// GateReport is the aggregate of all sub-gates.
type GateReport struct {
	AllPassed bool         `json:"all_passed"`
	Results   []GateResult `json:"results"`
	CheckedAt time.Time    `json:"checked_at"`
}

// GateConfig enables sub-gates and names the commands backing the command
// gates. A nil/disabled gate passes automatically.
type GateConfig struct {
	BuildEnabled    bool
	LintEnabled     bool
	TestsEnabled    bool
	CoverageEnabled bool
	FindingsEnabled bool

	BuildCommand    []string
	LintCommand     []string
	TestsCommand    []string
	CoverageCommand []string

	// WorkDir is where command gates run.
	WorkDir string

	// CommandTimeout bounds each command gate. Zero means 5 minutes.
	CommandTimeout time.Duration
}

// Runner executes a command gate and returns its combined output. Swapped
// for a fake in tests.
type Runner interface {
	Run(ctx context.Context, workDir string, argv []string) (string, error)
}

// ExecRunner runs command gates via os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, workDir string, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Gatekeeper evaluates the five release gates for a project.
type Gatekeeper struct {
	engine *Engine
	cfg    GateConfig
	runner Runner
}

// NewGatekeeper creates a gatekeeper over the trust engine.
func NewGatekeeper(engine *Engine, cfg GateConfig, runner Runner) *Gatekeeper {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	return &Gatekeeper{engine: engine, cfg: cfg, runner: runner}
}

// CheckAll runs every sub-gate and ANDs the results.
func (g *Gatekeeper) CheckAll(ctx context.Context) (*GateReport, error) {
	report := &GateReport{AllPassed: true, CheckedAt: time.Now().UTC()}

	commandGates := []struct {
		name    string
		enabled bool
		argv    []string
	}{
		{GateBuild, g.cfg.BuildEnabled, g.cfg.BuildCommand},
		{GateLint, g.cfg.LintEnabled, g.cfg.LintCommand},
		{GateTests, g.cfg.TestsEnabled, g.cfg.TestsCommand},
		{GateCoverage, g.cfg.CoverageEnabled, g.cfg.CoverageCommand},
	}
	for _, cg := range commandGates {
		report.add(g.checkCommand(ctx, cg.name, cg.enabled, cg.argv))
	}

	findings, err := g.checkFindings(ctx)
	if err != nil {
		return nil, err
	}
	report.add(findings)
	return report, nil
}

func (r *GateReport) add(res GateResult) {
	r.Results = append(r.Results, res)
	r.AllPassed = r.AllPassed && res.Passed
}

func (g *Gatekeeper) checkCommand(ctx context.Context, name string, enabled bool, argv []string) GateResult {
	if !enabled {
		return GateResult{Gate: name, Passed: true, Detail: "Skipped (disabled)"}
	}
	if len(argv) == 0 {
		return GateResult{Gate: name, Passed: false, Detail: "enabled but no command configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CommandTimeout)
	defer cancel()

	out, err := g.runner.Run(ctx, g.cfg.WorkDir, argv)
	if err != nil {
		detail := strings.TrimSpace(out)
		if detail == "" {
			detail = err.Error()
		}
		return GateResult{Gate: name, Passed: false, Detail: truncate(detail, 2000)}
	}
	return GateResult{Gate: name, Passed: true, Detail: "ok"}
}

// checkFindings fails iff any open finding is high severity or worse.
func (g *Gatekeeper) checkFindings(ctx context.Context) (GateResult, error) {
	if !g.cfg.FindingsEnabled {
		return GateResult{Gate: GateFindings, Passed: true, Detail: "Skipped (disabled)"}, nil
	}
	open, err := g.engine.ListFindings(ctx, FindingOpen)
	if err != nil {
		return GateResult{}, err
	}
	var blocking []string
	for _, f := range open {
		if f.Severity.AtLeast(SeverityHigh) {
			blocking = append(blocking, fmt.Sprintf("%s (%s, %s)", f.ID, f.Tool, f.Severity))
		}
	}
	if len(blocking) > 0 {
		return GateResult{
			Gate:   GateFindings,
			Passed: false,
			Detail: fmt.Sprintf("%d open finding(s) at high severity or above: %s",
				len(blocking), strings.Join(blocking, ", ")),
		}, nil
	}
	return GateResult{
		Gate:   GateFindings,
		Passed: true,
		Detail: fmt.Sprintf("%d open finding(s), none above medium", len(open)),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
