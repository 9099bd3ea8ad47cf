// Package llm abstracts the external language models the fabric consults.
//
// Every caller in the fabric treats a model as an opaque prompt-in, text-out
// collaborator with a bounded timeout. Provider selection and per-role model
// names come from configuration; GOVERNANCE_MOCK_REVIEW forces the mock
// provider regardless of configuration so tests and dry runs never leave the
// machine.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"govfabric/internal/config"
)

// Role names a pipeline call site so configuration can assign each one a
// different model.
type Role string

const (
	RoleReview   Role = "review"
	RoleTriage   Role = "triage"
	RoleAnalysis Role = "analysis"
	RoleDeepDive Role = "deep_dive"
	RoleDistill  Role = "distill"
)

// Request is a single completion request.
type Request struct {
	// Role selects the configured model for this call site.
	Role Role

	// Prompt is the full prompt text. Callers are responsible for any
	// "respond with ONLY JSON" framing.
	Prompt string

	// Timeout bounds the call. Zero means the provider default.
	Timeout time.Duration

	// MaxTokens limits the response length. Zero uses the provider default.
	MaxTokens int
}

// Provider sends a prompt to a model and returns the raw response text.
type Provider interface {
	// Complete performs one completion. Implementations must respect
	// req.Timeout and return a wrapped error on transport failure or
	// timeout; callers map those to needs_human_review.
	Complete(ctx context.Context, req Request) (string, error)

	// Name identifies the provider for logging.
	Name() string
}

// MockEnvVar forces the deterministic mock provider when set to any truthy
// value. It also switches the evidence validator to always-valid.
const MockEnvVar = "GOVERNANCE_MOCK_REVIEW"

// MockMode reports whether the mock env flag is set.
func MockMode() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(MockEnvVar)))
	switch v {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// New builds the configured provider. Mock mode wins over configuration.
func New(cfg *config.Config) (Provider, error) {
	if MockMode() {
		return NewMock(), nil
	}

	models := roleModels(cfg)
	switch cfg.Models.Provider {
	case "mock":
		return NewMock(), nil
	case "anthropic":
		return NewAnthropic(os.Getenv("ANTHROPIC_API_KEY"), models)
	case "gemini":
		return NewGemini(os.Getenv("GEMINI_API_KEY"), models)
	case "cli":
		return NewCLI(cfg.Models.CLIPath, models), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Models.Provider)
	}
}

func roleModels(cfg *config.Config) map[Role]string {
	return map[Role]string{
		RoleReview:   cfg.Models.Review,
		RoleTriage:   cfg.Models.Triage,
		RoleAnalysis: cfg.Models.Analysis,
		RoleDeepDive: cfg.Models.DeepDive,
		RoleDistill:  cfg.Models.Distill,
	}
}

// modelFor resolves the model name for a role, falling back to the review
// model when the role has no assignment.
func modelFor(models map[Role]string, role Role) string {
	if m, ok := models[role]; ok && m != "" {
		return m
	}
	return models[RoleReview]
}

// withTimeout derives the call context. The default bound keeps a wedged
// provider from hanging a hook forever.
func withTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	d := req.Timeout
	if d <= 0 {
		d = 120 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
