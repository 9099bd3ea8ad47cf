package llm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CLI invokes an external LLM command-line tool. Prompts and responses go
// through temp files: prompts routinely exceed argv limits, and pipes deadlock
// when the child buffers its full output before reading stdin.
type CLI struct {
	path   string
	models map[Role]string
}

// NewCLI creates a CLI provider for the given binary path.
func NewCLI(path string, models map[Role]string) *CLI {
	if path == "" {
		path = "claude"
	}
	return &CLI{path: path, models: models}
}

// Name implements Provider.
func (c *CLI) Name() string { return "cli" }

// Complete implements Provider.
func (c *CLI) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	dir, err := os.MkdirTemp("", "fabric-llm-")
	if err != nil {
		return "", fmt.Errorf("create llm temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	promptFile := filepath.Join(dir, "prompt.txt")
	outFile := filepath.Join(dir, "response.txt")
	if err := os.WriteFile(promptFile, []byte(req.Prompt), 0600); err != nil {
		return "", fmt.Errorf("write prompt file: %w", err)
	}

	in, err := os.Open(promptFile)
	if err != nil {
		return "", fmt.Errorf("open prompt file: %w", err)
	}
	defer in.Close()
	out, err := os.Create(outFile)
	if err != nil {
		return "", fmt.Errorf("create response file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, c.path, "-p", "--model", modelFor(c.models, req.Role))
	cmd.Stdin = in
	cmd.Stdout = out
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("llm cli timed out (%s): %w", req.Role, ctx.Err())
		}
		return "", fmt.Errorf("llm cli failed (%s): %w: %s", req.Role, err, strings.TrimSpace(stderr.String()))
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}
	return string(data), nil
}
