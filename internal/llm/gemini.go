package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// Gemini calls the Google GenAI API.
type Gemini struct {
	client *genai.Client
	models map[Role]string
}

// NewGemini creates a Gemini provider.
func NewGemini(apiKey string, models map[Role]string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, models: models}, nil
}

// Name implements Provider.
func (g *Gemini) Name() string { return "gemini" }

// Complete implements Provider.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	result, err := g.client.Models.GenerateContent(ctx,
		modelFor(g.models, req.Role),
		genai.Text(req.Prompt),
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("gemini completion (%s): %w", req.Role, err)
	}
	return result.Text(), nil
}
