package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GeminiBackend sends requests through the Gemini API.
type GeminiBackend struct {
	client *genai.Client
}

// NewGeminiBackend creates a Gemini client for apiKey.
func NewGeminiBackend(ctx context.Context, apiKey string) (*GeminiBackend, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

// Name returns the backend identifier.
func (g *GeminiBackend) Name() string { return "gemini" }

// Generate sends the prompt followed by each image as inline PNG data.
func (g *GeminiBackend) Generate(ctx context.Context, req Request) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, img := range req.Images {
		parts = append(parts, genai.NewPartFromBytes(img, "image/png"))
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	cfg := &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	if req.Options.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Options.Temperature))
	}
	if req.Options.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.Options.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	return resp.Text(), nil
}

func classifyGeminiError(err error) error {
	wrapped := fmt.Errorf("gemini generate: %w", err)
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return NewTransientError(wrapped)
		}
		return NewFatalError(wrapped)
	}
	return NewTransientError(wrapped)
}
