package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxResponseSize limits the reply body read from the model endpoint.
const maxResponseSize = 10 * 1024 * 1024

// OllamaBackend talks to a generate endpoint that accepts
// {model, prompt, images, stream, options} and replies {response}.
type OllamaBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaBackend creates a backend for the server at baseURL. A nil
// client uses http.DefaultClient; per-call deadlines come from the context.
func NewOllamaBackend(baseURL string, client *http.Client) *OllamaBackend {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaBackend{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: client}
}

// Name returns the backend identifier.
func (o *OllamaBackend) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

func (o *OllamaBackend) endpoint() string {
	if strings.HasSuffix(o.baseURL, "/api/generate") {
		return o.baseURL
	}
	return o.baseURL + "/api/generate"
}

// Generate posts one non-streaming generate request.
func (o *OllamaBackend) Generate(ctx context.Context, req Request) (string, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: false,
		Format: "json",
	}
	for _, img := range req.Images {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(img))
	}
	opts := map[string]any{}
	if req.Options.Temperature > 0 {
		opts["temperature"] = req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		opts["num_predict"] = req.Options.MaxTokens
	}
	if len(opts) > 0 {
		body.Options = opts
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", NewFatalError(fmt.Errorf("encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return "", NewFatalError(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", NewTransientError(fmt.Errorf("post %s: %w", o.endpoint(), err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", NewTransientError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp.StatusCode, data)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", NewTransientError(fmt.Errorf("decode response envelope: %w", err))
	}
	if out.Error != "" {
		return "", NewTransientError(fmt.Errorf("vision model error: %s", out.Error))
	}
	return out.Response, nil
}
