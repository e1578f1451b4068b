package ai

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// ollama talks to a locally hosted model through the /api/generate endpoint.
type ollama struct {
	client  *http.Client
	baseURL string
	model   string
	temp    float64
	timeout time.Duration
}

func newOllama(cfg Config, client *http.Client) *ollama {
	base := cfg.LocalURL
	if base == "" {
		base = "http://localhost:11434"
	}
	return &ollama{
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		model:   cfg.Model,
		temp:    cfg.Temperature,
		timeout: cfg.Timeout,
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (o *ollama) Name() string { return ProviderLocal }

func (o *ollama) Classify(ctx context.Context, prompt string) (string, error) {
	req := generateRequest{
		Model:   o.model,
		Prompt:  prompt,
		System:  SystemPrompt,
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": o.temp},
	}

	var resp generateResponse
	if err := doJSON(ctx, o.client, o.timeout, o.baseURL+"/api/generate", nil, req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Response, nil
}
