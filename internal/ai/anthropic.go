package ai

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
)

type anthropic struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	temp    float64
	tokens  int
	timeout time.Duration
}

func newAnthropic(cfg Config, client *http.Client) *anthropic {
	base := cfg.BaseURL
	if base == "" {
		base = anthropicBaseURL
	}
	return &anthropic{
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.AnthropicAPIKey,
		model:   cfg.Model,
		temp:    cfg.Temperature,
		tokens:  cfg.MaxTokens,
		timeout: cfg.Timeout,
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system"`
	Messages    []chatMessage `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *anthropic) Name() string { return ProviderAnthropic }

func (a *anthropic) Classify(ctx context.Context, prompt string) (string, error) {
	req := messagesRequest{
		Model:       a.model,
		MaxTokens:   a.tokens,
		Temperature: a.temp,
		System:      SystemPrompt,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var resp messagesResponse
	if err := doJSON(ctx, a.client, a.timeout, a.baseURL+"/v1/messages", headers, req, &resp); err != nil {
		return "", err
	}
	for _, block := range resp.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", ErrEmptyResponse
}
