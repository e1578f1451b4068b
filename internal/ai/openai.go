package ai

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const openAIBaseURL = "https://api.openai.com"

type openAI struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
	temp    float64
	tokens  int
	timeout time.Duration
}

func newOpenAI(cfg Config, client *http.Client) *openAI {
	base := cfg.BaseURL
	if base == "" {
		base = openAIBaseURL
	}
	return &openAI{
		client:  client,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.OpenAIAPIKey,
		model:   cfg.Model,
		temp:    cfg.Temperature,
		tokens:  cfg.MaxTokens,
		timeout: cfg.Timeout,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *openAI) Name() string { return ProviderOpenAI }

func (o *openAI) Classify(ctx context.Context, prompt string) (string, error) {
	req := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: SystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature:    o.temp,
		MaxTokens:      o.tokens,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	var resp chatResponse
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}
	if err := doJSON(ctx, o.client, o.timeout, o.baseURL+"/v1/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
