// Package ai provides the interchangeable text-classification backends used
// for content and reputation judgments: OpenAI, Anthropic and a local Ollama
// server. The backend is chosen once from configuration.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SystemPrompt frames every classification request.
const SystemPrompt = "You are a security expert analyzing URLs for potential threats."

// ErrEmptyResponse is returned when a backend answers without any text.
var ErrEmptyResponse = errors.New("ai: empty response")

// Classifier turns a prompt into the model's raw text answer.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, prompt string) (string, error)
}

// Config selects and tunes a backend.
type Config struct {
	Provider        string
	Model           string
	Temperature     float64
	MaxTokens       int
	Timeout         time.Duration
	OpenAIAPIKey    string
	AnthropicAPIKey string
	LocalURL        string
	BaseURL         string
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLocal     = "local"
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4",
	ProviderAnthropic: "claude-3-sonnet-20240229",
	ProviderLocal:     "llama2",
}

// New builds the backend named by cfg.Provider.
func New(cfg Config, httpClient *http.Client) (Classifier, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if cfg.Model == "" {
		cfg.Model = defaultModels[cfg.Provider]
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}

	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("ai: openai provider requires an api key")
		}
		return newOpenAI(cfg, httpClient), nil
	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ai: anthropic provider requires an api key")
		}
		return newAnthropic(cfg, httpClient), nil
	case ProviderLocal:
		return newOllama(cfg, httpClient), nil
	default:
		return nil, fmt.Errorf("ai: unknown provider %q", cfg.Provider)
	}
}

// Unavailable stands in when no backend could be configured. Every call
// fails, so the content side contributes nothing.
type Unavailable struct {
	Reason error
}

func (Unavailable) Name() string { return "unavailable" }

func (u Unavailable) Classify(context.Context, string) (string, error) {
	return "", fmt.Errorf("ai: backend unavailable: %w", u.Reason)
}

// HTTPError is a non-2xx answer from a backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("ai: http %d: %s", e.StatusCode, e.Body)
}

// doJSON posts body to url and decodes the reply into out.
func doJSON(ctx context.Context, client *http.Client, timeout time.Duration, url string, headers map[string]string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("ai: encode request: %w", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("ai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ai: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ai: decode response: %w", err)
	}
	return nil
}

// ExtractJSON returns the first top-level JSON object in text, tolerating
// markdown fences and prose around it.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("ai: no json object in response")
	}
	return text[start : end+1], nil
}
