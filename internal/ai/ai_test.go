package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProviderSelection(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"openai", Config{Provider: ProviderOpenAI, OpenAIAPIKey: "k"}, ProviderOpenAI, false},
		{"openai without key", Config{Provider: ProviderOpenAI}, "", true},
		{"anthropic", Config{Provider: ProviderAnthropic, AnthropicAPIKey: "k"}, ProviderAnthropic, false},
		{"anthropic without key", Config{Provider: ProviderAnthropic}, "", true},
		{"local", Config{Provider: ProviderLocal}, ProviderLocal, false},
		{"unknown", Config{Provider: "bard"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestOpenAI_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, SystemPrompt, req.Messages[0].Content)
		assert.Equal(t, "classify this", req.Messages[1].Content)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"threat_level\":\"low\"}"}}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderOpenAI, OpenAIAPIKey: "sk-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := c.Classify(context.Background(), "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"threat_level":"low"}`, out)
}

func TestAnthropic_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-sonnet-20240229", req.Model)
		assert.Equal(t, 1000, req.MaxTokens)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"ok\":true}"}]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderAnthropic, AnthropicAPIKey: "ak-test", BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := c.Classify(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}

func TestOllama_Classify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama2", req.Model)
		assert.Equal(t, "json", req.Format)
		assert.False(t, req.Stream)

		_, _ = w.Write([]byte(`{"response":"{}"}`))
	}))
	defer srv.Close()

	c, err := New(Config{Provider: ProviderLocal, LocalURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	out, err := c.Classify(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestClassify_Errors(t *testing.T) {
	t.Run("http error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusUnauthorized)
		}))
		defer srv.Close()

		c, err := New(Config{Provider: ProviderOpenAI, OpenAIAPIKey: "x", BaseURL: srv.URL}, srv.Client())
		require.NoError(t, err)
		_, err = c.Classify(context.Background(), "p")

		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	})

	t.Run("empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()

		c, err := New(Config{Provider: ProviderOpenAI, OpenAIAPIKey: "x", BaseURL: srv.URL}, srv.Client())
		require.NoError(t, err)
		_, err = c.Classify(context.Background(), "p")
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c, err := New(Config{Provider: ProviderLocal, LocalURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client())
		require.NoError(t, err)
		_, err = c.Classify(context.Background(), "p")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestExtractJSON(t *testing.T) {
	got, err := ExtractJSON("```json\n{\"a\": {\"b\": 1}}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": {"b": 1}}`, got)

	_, err = ExtractJSON("no object here")
	assert.Error(t, err)
}

func TestUnavailable(t *testing.T) {
	_, err := New(Config{Provider: ProviderOpenAI}, nil)
	require.Error(t, err)

	var c Classifier = Unavailable{Reason: err}
	assert.Equal(t, "unavailable", c.Name())
	_, err = c.Classify(context.Background(), "prompt")
	assert.ErrorContains(t, err, "requires an api key")
}
