// Package websearch queries a web search API for domain reputation signals.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Result is one organic search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
}

// Searcher runs a single query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// Disabled is used when no search credentials are configured. It returns no
// results so the reputation step is skipped.
type Disabled struct{}

func (Disabled) Search(context.Context, string) ([]Result, error) {
	return nil, nil
}

const serpAPIBaseURL = "https://serpapi.com/search"

// SerpAPI is a Searcher backed by serpapi.com.
type SerpAPI struct {
	client  *http.Client
	baseURL string
	apiKey  string
	num     int
	timeout time.Duration
}

// NewSerpAPI returns a SerpAPI searcher. An empty baseURL uses the public
// endpoint; num is the per-query result count.
func NewSerpAPI(client *http.Client, apiKey, baseURL string, num int) *SerpAPI {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = serpAPIBaseURL
	}
	if num <= 0 {
		num = 5
	}
	return &SerpAPI{client: client, baseURL: baseURL, apiKey: apiKey, num: num, timeout: 10 * time.Second}
}

type serpResponse struct {
	OrganicResults []Result `json:"organic_results"`
	Error          string   `json:"error"`
}

func (s *SerpAPI) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("api_key", s.apiKey)
	q.Set("num", strconv.Itoa(s.num))
	q.Set("engine", "google")

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("websearch: build request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		// The request URL carries the API key.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("websearch: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("websearch: http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var body serpResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("websearch: decode: %w", err)
	}
	if body.Error != "" {
		return nil, fmt.Errorf("websearch: %s", body.Error)
	}
	if len(body.OrganicResults) > s.num {
		body.OrganicResults = body.OrganicResults[:s.num]
	}
	return body.OrganicResults, nil
}

// ReputationQueries are the fixed queries issued for a domain.
func ReputationQueries(domain string) []string {
	return []string{
		fmt.Sprintf(`"%s" scam OR fraud OR complaint`, domain),
		fmt.Sprintf(`"%s" review OR experience`, domain),
		fmt.Sprintf(`is "%s" legitimate OR safe`, domain),
	}
}
