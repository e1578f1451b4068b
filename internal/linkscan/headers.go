package linkscan

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/linkguard/guardian/internal/verdict"
)

const headerScore = 0.1

// securityHeaders are the response headers a maintained site usually sends.
var securityHeaders = []string{
	"Strict-Transport-Security",
	"Content-Security-Policy",
	"X-Frame-Options",
}

// HeaderCheck fetches the URL and inspects the response headers.
type HeaderCheck struct {
	client *http.Client
}

func NewHeaderCheck(client *http.Client) *HeaderCheck {
	if client == nil {
		client = PageClient(defaultPageTimeout)
	}
	return &HeaderCheck{client: client}
}

func (c *HeaderCheck) Name() string { return "headers" }

func (c *HeaderCheck) Run(ctx context.Context, t Target) (verdict.CheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL.String(), nil)
	if err != nil {
		return verdict.CheckResult{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return verdict.CheckResult{}, err
	}
	defer resp.Body.Close()
	_, _ = io.CopyN(io.Discard, resp.Body, 64<<10)

	res := verdict.CheckResult{Details: map[string]any{
		"status": resp.StatusCode,
		"server": resp.Header.Get("Server"),
	}}

	missing := 0
	for _, h := range securityHeaders {
		if resp.Header.Get(h) == "" {
			missing++
		}
	}
	if missing == len(securityHeaders) {
		res.Score += headerScore
		res.Flags = append(res.Flags, "Site sends no common security headers")
	}

	if target := refreshTarget(resp.Header.Get("Refresh")); target != "" {
		if u, err := url.Parse(target); err == nil && u.Host != "" && !strings.EqualFold(u.Hostname(), resp.Request.URL.Hostname()) {
			res.Score += headerScore
			res.Flags = append(res.Flags, "Page redirects to another domain via Refresh header")
			res.Details["refresh"] = target
		}
	}

	if strings.HasPrefix(strings.ToLower(resp.Header.Get("Content-Disposition")), "attachment") {
		res.Score += headerScore
		res.Flags = append(res.Flags, "Link triggers a file download")
	}
	return res, nil
}

// refreshTarget extracts the URL from a header like "0; url=https://x".
func refreshTarget(v string) string {
	i := strings.Index(strings.ToLower(v), "url=")
	if i < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(v[i+4:]), `'"`)
}
