package linkscan

import (
	"context"
	"net/http"
	"net/url"

	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdict"
)

const (
	shortenerScore         = 0.2
	maliciousRedirectScore = 0.4
)

// DefaultShorteners are well-known URL shortening services.
var DefaultShorteners = []string{
	"bit.ly", "bit.do", "buff.ly", "cutt.ly", "goo.gl", "is.gd", "ow.ly",
	"rb.gy", "rebrand.ly", "s.id", "shorturl.at", "t.co", "t.ly",
	"tiny.cc", "tinyurl.com", "v.gd",
}

// ShortenerCheck detects shortened links and resolves one redirect hop to
// reveal the destination.
type ShortenerCheck struct {
	client *http.Client
	hosts  map[string]struct{}
	list   *threatlist.List
}

// NewShortenerCheck resolves with a copy of client that never follows
// redirects. list may be nil.
func NewShortenerCheck(client *http.Client, list *threatlist.List, hosts []string) *ShortenerCheck {
	if client == nil {
		client = PageClient(defaultPageTimeout)
	}
	noFollow := *client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if len(hosts) == 0 {
		hosts = DefaultShorteners
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[threatlist.Normalize(h)] = struct{}{}
	}
	return &ShortenerCheck{client: &noFollow, hosts: set, list: list}
}

func (c *ShortenerCheck) Name() string { return "shortener" }

func (c *ShortenerCheck) Run(ctx context.Context, t Target) (verdict.CheckResult, error) {
	if _, ok := c.hosts[t.Host]; !ok {
		return verdict.CheckResult{}, nil
	}

	res := verdict.CheckResult{
		Score:   shortenerScore,
		Flags:   []string{"URL shortener hides the destination"},
		Details: map[string]any{"shortener": t.Host},
	}

	dest, err := c.resolve(ctx, t.URL.String())
	if err != nil {
		res.Details["resolve_error"] = err.Error()
		return res, nil
	}
	if dest == nil {
		return res, nil
	}
	res.Details["destination"] = dest.String()

	if c.list != nil && c.list.Lookup(dest.Hostname()).Malicious {
		res.Score += maliciousRedirectScore
		res.Flags = append(res.Flags, "Shortened URL resolves to a known-malicious domain")
		res.Blocklisted = true
	}
	return res, nil
}

// resolve returns the Location of the first redirect, or nil if the
// shortener answered without redirecting.
func (c *ShortenerCheck) resolve(ctx context.Context, raw string) (*url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	loc, err := resp.Location()
	if err == http.ErrNoLocation {
		return nil, nil
	}
	return loc, err
}
