package linkscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/linkguard/guardian/internal/verdict"
)

const (
	newDomainAge     = 30 * 24 * time.Hour
	youngDomainAge   = 180 * 24 * time.Hour
	newDomainScore   = 0.3
	youngDomainScore = 0.1
)

// ErrNoRegistration is returned when RDAP has no registration event.
var ErrNoRegistration = errors.New("rdap: no registration event")

// DomainAgeCheck looks up the registration date of the registrable domain
// over RDAP. Dates are cached because they never change.
type DomainAgeCheck struct {
	client  *http.Client
	baseURL string
	cache   *expirable.LRU[string, time.Time]
	now     func() time.Time
}

// NewDomainAgeCheck queries baseURL + domain, e.g. https://rdap.org/domain/.
func NewDomainAgeCheck(client *http.Client, baseURL string) *DomainAgeCheck {
	if client == nil {
		client = http.DefaultClient
	}
	if baseURL == "" {
		baseURL = "https://rdap.org/domain/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &DomainAgeCheck{
		client:  client,
		baseURL: baseURL,
		cache:   expirable.NewLRU[string, time.Time](4096, nil, 24*time.Hour),
		now:     time.Now,
	}
}

func (c *DomainAgeCheck) Name() string { return "domain_age" }

type rdapDomain struct {
	Events []struct {
		Action string `json:"eventAction"`
		Date   string `json:"eventDate"`
	} `json:"events"`
}

func (c *DomainAgeCheck) Run(ctx context.Context, t Target) (verdict.CheckResult, error) {
	if t.IsIP || t.Domain == "" {
		return verdict.CheckResult{Details: map[string]any{"skipped": "ip host"}}, nil
	}

	registered, ok := c.cache.Get(t.Domain)
	if !ok {
		var err error
		registered, err = c.lookup(ctx, t.Domain)
		if err != nil {
			return verdict.CheckResult{}, err
		}
		c.cache.Add(t.Domain, registered)
	}

	age := c.now().Sub(registered)
	res := verdict.CheckResult{Details: map[string]any{
		"registered": registered.UTC().Format(time.RFC3339),
		"age_days":   int(age.Hours() / 24),
	}}
	switch {
	case age < newDomainAge:
		res.Score = newDomainScore
		res.Flags = []string{"Domain registered less than 30 days ago"}
	case age < youngDomainAge:
		res.Score = youngDomainScore
		res.Flags = []string{"Domain registered less than 6 months ago"}
	}
	return res, nil
}

func (c *DomainAgeCheck) lookup(ctx context.Context, domain string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+domain, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("rdap: build request: %w", err)
	}
	req.Header.Set("Accept", "application/rdap+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("rdap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("rdap: %s: http %d", domain, resp.StatusCode)
	}

	var body rdapDomain
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("rdap: decode: %w", err)
	}
	for _, ev := range body.Events {
		if ev.Action != "registration" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, ev.Date)
		if err != nil {
			return time.Time{}, fmt.Errorf("rdap: registration date %q: %w", ev.Date, err)
		}
		return ts, nil
	}
	return time.Time{}, ErrNoRegistration
}
