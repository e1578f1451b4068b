package linkscan

import (
	"net/http"
	"time"

	"github.com/linkguard/guardian/internal/httpclient"
	"github.com/linkguard/guardian/internal/threatlist"
)

const (
	userAgent          = "Mozilla/5.0 (compatible; linkguard/1.0; +https://github.com/linkguard/guardian)"
	defaultPageTimeout = 10 * time.Second
)

// Settings configure the stock check set.
type Settings struct {
	SuspiciousTLDs []string
	RDAPURL        string
	Shorteners     []string
}

// DefaultChecks returns the stock check set in execution order: reputation,
// tls, domain_age, shortener, patterns, homograph, headers. pageClient is
// used for requests to the analysed site; rdapClient for registry lookups.
func DefaultChecks(list *threatlist.List, s Settings, pageClient, rdapClient *http.Client) []Check {
	return []Check{
		ReputationCheck{List: list},
		TLSCheck{},
		NewDomainAgeCheck(rdapClient, s.RDAPURL),
		NewShortenerCheck(pageClient, list, s.Shorteners),
		NewPatternCheck(s.SuspiciousTLDs),
		HomographCheck{},
		NewHeaderCheck(pageClient),
	}
}

// PageClient is the client for talking to analysed sites. It does not retry
// and refuses to connect to loopback, private or link-local addresses, so a
// posted link cannot reach internal services.
func PageClient(timeout time.Duration) *http.Client {
	c := httpclient.Public(timeout)
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 5 {
			return http.ErrUseLastResponse
		}
		return nil
	}
	return c
}
