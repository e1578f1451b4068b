package guardian

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/ai"
	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/contentscan"
	"github.com/linkguard/guardian/internal/httpclient"
	"github.com/linkguard/guardian/internal/linkscan"
	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/websearch"
)

// Analyzers holds both verdict sides built from configuration.
type Analyzers struct {
	Basic   *linkscan.Analyzer
	Content *contentscan.Analyzer
}

// BuildAnalyzers wires the heuristic and content sides. A backend that
// cannot be configured leaves the content side permanently unavailable
// instead of failing startup.
func BuildAnalyzers(cfg *config.Config, list *threatlist.List) Analyzers {
	a := cfg.Analysis

	pageClient := linkscan.PageClient(a.CheckTimeout)
	rdapClient := httpclient.New(httpclient.Options{
		RetryMax:     1,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: time.Second,
		Timeout:      a.CheckTimeout,
	})
	checks := linkscan.DefaultChecks(list, linkscan.Settings{
		SuspiciousTLDs: a.SuspiciousTLDs,
		RDAPURL:        a.RDAPURL,
	}, pageClient, rdapClient)
	basic := linkscan.New(checks, linkscan.Options{
		CheckTimeout: a.CheckTimeout,
		Workers:      a.Workers,
		TrustedCap:   cfg.Thresholds.Suspicious - 0.01,
	})

	aiClient := httpclient.New(httpclient.Options{
		RetryMax:     2,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
		Timeout:      cfg.AI.Timeout,
	})
	classifier, err := ai.New(ai.Config{
		Provider:        cfg.AI.Provider,
		Model:           cfg.AI.Model,
		Temperature:     cfg.AI.Temperature,
		MaxTokens:       cfg.AI.MaxTokens,
		Timeout:         cfg.AI.Timeout,
		OpenAIAPIKey:    cfg.AI.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AI.AnthropicAPIKey,
		LocalURL:        cfg.AI.LocalURL,
		BaseURL:         cfg.AI.BaseURL,
	}, aiClient)
	if err != nil {
		log.Warn().Err(err).Msg("guardian: AI backend disabled, heuristics only")
		classifier = ai.Unavailable{Reason: err}
	}

	var searcher websearch.Searcher
	if cfg.Search.SerpAPIKey != "" {
		searcher = websearch.NewSerpAPI(httpclient.Robust(), cfg.Search.SerpAPIKey, cfg.Search.BaseURL, cfg.Search.Results)
	}

	fetcher := contentscan.NewFetcher(linkscan.PageClient(a.FetchTimeout), a.FetchTimeout)
	return Analyzers{
		Basic:   basic,
		Content: contentscan.New(fetcher, classifier, searcher),
	}
}

// ThreatListSources lists where the threat list comes from: configuration,
// then the optional file, then Redis when a client is given.
func ThreatListSources(cfg *config.Config, rdb *redis.Client) []threatlist.Source {
	sources := []threatlist.Source{threatlist.StaticSource{Entries: threatlist.Entries{
		Malicious: cfg.Analysis.MaliciousDomains,
		Trusted:   cfg.Analysis.TrustedDomains,
	}}}
	if cfg.ThreatList.File != "" {
		sources = append(sources, threatlist.FileSource{Path: cfg.ThreatList.File})
	}
	if rdb != nil {
		sources = append(sources, threatlist.NewRedisSource(rdb))
	}
	return sources
}
