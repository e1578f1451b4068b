// Package contentscan is the AI-assisted side of URL analysis. It fetches the
// page, asks the configured model to classify it, and independently asks the
// model to judge the domain's web reputation. Every step can fail on its own;
// failures only lower confidence and never reach the caller as errors.
package contentscan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/linkguard/guardian/internal/ai"
	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/verdict"
	"github.com/linkguard/guardian/internal/websearch"
)

const (
	// FlagUnavailable is the single flag of a classification that failed.
	FlagUnavailable = "AI analysis unavailable"
	// FlagComplaints is added when the reputation step finds complaints.
	FlagComplaints = "Negative reviews/complaints found"

	complaintsScore   = 0.4
	defaultConfidence = 0.5
	maxSearchResults  = 10
)

var levelScores = map[string]float64{
	"low":    0.2,
	"medium": 0.5,
	"high":   0.8,
}

// Assessment is the model's classification of a page.
type Assessment struct {
	IsSuspicious    bool     `json:"is_suspicious"`
	ThreatLevel     string   `json:"threat_level"`
	Confidence      *float64 `json:"confidence"`
	Indicators      []string `json:"indicators"`
	LegitimateSigns []string `json:"legitimate_signs"`
	Recommendation  string   `json:"recommendation"`
}

// Reputation is the model's judgment of a domain's search results.
type Reputation struct {
	HasComplaints        bool   `json:"has_complaints"`
	ComplaintSeverity    string `json:"complaint_severity"`
	Sentiment            string `json:"sentiment"`
	ScamReports          bool   `json:"scam_reports"`
	IsLegitimateBusiness bool   `json:"is_legitimate_business"`
	Summary              string `json:"summary"`
}

// PageFetcher retrieves page content.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*Content, error)
}

// Analyzer is the content/AI aggregator.
type Analyzer struct {
	fetcher    PageFetcher
	classifier ai.Classifier
	searcher   websearch.Searcher
}

// New returns an analyzer. A nil searcher disables the reputation step.
func New(fetcher PageFetcher, classifier ai.Classifier, searcher websearch.Searcher) *Analyzer {
	if searcher == nil {
		searcher = websearch.Disabled{}
	}
	return &Analyzer{fetcher: fetcher, classifier: classifier, searcher: searcher}
}

// step is the explicit result of one analysis branch.
type step struct {
	name       string
	attempted  bool
	confidence float64
	score      float64
	flags      []string
	details    map[string]any
	err        error
}

// Analyze never fails. The content branch (fetch, then classify) and the
// reputation branch run concurrently.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string, basic verdict.Verdict) verdict.Verdict {
	var content, reputation step

	var g errgroup.Group
	g.Go(func() error {
		content = a.contentStep(ctx, rawURL, basic)
		return nil
	})
	g.Go(func() error {
		reputation = a.reputationStep(ctx, rawURL)
		return nil
	})
	_ = g.Wait()

	return fold(content, reputation)
}

func fold(steps ...step) verdict.Verdict {
	v := verdict.Verdict{
		Flags:   []string{},
		Details: map[string]map[string]any{},
	}

	var sum, conf float64
	attempted := 0
	for _, s := range steps {
		if !s.attempted {
			continue
		}
		attempted++
		if s.err != nil {
			v.Failed = append(v.Failed, s.name)
		}
		sum += s.score
		conf += s.confidence
		v.Flags = append(v.Flags, s.flags...)
		if len(s.details) > 0 {
			v.Details[s.name] = s.details
		}
	}
	if attempted == 0 {
		return v
	}
	v.Score = verdict.Clamp(sum)
	v.Confidence = verdict.Clamp(conf / float64(attempted))
	return v
}

func (a *Analyzer) contentStep(ctx context.Context, rawURL string, basic verdict.Verdict) step {
	s := step{name: "content", attempted: true}

	page, err := a.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("contentscan: page unavailable")
		s.err = err
		return s
	}

	answer, err := a.classifier.Classify(ctx, ContentPrompt(rawURL, page, basic))
	if err != nil {
		return a.classificationFailed(s, err)
	}
	assessment, err := ParseAssessment(answer)
	if err != nil {
		return a.classificationFailed(s, err)
	}
	metrics.AICallsTotal.WithLabelValues("classify", "completed").Inc()

	s.score = levelScores[strings.ToLower(assessment.ThreatLevel)]
	s.confidence = defaultConfidence
	if assessment.Confidence != nil {
		s.confidence = verdict.Clamp(*assessment.Confidence)
	}
	s.flags = assessment.Indicators
	s.details = map[string]any{
		"title":          page.Title,
		"forms":          page.Forms,
		"input_fields":   page.Inputs,
		"threat_level":   assessment.ThreatLevel,
		"recommendation": assessment.Recommendation,
	}
	if len(assessment.LegitimateSigns) > 0 {
		s.details["legitimate_signs"] = assessment.LegitimateSigns
	}
	return s
}

func (a *Analyzer) classificationFailed(s step, err error) step {
	metrics.AICallsTotal.WithLabelValues("classify", "failed").Inc()
	log.Warn().Err(err).Str("backend", a.classifier.Name()).Msg("contentscan: classification failed")
	s.err = err
	s.flags = []string{FlagUnavailable}
	return s
}

func (a *Analyzer) reputationStep(ctx context.Context, rawURL string) step {
	s := step{name: "reputation"}

	domain := hostOf(rawURL)
	if domain == "" {
		return s
	}

	var (
		results []websearch.Result
		failed  int
	)
	queries := websearch.ReputationQueries(domain)
	for _, q := range queries {
		found, err := a.searcher.Search(ctx, q)
		if err != nil {
			failed++
			log.Debug().Err(err).Str("query", q).Msg("contentscan: search failed")
			continue
		}
		results = append(results, found...)
	}
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}

	switch {
	case failed == len(queries):
		s.attempted = true
		s.err = fmt.Errorf("contentscan: all %d reputation searches failed", failed)
		return s
	case len(results) == 0:
		return s
	}
	s.attempted = true

	answer, err := a.classifier.Classify(ctx, ReputationPrompt(rawURL, results))
	if err == nil {
		var rep Reputation
		if rep, err = ParseReputation(answer); err == nil {
			metrics.AICallsTotal.WithLabelValues("reputation", "completed").Inc()
			s.confidence = 1
			s.details = map[string]any{
				"has_complaints": rep.HasComplaints,
				"severity":       rep.ComplaintSeverity,
				"sentiment":      rep.Sentiment,
				"scam_reports":   rep.ScamReports,
				"legitimate":     rep.IsLegitimateBusiness,
				"summary":        rep.Summary,
				"results":        len(results),
			}
			if rep.HasComplaints {
				s.score = complaintsScore
				s.flags = []string{FlagComplaints}
			}
			return s
		}
	}

	metrics.AICallsTotal.WithLabelValues("reputation", "failed").Inc()
	log.Warn().Err(err).Str("backend", a.classifier.Name()).Msg("contentscan: reputation judgment failed")
	s.err = err
	return s
}

// ParseAssessment decodes a classification answer.
func ParseAssessment(answer string) (Assessment, error) {
	var out Assessment
	if err := decodeAnswer(answer, &out); err != nil {
		return Assessment{}, err
	}
	return out, nil
}

// ParseReputation decodes a reputation answer.
func ParseReputation(answer string) (Reputation, error) {
	var out Reputation
	if err := decodeAnswer(answer, &out); err != nil {
		return Reputation{}, err
	}
	return out, nil
}

func decodeAnswer(answer string, out any) error {
	raw, err := ai.ExtractJSON(answer)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("contentscan: decode answer: %w", err)
	}
	return nil
}
