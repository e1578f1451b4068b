// Package linkscan is the heuristic side of URL analysis. It runs a fixed set
// of independent pattern and network checks concurrently and folds whatever
// completes into a basic verdict. A failing or slow check only lowers
// confidence.
package linkscan

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/verdict"
)

// Check is one independent heuristic. Run must treat t as read-only.
type Check interface {
	Name() string
	Run(ctx context.Context, t Target) (verdict.CheckResult, error)
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context, t Target) (verdict.CheckResult, error)
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Run(ctx context.Context, t Target) (verdict.CheckResult, error) {
	return c.Fn(ctx, t)
}

// FlagUnparseable is reported when the URL cannot be decomposed.
const FlagUnparseable = "URL could not be parsed"

// Analyzer is the heuristic aggregator.
type Analyzer struct {
	checks     []Check
	timeout    time.Duration
	workers    int
	trustedCap float64
}

// Options tune an Analyzer.
type Options struct {
	// CheckTimeout bounds every individual check.
	CheckTimeout time.Duration
	// Workers bounds how many checks run at once.
	Workers int
	// TrustedCap is the highest basic score an allowlisted domain can get.
	TrustedCap float64
}

// New returns an analyzer over checks, which run in the given order for
// flag ordering purposes.
func New(checks []Check, opts Options) *Analyzer {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = len(checks)
	}
	return &Analyzer{
		checks:     checks,
		timeout:    opts.CheckTimeout,
		workers:    opts.Workers,
		trustedCap: opts.TrustedCap,
	}
}

// Checks returns the configured check names in execution order.
func (a *Analyzer) Checks() []string {
	names := make([]string, len(a.checks))
	for i, c := range a.checks {
		names[i] = c.Name()
	}
	return names
}

// Analyze never fails: every problem becomes an incomplete outcome.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) verdict.Verdict {
	t, err := ParseTarget(rawURL)
	if err != nil {
		log.Debug().Err(err).Str("url", rawURL).Msg("linkscan: unparseable url")
		return verdict.Verdict{Flags: []string{FlagUnparseable}}
	}

	outcomes := make([]verdict.Outcome, len(a.checks))

	var g errgroup.Group
	g.SetLimit(a.workers)
	for i, c := range a.checks {
		i, c := i, c
		g.Go(func() error {
			outcomes[i] = a.run(ctx, c, t)
			return nil
		})
	}
	_ = g.Wait()

	v := verdict.Aggregate(outcomes)
	if v.Trusted && !v.Blocklisted && a.trustedCap > 0 && v.Score > a.trustedCap {
		v.Score = a.trustedCap
	}

	for _, o := range outcomes {
		status := "completed"
		if !o.Completed() {
			status = "failed"
			log.Debug().Err(o.Err).Str("host", t.Host).Msg("linkscan: check incomplete")
		}
		metrics.ChecksTotal.WithLabelValues(o.Check, status).Inc()
	}
	return v
}

// run executes one check under its own timeout. The check runs in its own
// goroutine so that one ignoring ctx still cannot hold up the fan-in.
func (a *Analyzer) run(ctx context.Context, c Check, t Target) verdict.Outcome {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		res verdict.CheckResult
		err error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := c.Run(ctx, t)
		done <- result{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return verdict.Incomplete(c.Name(), r.err)
		}
		return verdict.Done(c.Name(), r.res)
	case <-ctx.Done():
		return verdict.Incomplete(c.Name(), ctx.Err())
	}
}
