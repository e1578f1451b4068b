// Package guardian is the message pipeline. Every chat message is gated
// against active mutes, its links are analysed one after another, and each
// verdict is shown to the channel, handed to moderation and recorded.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/linkguard/guardian/internal/contentscan"
	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/moderation"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/ratelimit"
	"github.com/linkguard/guardian/internal/store"
	"github.com/linkguard/guardian/internal/verdict"
	"github.com/linkguard/guardian/internal/verdictcache"
)

// BasicAnalyzer is the heuristic side.
type BasicAnalyzer interface {
	Analyze(ctx context.Context, rawURL string) verdict.Verdict
}

// ContentAnalyzer is the AI side.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, rawURL string, basic verdict.Verdict) verdict.Verdict
}

// Moderator gates muted members and escalates dangerous links.
type Moderator interface {
	Gate(ctx context.Context, community, channel, messageID, user string) (bool, error)
	Escalate(ctx context.Context, inc moderation.Incident) (moderation.Outcome, error)
}

// LinkLog records analysed links.
type LinkLog interface {
	LogLink(ctx context.Context, r store.LinkRecord) error
}

// Options tune a Pipeline.
type Options struct {
	Thresholds verdict.Thresholds
	// Deadline bounds the analysis of one URL.
	Deadline time.Duration
	// SafeAdvisoryTTL is how long a "safe" advisory stays up.
	SafeAdvisoryTTL time.Duration
	// MuteThreshold is shown as the denominator of the warning count.
	MuteThreshold int
	// Workers bounds how many messages are processed at once.
	Workers int
}

// contentReserve is the share of the deadline kept back from the AI side so
// the heuristic verdict can still be combined and shown.
const contentReserve = 10

// Pipeline processes inbound chat messages.
type Pipeline struct {
	basic     BasicAnalyzer
	content   ContentAnalyzer
	moderator Moderator
	platform  platform.Client
	links     LinkLog
	cache     verdictcache.Cache
	budget    ratelimit.Budget
	opts      Options
	workers   *errgroup.Group
}

// New returns a pipeline. A nil cache disables caching and a nil budget
// never refuses AI analysis.
func New(basic BasicAnalyzer, content ContentAnalyzer, mod Moderator, pc platform.Client, links LinkLog,
	cache verdictcache.Cache, budget ratelimit.Budget, opts Options) *Pipeline {
	if budget == nil {
		budget = ratelimit.Unlimited{}
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 60 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.Thresholds == (verdict.Thresholds{}) {
		opts.Thresholds = verdict.DefaultThresholds()
	}
	workers := &errgroup.Group{}
	workers.SetLimit(opts.Workers)
	return &Pipeline{
		basic:     basic,
		content:   content,
		moderator: mod,
		platform:  pc,
		links:     links,
		cache:     cache,
		budget:    budget,
		opts:      opts,
		workers:   workers,
	}
}

// HandleMessage is the NATS callback for message_created events. The message
// is processed on the worker pool; when every worker is busy the call blocks,
// which holds back further deliveries.
func (p *Pipeline) HandleMessage(data []byte) {
	msgType, msg, err := protocol.ParseInbound(data)
	if err != nil {
		log.Warn().Err(err).Msg("guardian: dropping malformed event")
		return
	}
	m, ok := msg.(protocol.MessageCreatedMsg)
	if !ok {
		log.Warn().Str("type", msgType).Msg("guardian: unexpected event type")
		return
	}
	p.workers.Go(func() error {
		if err := p.Process(context.Background(), m); err != nil {
			log.Error().Err(err).Str("message", m.ID).Msg("guardian: message processing failed")
		}
		return nil
	})
}

// Wait blocks until every message handed to HandleMessage has been processed.
func (p *Pipeline) Wait() {
	_ = p.workers.Wait()
}

// Process runs one message through the pipeline. A panic is recovered and
// returned as an error so the consumer keeps going.
func (p *Pipeline) Process(ctx context.Context, m protocol.MessageCreatedMsg) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).
				Str("message", m.ID).Msg("guardian: recovered from panic")
			err = fmt.Errorf("guardian: panic: %v", r)
		}
	}()

	if m.AuthorBot {
		metrics.MessagesTotal.WithLabelValues("ignored").Inc()
		return nil
	}

	urls := ExtractURLs(m.Content)

	gated, err := p.moderator.Gate(ctx, m.CommunityID, m.ChannelID, m.ID, m.AuthorID)
	if err != nil {
		for _, u := range urls {
			if _, serr := p.platform.SendAdvisory(ctx, m.CommunityID, m.ChannelID, m.ID, FailedAdvisory(u)); serr != nil {
				log.Warn().Err(serr).Str("url", u).Msg("guardian: could not post advisory")
			}
			p.record(ctx, m, u, "", store.ActionFailed)
		}
		return fmt.Errorf("guardian: gate: %w", err)
	}
	if gated {
		metrics.MessagesTotal.WithLabelValues("gated").Inc()
		for _, u := range urls {
			p.record(ctx, m, u, "", store.ActionGated)
		}
		return nil
	}

	if len(urls) == 0 {
		metrics.MessagesTotal.WithLabelValues("no_links").Inc()
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("scanned").Inc()

	var errs []error
	for _, u := range urls {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := p.processURL(ctx, m, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processURL analyses, shows, escalates and records one link. A panic is
// recovered here so the channel is told the analysis failed.
func (p *Pipeline) processURL(ctx context.Context, m protocol.MessageCreatedMsg, rawURL string) (err error) {
	logger := log.With().Str("analysis", uuid.NewString()).Str("community", m.CommunityID).
		Str("user", m.AuthorID).Str("url", rawURL).Logger()
	logger.Info().Msg("guardian: analyzing link")

	var statusID string
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("guardian: recovered from panic")
			metrics.AnalysesTotal.WithLabelValues("failed").Inc()
			p.show(ctx, m, statusID, FailedAdvisory(rawURL), logger)
			p.record(ctx, m, rawURL, "", store.ActionFailed)
			err = fmt.Errorf("guardian: panic: %v", r)
		}
	}()

	statusID, serr := p.platform.SendAdvisory(ctx, m.CommunityID, m.ChannelID, m.ID, StatusAdvisory(rawURL))
	if serr != nil {
		logger.Warn().Err(serr).Msg("guardian: could not post status advisory")
	}

	started := time.Now()
	actx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	c := p.analyze(actx, m.CommunityID, rawURL)
	overrun := errors.Is(actx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.AnalysisDuration.Observe(time.Since(started).Seconds())

	if overrun {
		metrics.AnalysesTotal.WithLabelValues("failed").Inc()
		logger.Warn().Dur("deadline", p.opts.Deadline).Msg("guardian: analysis abandoned")
		p.show(ctx, m, statusID, FailedAdvisory(rawURL), logger)
		p.record(ctx, m, rawURL, "", store.ActionFailed)
		return nil
	}
	metrics.AnalysesTotal.WithLabelValues(string(c.Level)).Inc()

	out, eerr := p.moderator.Escalate(ctx, moderation.Incident{
		CommunityID: m.CommunityID,
		ChannelID:   m.ChannelID,
		MessageID:   m.ID,
		UserID:      m.AuthorID,
		URL:         rawURL,
		Verdict:     c,
	})
	action := out.Action()
	advisory := ResultAdvisory(rawURL, c, out, p.opts.MuteThreshold)
	if eerr != nil {
		logger.Error().Err(eerr).Msg("guardian: escalation failed")
		action = store.ActionFailed
		advisory = EscalationFailedAdvisory(rawURL, c, out)
	}
	if len(out.Degraded) > 0 {
		logger.Warn().Strs("degraded", out.Degraded).Msg("guardian: escalation degraded")
	}

	logger.Info().Str("level", string(c.Level)).Float64("score", c.Score).
		Float64("confidence", c.Confidence).Str("action", action).Msg("guardian: link analyzed")

	id := p.show(ctx, m, statusID, advisory, logger)
	if c.Level == verdict.LevelSafe && id != "" && p.opts.SafeAdvisoryTTL > 0 {
		p.retract(m, id)
	}
	p.record(ctx, m, rawURL, c.Level, action)
	return nil
}

// analyze produces the combined verdict, from the cache when possible.
func (p *Pipeline) analyze(ctx context.Context, community, rawURL string) verdict.Combined {
	if p.cache != nil {
		c, ok, err := p.cache.Get(ctx, rawURL)
		switch {
		case err != nil:
			log.Debug().Err(err).Msg("guardian: verdict cache read failed")
		case ok:
			metrics.CacheTotal.WithLabelValues("hit").Inc()
			return c
		}
		metrics.CacheTotal.WithLabelValues("miss").Inc()
	}

	basic := p.basic.Analyze(ctx, rawURL)
	ai, complete := p.analyzeContent(ctx, community, rawURL, basic)

	c := verdict.Combine(basic, ai, p.opts.Thresholds)
	if p.cache != nil && complete && ctx.Err() == nil {
		if err := p.cache.Set(ctx, rawURL, c); err != nil {
			log.Debug().Err(err).Msg("guardian: verdict cache write failed")
		}
	}
	return c
}

// analyzeContent runs the AI side within the deadline less a reserve. When it
// overruns, a zero-confidence verdict stands in so the heuristic verdict
// still decides; complete is false in that case.
func (p *Pipeline) analyzeContent(ctx context.Context, community, rawURL string, basic verdict.Verdict) (ai verdict.Verdict, complete bool) {
	if !p.budget.Allow(ctx, community) {
		metrics.AICallsTotal.WithLabelValues("budget", "skipped").Inc()
		log.Debug().Str("community", community).Msg("guardian: AI budget exhausted, heuristics only")
		return verdict.Verdict{}, true
	}

	cctx, cancel := context.WithCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		cancel()
		cctx, cancel = context.WithDeadline(ctx, deadline.Add(-p.opts.Deadline/contentReserve))
	}
	defer cancel()

	ai = p.content.Analyze(cctx, rawURL, basic)
	if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		metrics.AICallsTotal.WithLabelValues("content", "deadline").Inc()
		log.Warn().Str("url", rawURL).Msg("guardian: AI analysis ran out of time, heuristics only")
		return verdict.Verdict{Flags: []string{contentscan.FlagUnavailable}, Failed: []string{"content"}}, false
	}
	return ai, true
}

// show edits the status advisory, or posts a new one when there is none. It
// returns the advisory's ID.
func (p *Pipeline) show(ctx context.Context, m protocol.MessageCreatedMsg, statusID string, a platform.Advisory, logger zerolog.Logger) string {
	if statusID != "" {
		err := p.platform.EditAdvisory(ctx, m.CommunityID, m.ChannelID, statusID, a)
		if err == nil {
			return statusID
		}
		logger.Warn().Err(err).Msg("guardian: could not edit status advisory")
	}
	id, err := p.platform.SendAdvisory(ctx, m.CommunityID, m.ChannelID, "", a)
	if err != nil {
		logger.Warn().Err(err).Msg("guardian: could not post advisory")
		return ""
	}
	return id
}

// retract deletes a safe advisory once its TTL has passed.
func (p *Pipeline) retract(m protocol.MessageCreatedMsg, id string) {
	time.AfterFunc(p.opts.SafeAdvisoryTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.platform.DeleteAdvisory(ctx, m.CommunityID, m.ChannelID, id); err != nil &&
			!errors.Is(err, platform.ErrNotFound) {
			log.Debug().Err(err).Str("advisory", id).Msg("guardian: could not retract safe advisory")
		}
	})
}

func (p *Pipeline) record(ctx context.Context, m protocol.MessageCreatedMsg, rawURL string, level verdict.Level, action string) {
	if p.links == nil {
		return
	}
	err := p.links.LogLink(ctx, store.LinkRecord{
		CommunityID: m.CommunityID,
		UserID:      m.AuthorID,
		URL:         rawURL,
		ThreatLevel: string(level),
		ActionTaken: action,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("url", rawURL).Msg("guardian: could not record link history")
	}
}
