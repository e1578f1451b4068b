// Package moderation turns dangerous verdicts into warnings, mutes and bans,
// lifts expired mutes on a timer, and gates messages from muted members.
// All escalation state lives in the store; the engine keeps none in memory.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/linkguard/guardian/internal/config"
	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/store"
	"github.com/linkguard/guardian/internal/verdict"
)

const (
	warningReasonURLRunes = 50
	listWarningsLimit     = 10
	commandTimeout        = 10 * time.Second
)

// Incident is one dangerous link posted by a member.
type Incident struct {
	CommunityID string
	ChannelID   string
	MessageID   string
	UserID      string
	URL         string
	Verdict     verdict.Combined
}

// Outcome reports what an escalation did. Degraded lists platform side
// effects that failed; the store writes happened regardless.
type Outcome struct {
	Level          verdict.Level
	Escalated      bool
	MessageDeleted bool
	WarningCount   int
	Muted          bool
	AlreadyMuted   bool
	MuteEnd        time.Time
	Banned         bool
	Degraded       []string
}

// Action is the link-history action for the outcome.
func (o Outcome) Action() string {
	switch {
	case o.Banned:
		return store.ActionBanned
	case o.Muted:
		return store.ActionMuted
	case o.Escalated:
		return store.ActionDeleted
	case o.Level == verdict.LevelSafe:
		return store.ActionNone
	default:
		return store.ActionAdvisory
	}
}

func (o *Outcome) degrade(op string, err error) {
	o.Degraded = append(o.Degraded, fmt.Sprintf("%s: %v", op, err))
	metrics.ModerationFailures.WithLabelValues(op).Inc()
}

// Engine is the escalation state machine.
type Engine struct {
	store    store.Store
	platform platform.Client
	cfg      config.ModerationConfig
	now      func() time.Time

	roles singleflight.Group
}

// New returns an engine. cfg must already be validated.
func New(st store.Store, pc platform.Client, cfg config.ModerationConfig) *Engine {
	return &Engine{store: st, platform: pc, cfg: cfg, now: time.Now}
}

// Config returns the moderation settings in effect.
func (e *Engine) Config() config.ModerationConfig {
	return e.cfg
}

// Qualifies reports whether c triggers escalation.
func (e *Engine) Qualifies(c verdict.Combined) bool {
	return c.Level == verdict.LevelDanger && c.Confidence > e.cfg.MinConfidence
}

// Gate deletes the message and reports true when the author is muted. A
// store error is returned; the caller must not analyse the message then.
func (e *Engine) Gate(ctx context.Context, community, channel, messageID, user string) (bool, error) {
	_, err := e.store.ActiveMute(ctx, community, user, e.now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("moderation: gate: %w", err)
	}

	if err := e.platform.DeleteMessage(ctx, community, channel, messageID); err != nil {
		metrics.ModerationFailures.WithLabelValues("delete_message").Inc()
		log.Warn().Err(err).Str("community", community).Str("user", user).
			Msg("moderation: could not delete message from muted member")
	}
	return true, nil
}

// Escalate applies the escalation for one incident. Levels below danger, or
// danger without enough confidence, change nothing. Store failures abort and
// are returned; platform failures are collected in Outcome.Degraded.
func (e *Engine) Escalate(ctx context.Context, inc Incident) (Outcome, error) {
	out := Outcome{Level: inc.Verdict.Level}
	if !e.Qualifies(inc.Verdict) {
		return out, nil
	}
	out.Escalated = true
	now := e.now()
	logger := log.With().Str("community", inc.CommunityID).Str("user", inc.UserID).Logger()

	if err := e.platform.DeleteMessage(ctx, inc.CommunityID, inc.ChannelID, inc.MessageID); err != nil {
		out.degrade("delete_message", err)
		logger.Warn().Err(err).Msg("moderation: could not delete message")
	} else {
		out.MessageDeleted = true
		metrics.ModerationActions.WithLabelValues("delete").Inc()
	}

	_, err := e.store.AddWarning(ctx, store.Warning{
		CommunityID: inc.CommunityID,
		UserID:      inc.UserID,
		ChannelID:   inc.ChannelID,
		Reason:      WarningReason(inc.URL),
		CreatedAt:   now,
	})
	if err != nil {
		return out, fmt.Errorf("moderation: add warning: %w", err)
	}
	metrics.ModerationActions.WithLabelValues("warning").Inc()

	out.WarningCount, err = e.store.CountWarnings(ctx, inc.CommunityID, inc.UserID, e.windowStart(now))
	if err != nil {
		return out, fmt.Errorf("moderation: count warnings: %w", err)
	}
	logger.Info().Int("warnings", out.WarningCount).Str("url", inc.URL).Msg("moderation: warning issued")

	if out.WarningCount >= e.cfg.WarningsBeforeMute {
		if err := e.mute(ctx, inc, now, &out); err != nil {
			return out, err
		}
	}

	if e.cfg.WarningsBeforeBan > 0 && out.WarningCount >= e.cfg.WarningsBeforeBan {
		if err := e.ban(ctx, inc, now, &out); err != nil {
			return out, err
		}
	}

	e.notifyAdmins(ctx, inc, out)
	return out, nil
}

func (e *Engine) mute(ctx context.Context, inc Incident, now time.Time, out *Outcome) error {
	m := store.Mute{
		CommunityID: inc.CommunityID,
		UserID:      inc.UserID,
		MuteEnd:     now.Add(e.cfg.MuteDuration()),
		Reason:      MuteReason(e.cfg.WarningsBeforeMute),
		CreatedAt:   now,
	}
	created, err := e.store.CreateMute(ctx, m, now)
	if err != nil {
		return fmt.Errorf("moderation: create mute: %w", err)
	}
	if !created {
		out.AlreadyMuted = true
		return nil
	}
	out.Muted = true
	out.MuteEnd = m.MuteEnd
	metrics.ModerationActions.WithLabelValues("mute").Inc()

	role, err := e.mutedRole(ctx, inc.CommunityID, out)
	if err != nil {
		out.degrade("muted_role", err)
		return nil
	}
	if err := e.platform.AddRole(ctx, inc.CommunityID, inc.UserID, role.ID, m.Reason); err != nil {
		out.degrade("add_role", err)
		return nil
	}
	log.Info().Str("community", inc.CommunityID).Str("user", inc.UserID).
		Time("until", m.MuteEnd).Msg("moderation: member muted")
	return nil
}

func (e *Engine) ban(ctx context.Context, inc Incident, now time.Time, out *Outcome) error {
	banned, err := e.store.IsBanned(ctx, inc.CommunityID, inc.UserID)
	if err != nil {
		return fmt.Errorf("moderation: check ban: %w", err)
	}
	if banned {
		return nil
	}

	reason := fmt.Sprintf("%d warnings for posting dangerous links", out.WarningCount)
	if _, err := e.store.AddBan(ctx, store.Ban{
		CommunityID: inc.CommunityID,
		UserID:      inc.UserID,
		Reason:      reason,
		Permanent:   true,
		CreatedAt:   now,
	}); err != nil {
		return fmt.Errorf("moderation: add ban: %w", err)
	}
	out.Banned = true
	metrics.ModerationActions.WithLabelValues("ban").Inc()

	if err := e.platform.BanMember(ctx, inc.CommunityID, inc.UserID, reason); err != nil {
		out.degrade("ban_member", err)
	}
	return nil
}

func (e *Engine) windowStart(now time.Time) time.Time {
	w := e.cfg.WarningWindow()
	if w <= 0 {
		return time.Time{}
	}
	return now.Add(-w)
}

// WarningReason is the stored reason for a dangerous-link warning.
func WarningReason(url string) string {
	r := []rune(url)
	if len(r) > warningReasonURLRunes {
		r = r[:warningReasonURLRunes]
	}
	return "Posted dangerous link: " + string(r) + "..."
}

// MuteReason is the stored reason for an escalation mute.
func MuteReason(warnings int) string {
	return fmt.Sprintf("%d warnings for posting dangerous links", warnings)
}
