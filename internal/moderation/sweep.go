package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/platform"
)

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Expired int // mutes due at the start of the pass
	Lifted  int // records removed
	Renewed int // records renewed while the pass ran
	Retry   int // left for the next pass after a platform failure
}

// SweepOnce lifts every mute that has ended. A member who left, or whose
// role is already gone, counts as lifted. A platform failure leaves the
// record in place so the next pass retries it.
func (e *Engine) SweepOnce(ctx context.Context) (SweepResult, error) {
	now := e.now()
	expired, err := e.store.ExpiredMutes(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: list expired mutes: %w", err)
	}
	res := SweepResult{Expired: len(expired)}

	roles := map[string]*platform.Role{}
	for _, m := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger := log.With().Str("community", m.CommunityID).Str("user", m.UserID).Logger()

		role, cached := roles[m.CommunityID]
		if !cached {
			r, ok, err := e.existingMutedRole(ctx, m.CommunityID)
			if err != nil {
				logger.Warn().Err(err).Msg("sweep: role lookup failed, will retry")
				res.Retry++
				continue
			}
			if ok {
				role = &r
			}
			roles[m.CommunityID] = role
		}

		if role != nil {
			err := e.platform.RemoveRole(ctx, m.CommunityID, m.UserID, role.ID, "mute expired")
			if err != nil && !errors.Is(err, platform.ErrNotFound) {
				logger.Warn().Err(err).Msg("sweep: could not remove muted role, will retry")
				metrics.ModerationFailures.WithLabelValues("remove_role").Inc()
				res.Retry++
				continue
			}
		}

		deleted, err := e.store.DeleteExpiredMute(ctx, m.CommunityID, m.UserID, now)
		if err != nil {
			return res, fmt.Errorf("sweep: delete mute: %w", err)
		}
		if !deleted {
			res.Renewed++
			if role != nil {
				if err := e.platform.AddRole(ctx, m.CommunityID, m.UserID, role.ID, "mute renewed"); err != nil {
					logger.Warn().Err(err).Msg("sweep: could not restore muted role on renewed mute")
				}
			}
			continue
		}

		res.Lifted++
		metrics.SweepExpired.Inc()
		metrics.ModerationActions.WithLabelValues("unmute").Inc()
		logger.Info().Msg("sweep: mute expired")
	}

	metrics.SweepBacklog.Set(float64(res.Retry))
	return res, nil
}

// StartSweep runs SweepOnce on every tick until ctx is cancelled. It never
// touches the message path; the two only meet in the store.
func (e *Engine) StartSweep(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep: loop stopped")
			return
		case <-ticker.C:
			res, err := e.SweepOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep: pass failed")
				continue
			}
			if res.Expired > 0 {
				log.Debug().Int("lifted", res.Lifted).Int("renewed", res.Renewed).Int("retry", res.Retry).
					Msg("sweep: pass complete")
			}
		}
	}
}
