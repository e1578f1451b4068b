package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/protocol"
)

// MutedPermissions are denied to the muted role in every channel.
var MutedPermissions = []string{
	protocol.PermSendMessages,
	protocol.PermAddReactions,
	protocol.PermSpeak,
}

// mutedRole returns the community's restrictive role, creating it and its
// channel overrides on first use. Concurrent callers for one community share
// a single lookup. Override failures are recorded on out.
func (e *Engine) mutedRole(ctx context.Context, community string, out *Outcome) (platform.Role, error) {
	type result struct {
		role     platform.Role
		degraded []string
	}

	v, err, _ := e.roles.Do(community, func() (any, error) {
		role, err := e.platform.FindRole(ctx, community, e.cfg.MutedRole)
		if err == nil {
			return result{role: role}, nil
		}
		if !errors.Is(err, platform.ErrNotFound) {
			return nil, err
		}

		role, err = e.platform.CreateRole(ctx, community, e.cfg.MutedRole, MutedPermissions)
		if err != nil {
			return nil, fmt.Errorf("create role: %w", err)
		}
		log.Info().Str("community", community).Str("role", role.ID).Msg("moderation: created muted role")

		channels, err := e.platform.Channels(ctx, community)
		if err != nil {
			return result{role: role, degraded: []string{"channels: " + err.Error()}}, nil
		}
		var degraded []string
		for _, ch := range channels {
			if err := e.platform.SetChannelPermissions(ctx, community, ch.ID, role.ID, MutedPermissions); err != nil {
				degraded = append(degraded, fmt.Sprintf("set_channel_permissions %s: %v", ch.Name, err))
			}
		}
		return result{role: role, degraded: degraded}, nil
	})
	if err != nil {
		return platform.Role{}, err
	}

	r := v.(result)
	out.Degraded = append(out.Degraded, r.degraded...)
	return r.role, nil
}

// existingMutedRole looks the role up without creating it. ok is false when
// the community has no such role.
func (e *Engine) existingMutedRole(ctx context.Context, community string) (platform.Role, bool, error) {
	role, err := e.platform.FindRole(ctx, community, e.cfg.MutedRole)
	if errors.Is(err, platform.ErrNotFound) {
		return platform.Role{}, false, nil
	}
	if err != nil {
		return platform.Role{}, false, err
	}
	return role, true, nil
}
