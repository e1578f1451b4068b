package moderation

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/metrics"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/protocol"
	"github.com/linkguard/guardian/internal/store"
)

// UnmuteResult reports what an unmute changed.
type UnmuteResult struct {
	WasMuted    bool `json:"was_muted"`
	RoleRemoved bool `json:"role_removed"`
}

// Warnings returns the member's warnings inside the warning window, newest
// first.
func (e *Engine) Warnings(ctx context.Context, community, user string) ([]store.Warning, error) {
	ws, err := e.store.ListWarnings(ctx, community, user, e.windowStart(e.now()), listWarningsLimit)
	if err != nil {
		return nil, fmt.Errorf("moderation: list warnings: %w", err)
	}
	return ws, nil
}

// Unmute lifts a mute on a moderator's request. The record is deleted first;
// role removal is best-effort and a member without the role is not an error.
func (e *Engine) Unmute(ctx context.Context, community, user, moderator string) (UnmuteResult, error) {
	var res UnmuteResult
	existed, err := e.store.DeleteMute(ctx, community, user)
	if err != nil {
		return res, fmt.Errorf("moderation: delete mute: %w", err)
	}
	res.WasMuted = existed

	logger := log.With().Str("community", community).Str("user", user).Str("moderator", moderator).Logger()

	role, ok, err := e.existingMutedRole(ctx, community)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("moderation: muted role lookup failed during unmute")
	case ok:
		err := e.platform.RemoveRole(ctx, community, user, role.ID, "unmuted by moderator "+moderator)
		switch {
		case err == nil:
			res.RoleRemoved = true
		case errors.Is(err, platform.ErrNotFound):
		default:
			metrics.ModerationFailures.WithLabelValues("remove_role").Inc()
			logger.Warn().Err(err).Msg("moderation: could not remove muted role")
		}
	}

	metrics.ModerationActions.WithLabelValues("unmute").Inc()
	logger.Info().Bool("was_muted", res.WasMuted).Msg("moderation: member unmuted by moderator")
	return res, nil
}

// HandleWarnings answers a warnings command.
func (e *Engine) HandleWarnings(data []byte) []byte {
	msgType, msg, err := protocol.ParseInbound(data)
	if err != nil {
		return protocol.Fail(protocol.CodeInvalid, err.Error())
	}
	req, ok := msg.(protocol.WarningsMsg)
	if !ok {
		return protocol.Fail(protocol.CodeInvalid, "unexpected message type "+msgType)
	}
	if req.CommunityID == "" || req.UserID == "" {
		return protocol.Fail(protocol.CodeInvalid, "community_id and user_id are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ws, err := e.Warnings(ctx, req.CommunityID, req.UserID)
	if err != nil {
		log.Error().Err(err).Msg("moderation: warnings command failed")
		return protocol.Fail(protocol.CodeInternal, err.Error())
	}
	if ws == nil {
		ws = []store.Warning{}
	}
	return protocol.OK(ws)
}

// HandleUnmute answers an unmute command.
func (e *Engine) HandleUnmute(data []byte) []byte {
	msgType, msg, err := protocol.ParseInbound(data)
	if err != nil {
		return protocol.Fail(protocol.CodeInvalid, err.Error())
	}
	req, ok := msg.(protocol.UnmuteMsg)
	if !ok {
		return protocol.Fail(protocol.CodeInvalid, "unexpected message type "+msgType)
	}
	if req.CommunityID == "" || req.UserID == "" {
		return protocol.Fail(protocol.CodeInvalid, "community_id and user_id are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := e.Unmute(ctx, req.CommunityID, req.UserID, req.ModeratorID)
	if err != nil {
		log.Error().Err(err).Msg("moderation: unmute command failed")
		return protocol.Fail(protocol.CodeInternal, err.Error())
	}
	return protocol.OK(res)
}
