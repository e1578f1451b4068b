package moderation

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/linkguard/guardian/internal/platform"
)

const colorDanger = 0xFF0000

// notifyAdmins posts an incident summary to the first admin channel found.
// It is best-effort and never affects the outcome.
func (e *Engine) notifyAdmins(ctx context.Context, inc Incident, out Outcome) {
	channels, err := e.platform.Channels(ctx, inc.CommunityID)
	if err != nil {
		log.Debug().Err(err).Msg("moderation: admin notification skipped")
		return
	}
	channel, ok := adminChannel(channels, e.cfg.AdminChannels)
	if !ok {
		return
	}

	a := IncidentAdvisory(inc, out, e.cfg.WarningsBeforeMute)
	if role, err := e.platform.FindRole(ctx, inc.CommunityID, e.cfg.AdminRole); err == nil {
		a.Mention = "<@&" + role.ID + ">"
	}
	if _, err := e.platform.SendAdvisory(ctx, inc.CommunityID, channel.ID, "", a); err != nil {
		log.Warn().Err(err).Str("community", inc.CommunityID).Msg("moderation: admin notification failed")
	}
}

// adminChannel picks a channel by the first configured name that exists.
func adminChannel(channels []platform.Channel, names []string) (platform.Channel, bool) {
	for _, name := range names {
		i := slices.IndexFunc(channels, func(c platform.Channel) bool {
			return strings.EqualFold(c.Name, name)
		})
		if i >= 0 {
			return channels[i], true
		}
	}
	return platform.Channel{}, false
}

// IncidentAdvisory renders an incident for moderators.
func IncidentAdvisory(inc Incident, out Outcome, muteThreshold int) platform.Advisory {
	v := inc.Verdict
	flags := "None"
	if len(v.Flags) > 0 {
		flags = "• " + strings.Join(v.Flags, "\n• ")
	}

	action := "Message deleted, warning issued"
	switch {
	case out.Banned:
		action = "Member banned"
	case out.Muted:
		action = "Member muted until " + out.MuteEnd.UTC().Format("2006-01-02 15:04 MST")
	case !out.MessageDeleted:
		action = "Warning issued, message could not be deleted"
	}

	return platform.Advisory{
		Title: "Dangerous link detected",
		Color: colorDanger,
		Fields: []platform.Field{
			{Name: "User", Value: "<@" + inc.UserID + ">", Inline: true},
			{Name: "Channel", Value: "<#" + inc.ChannelID + ">", Inline: true},
			{Name: "URL", Value: "`" + inc.URL + "`"},
			{Name: "Threat Level", Value: strings.ToUpper(string(v.Level)), Inline: true},
			{Name: "Confidence", Value: fmt.Sprintf("%.0f%%", v.Confidence*100), Inline: true},
			{Name: "Threat Score", Value: fmt.Sprintf("%.2f", v.Score), Inline: true},
			{Name: "Warnings", Value: fmt.Sprintf("%d/%d", out.WarningCount, muteThreshold), Inline: true},
			{Name: "Action", Value: action},
			{Name: "Flags", Value: flags},
		},
	}
}
