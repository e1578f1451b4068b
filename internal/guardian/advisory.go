package guardian

import (
	"fmt"
	"strings"

	"github.com/linkguard/guardian/internal/moderation"
	"github.com/linkguard/guardian/internal/platform"
	"github.com/linkguard/guardian/internal/verdict"
)

const (
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
	colorYellow = 0xF1C40F
	colorGreen  = 0x2ECC71

	linkPreviewRunes = 50

	dangerFlags     = 5
	suspiciousFlags = 3
	cautionFlags    = 2
)

// preview shortens a URL for display.
func preview(url string) string {
	r := []rune(url)
	if len(r) <= linkPreviewRunes {
		return url
	}
	return string(r[:linkPreviewRunes]) + "..."
}

func bullets(flags []string, n int) string {
	if len(flags) > n {
		flags = flags[:n]
	}
	return "• " + strings.Join(flags, "\n• ")
}

// StatusAdvisory is posted while a link is analysed.
func StatusAdvisory(url string) platform.Advisory {
	return platform.Advisory{
		Title:       "Analyzing link...",
		Description: "Checking: `" + preview(url) + "`",
		Color:       colorYellow,
	}
}

// FailedAdvisory replaces the status advisory when analysis is abandoned.
func FailedAdvisory(url string) platform.Advisory {
	return platform.Advisory{
		Title:       "Analysis failed",
		Description: "Could not complete link analysis for `" + preview(url) + "`",
		Color:       colorOrange,
	}
}

// EscalationFailedAdvisory is shown for a dangerous link whose moderation
// could not be recorded, so no warning count is claimed.
func EscalationFailedAdvisory(url string, c verdict.Combined, out moderation.Outcome) platform.Advisory {
	lines := []string{
		"Link: `" + preview(url) + "`",
		"Moderation could not be recorded. Do not open this link.",
	}
	if out.MessageDeleted {
		lines = append(lines, "The message has been deleted.")
	}
	a := platform.Advisory{
		Title:       "Dangerous link detected",
		Description: strings.Join(lines, "\n"),
		Color:       colorRed,
	}
	if len(c.Flags) > 0 {
		a.Fields = []platform.Field{{Name: "Reasons", Value: bullets(c.Flags, dangerFlags)}}
	}
	return a
}

// ResultAdvisory renders a combined verdict for the channel.
func ResultAdvisory(url string, c verdict.Combined, out moderation.Outcome, muteThreshold int) platform.Advisory {
	link := "Link: `" + preview(url) + "`"

	switch c.Level {
	case verdict.LevelDanger:
		a := platform.Advisory{
			Title: "Dangerous link detected",
			Color: colorRed,
		}
		lines := []string{link}
		if out.Escalated {
			lines = append(lines, fmt.Sprintf("Warning #%d/%d", out.WarningCount, muteThreshold))
			if out.MessageDeleted {
				lines = append(lines, "The message has been deleted.")
			}
			if out.Muted {
				lines = append(lines, "The author has been muted until "+out.MuteEnd.UTC().Format("2006-01-02")+".")
			}
		} else {
			lines = append(lines, fmt.Sprintf("Do not open this link. Confidence: %.0f%%", c.Confidence*100))
		}
		a.Description = strings.Join(lines, "\n")
		if len(c.Flags) > 0 {
			a.Fields = []platform.Field{{Name: "Reasons", Value: bullets(c.Flags, dangerFlags)}}
		}
		return a

	case verdict.LevelSuspicious:
		a := platform.Advisory{
			Title:       "Suspicious link",
			Description: fmt.Sprintf("Proceed with caution!\n%s\nConfidence: %.0f%%", link, c.Confidence*100),
			Color:       colorOrange,
		}
		if len(c.Flags) > 0 {
			a.Fields = []platform.Field{{Name: "Concerns", Value: bullets(c.Flags, suspiciousFlags)}}
		}
		return a

	case verdict.LevelCaution:
		a := platform.Advisory{
			Title:       "Exercise caution",
			Description: "Limited information available for this link.\n" + link,
			Color:       colorYellow,
		}
		if len(c.Flags) > 0 {
			a.Fields = []platform.Field{{Name: "Notes", Value: bullets(c.Flags, cautionFlags)}}
		}
		return a

	default:
		return platform.Advisory{
			Title:       "Link appears safe",
			Description: "No immediate threats detected.\n" + link,
			Color:       colorGreen,
		}
	}
}
