package linkscan

import (
	"context"
	"net"
	"path"
	"regexp"
	"strings"

	"github.com/linkguard/guardian/internal/verdict"
)

// patternScore is the fixed contribution of every matched pattern.
const patternScore = 0.2

var (
	// nonASCIIPattern matches any byte outside 7-bit ASCII.
	nonASCIIPattern = regexp.MustCompile(`[^\x00-\x7F]`)

	// executablePattern matches executable and archive file names at the end
	// of a path.
	executablePattern = regexp.MustCompile(`(?i)\.(exe|scr|bat|cmd|pif|msi|jar|apk|dmg|iso|vbs|ps1|zip|rar|7z|tar|gz)$`)
)

// brandDomains lists the registrable domains each brand legitimately uses.
var brandDomains = map[string][]string{
	"paypal":    {"paypal.com", "paypal.me"},
	"amazon":    {"amazon.com", "amazon.co.uk", "amazon.de"},
	"apple":     {"apple.com", "icloud.com"},
	"microsoft": {"microsoft.com", "live.com", "office.com"},
	"google":    {"google.com", "goo.gl"},
	"netflix":   {"netflix.com"},
	"facebook":  {"facebook.com", "fb.com"},
	"instagram": {"instagram.com"},
	"discord":   {"discord.com", "discord.gg", "discordapp.com"},
	"steam":     {"steampowered.com", "steamcommunity.com"},
}

// DefaultSuspiciousTLDs are free or heavily abused suffixes.
var DefaultSuspiciousTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq"}

// pattern pairs a matcher with the flag it reports.
type pattern struct {
	name  string
	flag  string
	match func(p *PatternCheck, t Target) bool
}

// patterns are evaluated independently; every match contributes.
var patterns = []pattern{
	{name: "ip_host", flag: "IP address used instead of a domain name", match: func(_ *PatternCheck, t Target) bool {
		ip := net.ParseIP(t.Host)
		return ip != nil && ip.To4() != nil
	}},
	{name: "at_sign", flag: "URL contains an @ symbol", match: func(_ *PatternCheck, t Target) bool {
		return strings.Contains(t.Raw, "@")
	}},
	{name: "non_ascii", flag: "URL contains non-ASCII characters", match: func(_ *PatternCheck, t Target) bool {
		return nonASCIIPattern.MatchString(t.Raw)
	}},
	{name: "brand_spoof", flag: "Brand name used outside its official domain", match: func(_ *PatternCheck, t Target) bool {
		return spoofedBrand(t) != ""
	}},
	{name: "suspicious_tld", flag: "Domain uses a free or frequently abused TLD", match: func(p *PatternCheck, t Target) bool {
		for _, tld := range p.tlds {
			if strings.HasSuffix(t.Host, tld) {
				return true
			}
		}
		return false
	}},
	{name: "hyphens", flag: "URL contains consecutive hyphens", match: func(_ *PatternCheck, t Target) bool {
		return strings.Contains(t.Raw, "--")
	}},
	{name: "executable", flag: "Link points directly to an executable or archive file", match: func(_ *PatternCheck, t Target) bool {
		return executablePattern.MatchString(path.Base(t.URL.Path))
	}},
}

// spoofedBrand returns the brand named in the host or user info whose
// registrable domain is not one of the brand's own.
func spoofedBrand(t Target) string {
	haystack := t.Host + " " + strings.ToLower(t.UserInfo)
	for brand, domains := range brandDomains {
		if !strings.Contains(haystack, brand) {
			continue
		}
		official := false
		for _, d := range domains {
			if t.Domain == d {
				official = true
				break
			}
		}
		if !official {
			return brand
		}
	}
	return ""
}

// PatternCheck applies the lexical pattern table.
type PatternCheck struct {
	tlds []string
}

// NewPatternCheck uses tlds as the suspicious suffix list. Entries without a
// leading dot get one.
func NewPatternCheck(tlds []string) *PatternCheck {
	if len(tlds) == 0 {
		tlds = DefaultSuspiciousTLDs
	}
	norm := make([]string, 0, len(tlds))
	for _, tld := range tlds {
		tld = strings.ToLower(strings.TrimSpace(tld))
		if tld == "" {
			continue
		}
		if !strings.HasPrefix(tld, ".") {
			tld = "." + tld
		}
		norm = append(norm, tld)
	}
	return &PatternCheck{tlds: norm}
}

func (p *PatternCheck) Name() string { return "patterns" }

func (p *PatternCheck) Run(_ context.Context, t Target) (verdict.CheckResult, error) {
	res := verdict.CheckResult{}
	var matched []string
	for _, pt := range patterns {
		if pt.match(p, t) {
			res.Score += patternScore
			res.Flags = append(res.Flags, pt.flag)
			matched = append(matched, pt.name)
		}
	}
	if len(matched) > 0 {
		res.Details = map[string]any{"matched": matched}
		if brand := spoofedBrand(t); brand != "" {
			res.Details["brand"] = brand
		}
	}
	return res, nil
}
