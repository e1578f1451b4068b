package linkscan

import (
	"context"

	"github.com/linkguard/guardian/internal/threatlist"
	"github.com/linkguard/guardian/internal/verdict"
)

const (
	maliciousScore = 0.8
	trustedScore   = -0.5
)

// ReputationCheck looks the host up in the current threat-list snapshot.
type ReputationCheck struct {
	List *threatlist.List
}

func (ReputationCheck) Name() string { return "reputation" }

func (c ReputationCheck) Run(_ context.Context, t Target) (verdict.CheckResult, error) {
	st := c.List.Lookup(t.Host)
	switch {
	case st.Malicious:
		return verdict.CheckResult{
			Score:       maliciousScore,
			Flags:       []string{"Domain is on the known-malicious list"},
			Details:     map[string]any{"match": st.Match},
			Blocklisted: true,
		}, nil
	case st.Trusted:
		return verdict.CheckResult{
			Score:   trustedScore,
			Details: map[string]any{"trusted": st.Match},
			Trusted: true,
		}, nil
	default:
		return verdict.CheckResult{}, nil
	}
}
