package contentscan

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/linkguard/guardian/internal/verdict"
	"github.com/linkguard/guardian/internal/websearch"
)

const promptExcerptRunes = 1000

// ContentPrompt asks for a page classification in the Assessment schema.
func ContentPrompt(rawURL string, page *Content, basic verdict.Verdict) string {
	basicJSON, err := json.MarshalIndent(struct {
		Score      float64  `json:"threat_score"`
		Confidence float64  `json:"confidence"`
		Flags      []string `json:"flags"`
	}{basic.Score, basic.Confidence, basic.Flags}, "", "  ")
	if err != nil {
		basicJSON = []byte("{}")
	}

	var b strings.Builder
	b.WriteString("Analyze the following webpage for potential scam or phishing indicators.\n\n")
	fmt.Fprintf(&b, "URL: %s\n", rawURL)
	fmt.Fprintf(&b, "Title: %s\n", orNA(page.Title))
	fmt.Fprintf(&b, "Description: %s\n", orNA(page.Description))
	fmt.Fprintf(&b, "Number of forms: %d\n", page.Forms)
	fmt.Fprintf(&b, "Number of input fields: %d\n\n", page.Inputs)
	fmt.Fprintf(&b, "Basic security analysis:\n%s\n\n", basicJSON)
	fmt.Fprintf(&b, "Page content excerpt:\n%s\n\n", truncate(page.Text, promptExcerptRunes))
	b.WriteString(`Please analyze for:
1. Phishing indicators (fake login pages, credential harvesting)
2. Scam patterns (too good to be true offers, urgency tactics)
3. Malware distribution signs
4. Legitimate business indicators

Respond in JSON format with:
{
  "is_suspicious": boolean,
  "threat_level": "low|medium|high",
  "confidence": float (0-1),
  "indicators": [list of specific suspicious indicators found],
  "legitimate_signs": [list of legitimate business indicators],
  "recommendation": "safe|caution|suspicious|danger"
}
`)
	return b.String()
}

// ReputationPrompt asks for a judgment of search results in the Reputation
// schema.
func ReputationPrompt(rawURL string, results []websearch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following search results about %s to determine its reputation:\n\n", rawURL)
	b.WriteString("Search Results:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- %s: %s\n", r.Title, r.Snippet)
	}
	b.WriteString(`
Please determine:
1. Are there legitimate complaints about this site?
2. What is the overall sentiment (positive/negative/mixed)?
3. Are there scam reports?
4. Is this a known legitimate business?

Respond in JSON format with:
{
  "has_complaints": boolean,
  "complaint_severity": "none|low|medium|high",
  "sentiment": "positive|negative|mixed|unknown",
  "scam_reports": boolean,
  "is_legitimate_business": boolean,
  "summary": "brief summary of findings"
}
`)
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// hostOf returns the lowercase host of rawURL, or "" if it has none.
func hostOf(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
