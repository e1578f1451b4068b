package guardian

import "regexp"

// urlPattern matches http and https links. Characters that commonly wrap a
// link in chat markup end the match.
var urlPattern = regexp.MustCompile("https?://[^\\s<>\"{}|\\\\^\\[\\]`]+")

// ExtractURLs returns the links in text in order of appearance, without
// duplicates.
func ExtractURLs(text string) []string {
	found := urlPattern.FindAllString(text, -1)
	if len(found) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(found))
	out := found[:0]
	for _, u := range found {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
