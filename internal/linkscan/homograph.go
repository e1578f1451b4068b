package linkscan

import (
	"context"
	"strings"

	"golang.org/x/net/idna"

	"github.com/linkguard/guardian/internal/verdict"
)

const homographScore = 0.3

// confusables maps a Latin letter to characters from other scripts that
// render like it.
var confusables = map[rune][]rune{
	'a': {'а', 'ɑ', 'α', 'ạ', 'à', 'á'},
	'b': {'Ь', 'ь', 'ḅ'},
	'c': {'с', 'ϲ', 'ċ'},
	'd': {'ԁ', 'ɗ', 'ḍ'},
	'e': {'е', 'ė', 'ẹ', 'ҽ', 'é', 'è'},
	'g': {'ɡ', 'ġ', 'ց'},
	'h': {'һ', 'ḥ'},
	'i': {'і', 'ı', 'ɩ', 'ị', 'í', 'ï'},
	'j': {'ј', 'ʝ'},
	'k': {'κ', 'ḳ'},
	'l': {'ӏ', 'ḷ', 'ⅼ'},
	'm': {'ṃ', 'ⅿ'},
	'n': {'ո', 'ṇ', 'ή'},
	'o': {'о', 'ο', 'օ', 'ọ', 'ö', 'ó'},
	'p': {'р', 'ρ'},
	'q': {'ԛ', 'զ'},
	'r': {'г', 'ṛ'},
	's': {'ѕ', 'ṣ', 'ś'},
	't': {'т', 'ṭ'},
	'u': {'υ', 'ս', 'ụ', 'ü', 'ú'},
	'v': {'ν', 'ѵ', 'ṿ'},
	'w': {'ԝ', 'ẉ', 'ѡ'},
	'x': {'х', 'ҳ'},
	'y': {'у', 'ý', 'ỵ'},
	'z': {'ᴢ', 'ẓ'},
}

// latinFor is the reverse index of confusables.
var latinFor = func() map[rune]rune {
	m := make(map[rune]rune)
	for latin, look := range confusables {
		for _, r := range look {
			m[r] = latin
		}
	}
	return m
}()

// Skeleton replaces every confusable in host with its Latin letter and
// reports the characters it replaced.
func Skeleton(host string) (string, []string) {
	var (
		b     strings.Builder
		found []string
	)
	for _, r := range host {
		if latin, ok := latinFor[r]; ok {
			b.WriteRune(latin)
			found = append(found, string(r)+"→"+string(latin))
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), found
}

// HomographCheck flags hosts that contain look-alike characters, decoding
// punycode labels first.
type HomographCheck struct{}

func (HomographCheck) Name() string { return "homograph" }

func (HomographCheck) Run(_ context.Context, t Target) (verdict.CheckResult, error) {
	host := t.Host
	if strings.Contains(host, "xn--") {
		if u, err := idna.ToUnicode(host); err == nil {
			host = u
		}
	}

	skeleton, found := Skeleton(host)
	if len(found) == 0 {
		return verdict.CheckResult{}, nil
	}
	return verdict.CheckResult{
		Score: homographScore,
		Flags: []string{"Domain contains look-alike characters (possible homograph attack)"},
		Details: map[string]any{
			"unicode_host": host,
			"looks_like":   skeleton,
			"confusables":  found,
		},
	}, nil
}
