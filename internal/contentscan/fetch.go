package contentscan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/charset"

	"github.com/linkguard/guardian/internal/httpclient"
)

const (
	maxBodyBytes = 2 << 20
	maxTextRunes = 5000
	maxLinks     = 20
	userAgent    = "Mozilla/5.0 (compatible; linkguard/1.0; +https://github.com/linkguard/guardian)"
)

// ErrNotHTML is returned when the page is not an HTML document.
var ErrNotHTML = errors.New("contentscan: response is not html")

// Content is what the classifier sees of a page.
type Content struct {
	Title       string   `json:"title"`
	Description string   `json:"meta_description"`
	Text        string   `json:"text"`
	Forms       int      `json:"forms"`
	Inputs      int      `json:"input_fields"`
	Scripts     int      `json:"scripts"`
	Links       []string `json:"external_links"`
}

// Fetcher downloads a page and extracts its Content.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// NewFetcher returns a fetcher that gives up on a page after timeout. A nil
// client uses httpclient.Public.
func NewFetcher(client *http.Client, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if client == nil {
		client = httpclient.Public(timeout)
	}
	return &Fetcher{client: client, timeout: timeout}
}

func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Content, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("contentscan: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("contentscan: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("contentscan: fetch: http %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && !strings.Contains(mt, "html") {
		return nil, ErrNotHTML
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	reader, err := charset.NewReader(body, contentType)
	if err != nil {
		reader = body
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("contentscan: parse html: %w", err)
	}
	return Extract(doc), nil
}

// Extract pulls the classifier-relevant parts out of a parsed page.
func Extract(doc *goquery.Document) *Content {
	c := &Content{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: strings.TrimSpace(doc.Find(`meta[name="description"]`).First().AttrOr("content", "")),
		Forms:       doc.Find("form").Length(),
		Inputs:      doc.Find("input").Length(),
		Scripts:     doc.Find("script").Length(),
		Links:       []string{},
	}

	doc.Find("a[href]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= maxLinks {
			return false
		}
		if href := strings.TrimSpace(s.AttrOr("href", "")); strings.HasPrefix(href, "http") {
			c.Links = append(c.Links, href)
		}
		return true
	})

	doc.Find("script, style, noscript, template").Remove()
	c.Text = truncate(strings.Join(strings.Fields(doc.Text()), " "), maxTextRunes)
	return c
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
