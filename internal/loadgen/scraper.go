package loadgen

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked guardian metrics at one point in time.
type snapshot struct {
	timestamp time.Time
	messages  float64
	analyses  float64
	failed    float64
	danger    float64
	actions   float64
	cacheHits float64
	durSum    float64
	durCount  float64
}

// Scraper periodically fetches the guardian's Prometheus endpoint.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes a snapshot now and then on every tick until Stop or ctx ends.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrapeOnce(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.scrapeOnce(context.Background())
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop ends the background loop and waits for its final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	if err != nil {
		// The guardian may not be up yet.
		return
	}
	s.mu.Lock()
	s.snapshots = append(s.snapshots, snap)
	s.mu.Unlock()
}

func (s *Scraper) fetch(ctx context.Context) (snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.metricsURL, nil)
	if err != nil {
		return snapshot{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return snapshot{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snapshot{}, fmt.Errorf("loadgen: metrics status %d", resp.StatusCode)
	}
	return parseSnapshot(resp.Body)
}

func parseSnapshot(r io.Reader) (snapshot, error) {
	snap := snapshot{timestamp: time.Now()}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		name, labels, value, ok := parseMetricLine(line)
		if !ok {
			continue
		}

		switch name {
		case "linkguard_messages_total":
			snap.messages += value
		case "linkguard_analyses_total":
			snap.analyses += value
			switch {
			case strings.Contains(labels, `level="failed"`):
				snap.failed += value
			case strings.Contains(labels, `level="danger"`):
				snap.danger += value
			}
		case "linkguard_moderation_actions_total":
			snap.actions += value
		case "linkguard_verdict_cache_total":
			if strings.Contains(labels, `result="hit"`) {
				snap.cacheHits += value
			}
		case "linkguard_analysis_duration_seconds_sum":
			snap.durSum = value
		case "linkguard_analysis_duration_seconds_count":
			snap.durCount = value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line into the metric name, the
// raw label block and the value.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	raw := line
	if idx := strings.IndexByte(raw, '{'); idx != -1 {
		closing := strings.IndexByte(raw[idx:], '}')
		if closing == -1 {
			return "", "", 0, false
		}
		name = raw[:idx]
		labels = raw[idx+1 : idx+closing]
		raw = name + raw[idx+closing+1:]
	}

	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return "", "", 0, false
	}
	if name == "" {
		name = fields[0]
	}

	// A trailing timestamp is allowed after the value.
	v, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the deltas between the first and last snapshot.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := make([]snapshot, len(s.snapshots))
	copy(snaps, s.snapshots)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintln(w, "\n--- Guardian Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Fprintln(w, "\n--- Guardian Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second))

	rows := []struct {
		label       string
		first, last float64
	}{
		{"Messages", first.messages, last.messages},
		{"Analyses", first.analyses, last.analyses},
		{"Danger", first.danger, last.danger},
		{"Failed", first.failed, last.failed},
		{"Mod Actions", first.actions, last.actions},
		{"Cache Hits", first.cacheHits, last.cacheHits},
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-14s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta")
	fmt.Fprintf(w, "  %-14s %10s %10s %10s\n", "------", "-------", "-----", "-----")
	for _, r := range rows {
		fmt.Fprintf(w, "  %-14s %10.0f %10.0f %10.0f\n", r.label, r.first, r.last, r.last-r.first)
	}

	fmt.Fprintln(w)
	if n := last.durCount - first.durCount; n > 0 {
		fmt.Fprintf(w, "  %-14s avg: %.4fs  (%.0f observations)\n", "Analysis", (last.durSum-first.durSum)/n, n)
	} else {
		fmt.Fprintf(w, "  %-14s avg: N/A  (no observations)\n", "Analysis")
	}
}
