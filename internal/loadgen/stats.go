// Package loadgen drives synthetic chat traffic at a running guardian and
// reports client-side publish figures next to the guardian's own metrics.
package loadgen

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector aggregates publish results from many goroutines.
type Collector struct {
	mu        sync.Mutex
	latencies []time.Duration
	published int
	errors    int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a metrics scraper whose findings are added to the
// report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddPublish records one successful publish and how long it took.
func (c *Collector) AddPublish(d time.Duration) {
	c.mu.Lock()
	c.latencies = append(c.latencies, d)
	c.published++
	c.mu.Unlock()
}

// AddError increments the error counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// Published returns the number of successful publishes.
func (c *Collector) Published() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// Errors returns the number of failed publishes.
func (c *Collector) Errors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report writes a summary of the run to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Fprintln(w, "\n=== Load Results ===")
	fmt.Fprintf(w, "Duration:     %s\n", elapsed.Round(time.Second))
	fmt.Fprintf(w, "Published:    %d\n", c.published)
	fmt.Fprintf(w, "Errors:       %d\n", c.errors)
	if total := c.published + c.errors; total > 0 {
		fmt.Fprintf(w, "Error rate:   %.2f%%\n", float64(c.errors)/float64(total)*100)
	}
	if elapsed > 0 {
		fmt.Fprintf(w, "Rate:         %.1f msg/s\n", float64(c.published)/elapsed.Seconds())
	}

	if s, ok := Summarize(c.latencies); ok {
		fmt.Fprintln(w, "\n--- Publish Latency ---")
		fmt.Fprintf(w, "  %s\n", s)
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// Summary is a latency distribution.
type Summary struct {
	N                       int
	Avg, P50, P95, P99, Max time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		s.Avg.Round(time.Microsecond),
		s.P50.Round(time.Microsecond),
		s.P95.Round(time.Microsecond),
		s.P99.Round(time.Microsecond),
		s.Max.Round(time.Microsecond),
		s.N,
	)
}

// Summarize sorts durations in place and computes their distribution. ok is
// false when there are no samples.
func Summarize(durations []time.Duration) (Summary, bool) {
	n := len(durations)
	if n == 0 {
		return Summary{}, false
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	return Summary{
		N:   n,
		Avg: sum / time.Duration(n),
		P50: durations[n/2],
		P95: durations[int(math.Ceil(float64(n)*0.95))-1],
		P99: durations[int(math.Ceil(float64(n)*0.99))-1],
		Max: durations[n-1],
	}, true
}
