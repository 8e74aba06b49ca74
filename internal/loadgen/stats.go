package loadgen

import (
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"sync"
	"time"
)

// Collector aggregates latencies, errors and status codes from many clients.
// All methods are goroutine-safe and accept a nil receiver.
type Collector struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	errors    map[string]int
	statuses  map[int]int
	startTime time.Time
	scraper   *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		latencies: make(map[string][]time.Duration),
		errors:    make(map[string]int),
		statuses:  make(map[int]int),
		startTime: time.Now(),
	}
}

// SetScraper attaches a server metrics scraper whose summary is appended to
// the report.
func (c *Collector) SetScraper(s *Scraper) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

func (c *Collector) AddLatency(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.latencies[op] = append(c.latencies[op], d)
	c.mu.Unlock()
}

func (c *Collector) AddError(op string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.errors[op]++
	c.mu.Unlock()
}

func (c *Collector) AddStatus(code int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.statuses[code]++
	c.mu.Unlock()
}

// Count returns the number of completed requests for op.
func (c *Collector) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.latencies[op])
}

// ErrorCount returns the number of failed requests across all operations.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.errors {
		n += v
	}
	return n
}

// StatusCount returns how many responses carried the given status code.
func (c *Collector) StatusCount(code int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statuses[code]
}

// Report writes a summary with per-operation percentiles to w.
func (c *Collector) Report(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintln(w, "\n=== Session Load Results ===")
	fmt.Fprintf(w, "Duration:  %s\n", time.Since(c.startTime).Round(time.Millisecond))

	codes := slices.Sorted(maps.Keys(c.statuses))
	for _, code := range codes {
		fmt.Fprintf(w, "HTTP %d:  %d\n", code, c.statuses[code])
	}

	for _, op := range []string{OpCreate, OpRead, OpWrite, OpRenew, OpInvalidate} {
		if len(c.latencies[op]) == 0 && c.errors[op] == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s (errors: %d) ---\n", op, c.errors[op])
		if len(c.latencies[op]) > 0 {
			printPercentiles(w, c.latencies[op])
		}
	}

	if c.scraper != nil {
		c.scraper.Report(w)
	}
	fmt.Fprintln(w)
}

// percentile returns the q-quantile of sorted durations using the
// nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*q)) - 1
	return sorted[max(idx, 0)]
}

func printPercentiles(w io.Writer, durations []time.Duration) {
	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	n := len(sorted)
	avg := sum / time.Duration(n)

	fmt.Fprintf(w, "  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		avg.Round(time.Microsecond),
		percentile(sorted, 0.50).Round(time.Microsecond),
		percentile(sorted, 0.95).Round(time.Microsecond),
		percentile(sorted, 0.99).Round(time.Microsecond),
		sorted[n-1].Round(time.Microsecond),
		n,
	)
}
