package loadgen

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// snapshot holds the tracked server metrics at one point in time. Labelled
// series are summed.
type snapshot struct {
	timestamp      time.Time
	activeSessions float64
	storeOps       float64
	storeErrors    float64
	events         float64
	scavenged      float64
	codecErrors    float64
	rateLimited    float64
	latencySum     float64
	latencyCount   float64
}

// Scraper periodically fetches the sessiond /metrics endpoint during a run.
type Scraper struct {
	metricsURL string
	interval   time.Duration
	client     *http.Client

	mu        sync.Mutex
	snapshots []snapshot
	failures  int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper creates a Scraper for metricsURL.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		metricsURL: metricsURL,
		interval:   interval,
		client:     &http.Client{Timeout: 5 * time.Second},
		done:       make(chan struct{}),
	}
}

// Start takes an initial snapshot and then scrapes every interval until Stop
// or ctx is cancelled. A final snapshot is taken on the way out.
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
				s.scrapeOnce(context.WithoutCancel(ctx))
				return
			case <-ticker.C:
				s.scrapeOnce(ctx)
			}
		}
	}()
}

// Stop stops the background scraper and waits for it to finish.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Snapshots returns the number of successful scrapes.
func (s *Scraper) Snapshots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *Scraper) scrapeOnce(ctx context.Context) {
	snap, err := s.fetch(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failures++
		return
	}
	s.snapshots = append(s.snapshots, snap)
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
		return snapshot{}, fmt.Errorf("metrics: status %d", resp.StatusCode)
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
		case "kvsessions_active_sessions":
			snap.activeSessions += value
		case "kvsessions_store_ops_total":
			snap.storeOps += value
			if strings.Contains(labels, `result="error"`) {
				snap.storeErrors += value
			}
		case "kvsessions_session_events_total":
			snap.events += value
		case "kvsessions_scavenged_total":
			snap.scavenged += value
		case "kvsessions_codec_errors_total":
			snap.codecErrors += value
		case "kvsessions_rate_limited_total":
			snap.rateLimited += value
		case "kvsessions_store_latency_seconds_sum":
			snap.latencySum += value
		case "kvsessions_store_latency_seconds_count":
			snap.latencyCount += value
		}
	}
	return snap, scanner.Err()
}

// parseMetricLine splits a text exposition line of the form
//
//	name{labels} value
//
// into its parts. labels is empty for unlabelled series.
func parseMetricLine(line string) (name, labels string, value float64, ok bool) {
	rest := line
	if open := strings.IndexByte(line, '{'); open != -1 {
		closing := strings.LastIndexByte(line, '}')
		if closing < open {
			return "", "", 0, false
		}
		name = line[:open]
		labels = line[open+1 : closing]
		rest = line[closing+1:]
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return "", "", 0, false
		}
		name = fields[0]
		rest = strings.Join(fields[1:], " ")
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", "", 0, false
	}
	return name, labels, v, true
}

// Report writes the initial, final, delta and peak value of each tracked
// metric to w.
func (s *Scraper) Report(w io.Writer) {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snapshots...)
	failures := s.failures
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Fprintf(w, "\n--- Server Metrics (no data collected, %d failed scrapes) ---\n", failures)
		return
	}

	first, last := snaps[0], snaps[len(snaps)-1]
	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s (%d failed)\n",
		len(snaps), last.timestamp.Sub(first.timestamp).Round(time.Second), failures)

	rows := []struct {
		label   string
		extract func(snapshot) float64
	}{
		{"Active Sessions", func(s snapshot) float64 { return s.activeSessions }},
		{"Store Ops", func(s snapshot) float64 { return s.storeOps }},
		{"Store Errors", func(s snapshot) float64 { return s.storeErrors }},
		{"Session Events", func(s snapshot) float64 { return s.events }},
		{"Scavenged", func(s snapshot) float64 { return s.scavenged }},
		{"Codec Errors", func(s snapshot) float64 { return s.codecErrors }},
		{"Rate Limited", func(s snapshot) float64 { return s.rateLimited }},
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "------", "-------", "-----", "-----", "----")
	for _, r := range rows {
		initial, final := r.extract(first), r.extract(last)
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			r.label, initial, final, final-initial, peakValue(snaps, r.extract))
	}

	fmt.Fprintln(w)
	deltaSum := last.latencySum - first.latencySum
	deltaCount := last.latencyCount - first.latencyCount
	if deltaCount > 0 {
		fmt.Fprintf(w, "  %-16s avg: %.4fs  (%.0f observations)\n", "Store Latency", deltaSum/deltaCount, deltaCount)
	} else {
		fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", "Store Latency")
	}
}

func peakValue(snaps []snapshot, extract func(snapshot) float64) float64 {
	peak := math.Inf(-1)
	for _, s := range snaps {
		peak = math.Max(peak, extract(s))
	}
	return peak
}
