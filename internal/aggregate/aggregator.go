// Package aggregate turns the noisy per-frame classification stream into one
// stable decision per time window. Raw frames flicker with lighting and
// transient expressions; a majority vote over a bounded recent window with a
// minimum-sample floor gives the scheduler a single usable signal, and the
// window bounds memory by time rather than count.
package aggregate

import (
	"sync"
	"time"

	"github.com/moodloop/moodloop/internal/emotion"
)

// Defaults for the sliding window.
const (
	DefaultWindow         = 10 * time.Second
	DefaultConfidenceGate = 0.55
	DefaultMinSamples     = 7
)

// Sample is one accepted classification observation. Immutable once stored.
type Sample struct {
	Label      emotion.Label
	Confidence float64
	At         time.Time
}

// Summary is the majority decision for one window.
type Summary struct {
	TopLabel     emotion.Label `json:"top_label"`
	TopShare     float64       `json:"top_share"`
	TotalSamples int           `json:"total_samples"`
}

// Aggregator keeps a time-ordered window of samples and answers majority
// queries on demand. Safe for concurrent use.
type Aggregator struct {
	window     time.Duration
	gate       float64
	minSamples int

	mu      sync.Mutex
	samples []Sample
}

// New creates an aggregator. Non-positive arguments fall back to the defaults.
func New(window time.Duration, gate float64, minSamples int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if gate <= 0 {
		gate = DefaultConfidenceGate
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	return &Aggregator{window: window, gate: gate, minSamples: minSamples}
}

// Add appends a sample and trims expired ones. Samples below the confidence
// gate or with an invalid label are rejected; returns whether it was kept.
func (a *Aggregator) Add(label emotion.Label, confidence float64, now time.Time) bool {
	if confidence < a.gate || !label.Valid() {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, Sample{Label: label, Confidence: confidence, At: now})
	a.trim(now)
	return true
}

// WindowSummary trims expired samples against now, then returns the majority
// decision. Returns false when fewer samples than the minimum floor remain;
// a decision from a too-sparse window would just replay noise.
func (a *Aggregator) WindowSummary(now time.Time) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trimBefore(now.Add(-a.window))
	return a.summaryLocked()
}

// SummarySince returns the majority decision over samples observed at or
// after start, dropping anything older. Decision points anchor this to the
// window entry time: the decision timer fires a full window after entry, so
// trimming by age against the firing time would expire the samples collected
// early in that same window.
func (a *Aggregator) SummarySince(start time.Time) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trimBefore(start)
	return a.summaryLocked()
}

func (a *Aggregator) summaryLocked() (Summary, bool) {
	total := len(a.samples)
	if total < a.minSamples {
		return Summary{}, false
	}

	// Running counts in arrival order: on a tie, the label that reached the
	// winning count first keeps the win. Deterministic, no map iteration.
	counts := make(map[emotion.Label]int, emotion.Count)
	var top emotion.Label
	best := 0
	for _, s := range a.samples {
		counts[s.Label]++
		if counts[s.Label] > best {
			best = counts[s.Label]
			top = s.Label
		}
	}

	share := float64(best) / float64(total)
	if share > 1 {
		share = 1
	}
	return Summary{TopLabel: top, TopShare: share, TotalSamples: total}, true
}

// Len returns the live sample count after trimming against now.
func (a *Aggregator) Len(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trim(now)
	return len(a.samples)
}

// Reset clears all samples. Used on session boundaries.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.samples = a.samples[:0]
	a.mu.Unlock()
}

// trim drops samples older than the window from the front. Samples are
// appended in arrival order, so the first young sample ends the scan.
func (a *Aggregator) trim(now time.Time) {
	a.trimBefore(now.Add(-a.window))
}

func (a *Aggregator) trimBefore(cutoff time.Time) {
	i := 0
	for i < len(a.samples) && a.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.samples = append(a.samples[:0], a.samples[i:]...)
	}
}
