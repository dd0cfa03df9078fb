package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/polybox/internal/config"
)

// minSamples is the number of outcomes needed before an error rate counts.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection on adapter
// operation outcomes using sliding windows.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	flagged       map[string]time.Time
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	onAnomaly     func(operation string, rate float64)
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		flagged:       make(map[string]time.Time),
		cfg:           cfg,
		logger:        logger,
	}
}

// OnAnomaly registers a callback run, with the detector lock held, when an
// operation's error rate crosses the threshold. It fires again only after
// the rate has recovered and crossed once more.
func (a *AnomalyDetector) OnAnomaly(fn func(operation string, rate float64)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAnomaly = fn
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.errorCounts, operation)
	w.add(1)
	a.checkErrorRate(operation)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.successCounts, operation)
	w.add(1)
	if _, ok := a.flagged[operation]; ok && a.rate(operation) <= a.cfg.ErrorRateThreshold {
		delete(a.flagged, operation)
	}
}

// ErrorRate returns the error rate and sample count inside the window.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum()
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum()
	if total == 0 {
		return 0, 0
	}
	return errs / total, int(total)
}

// Flagged returns the operations currently over the threshold and when they
// first crossed it.
func (a *AnomalyDetector) Flagged() map[string]time.Time {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]time.Time, len(a.flagged))
	for k, v := range a.flagged {
		out[k] = v
	}
	return out
}

// rate must be called with a.mu held.
func (a *AnomalyDetector) rate(operation string) float64 {
	errs := a.getOrCreateWindow(a.errorCounts, operation).sum()
	total := errs + a.getOrCreateWindow(a.successCounts, operation).sum()
	if total == 0 {
		return 0
	}
	return errs / total
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errors := a.getOrCreateWindow(a.errorCounts, operation).sum()
	successes := a.getOrCreateWindow(a.successCounts, operation).sum()
	total := errors + successes

	if total < minSamples {
		return // Not enough data.
	}

	rate := errors / total
	if rate <= threshold {
		return
	}
	_, already := a.flagged[operation]
	if !already {
		a.flagged[operation] = time.Now()
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errors),
			slog.Float64("total", total),
		)
	}
	if a.onAnomaly != nil && !already {
		a.onAnomaly(operation, rate)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
