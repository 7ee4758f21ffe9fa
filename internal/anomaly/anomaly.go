// Package anomaly implements the Anomaly Scorer (C10): four independent
// scorers (behavioral, timing, header, fingerprint), each in [0,1],
// combined by the fixed weighted formula in model.ComputeBotProbability.
// Behavioral thresholds are percentile-based, refreshed periodically from
// the analytical store rather than hardcoded, per spec.md §4.8; the timing
// cutoffs are fixed constants.
package anomaly

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"scrybe/internal/fingerprint"
	"scrybe/internal/model"
	"scrybe/internal/storage"
)

const (
	behavioralMouseEntropyWeight  = 0.4
	behavioralNoMouseWeight       = 0.3
	behavioralScrollSmoothWeight  = 0.3

	timingFastPageWeight   = 0.4
	timingFastFocusWeight  = 0.3

	headerHeadlessWeight  = 0.9
	headerSeleniumWeight  = 0.9
	headerWebdriverWeight = 0.8

	fingerprintLowConfidenceWeight = 0.3
	fingerprintConfidenceFloor     = 0.5

	timingFastPageMS      = 500
	timingFastFocusCount  = 10
	timingFastFocusWindow = 5000
)

// Thresholds holds the percentile-based cutoffs the behavioral scorer
// consults. These are refreshed periodically; a cold-start default is
// defined in DefaultThresholds.
type Thresholds struct {
	MouseEntropyP5      float64
	ScrollSmoothnessP95 float64
}

// DefaultThresholds is the cold-start threshold set used before the
// first refresh completes.
var DefaultThresholds = Thresholds{
	MouseEntropyP5:      0.5,
	ScrollSmoothnessP95: 0.95,
}

// Scorer computes the four component scores and composite bot
// probability for a session report. Its threshold set is refreshed in
// the background by Refresher; reads and writes are mutex-guarded since
// the pipeline's worker pool reads it concurrently with the refresh.
type Scorer struct {
	mu         sync.RWMutex
	thresholds Thresholds
	version    string
}

// NewScorer constructs a Scorer seeded with the cold-start defaults.
func NewScorer(version string) *Scorer {
	return &Scorer{thresholds: DefaultThresholds, version: version}
}

// SetThresholds atomically replaces the active threshold set, called by
// Refresher after a successful percentile query.
func (s *Scorer) SetThresholds(t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
}

func (s *Scorer) snapshot() Thresholds {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thresholds
}

// Score computes the full AnomalyScore for a session report.
func (s *Scorer) Score(r model.SessionReport, fp model.CompositeFingerprint) model.AnomalyScore {
	thresholds := s.snapshot()
	var anomalies []model.DetectedAnomaly

	behavioral := s.scoreBehavioral(r, thresholds, &anomalies)
	timing := scoreTiming(r, &anomalies)
	header := scoreHeader(r.Browser, &anomalies)
	fingerprintScore := scoreFingerprint(fp, &anomalies)

	bot := model.ComputeBotProbability(behavioral, timing, header, fingerprintScore)

	return model.AnomalyScore{
		Behavioral:     behavioral,
		Timing:         timing,
		Header:         header,
		Fingerprint:    fingerprintScore,
		BotProbability: bot,
		Anomalies:      anomalies,
	}
}

func (s *Scorer) scoreBehavioral(r model.SessionReport, t Thresholds, anomalies *[]model.DetectedAnomaly) float64 {
	var score float64

	entropy, _, hasMouse := fingerprint.MouseEntropy(r.Behavioral.MouseSamples)
	if !hasMouse {
		score += behavioralNoMouseWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "no_mouse_events", Severity: model.SeverityWarning,
			Description: "no mouse events recorded in the session",
		})
	} else if entropy < t.MouseEntropyP5 {
		score += behavioralMouseEntropyWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "low_mouse_entropy", Severity: model.SeverityWarning,
			Description: "mouse movement entropy below the 5th percentile",
		})
	}

	if smooth, ok := fingerprint.ScrollSmoothness(r.Behavioral.ScrollSamples); ok && smooth > t.ScrollSmoothnessP95 {
		score += behavioralScrollSmoothWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "uniform_scroll", Severity: model.SeverityWarning,
			Description: "scroll smoothness above the 95th percentile",
		})
	}

	return clamp(score)
}

func scoreTiming(r model.SessionReport, anomalies *[]model.DetectedAnomaly) float64 {
	var score float64
	b := r.Behavioral

	if b.TimeOnPageMS < timingFastPageMS {
		score += timingFastPageWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "fast_page_exit", Severity: model.SeverityWarning,
			Description: "time on page under 500ms",
		})
	}
	if b.FocusChanges > timingFastFocusCount && b.TimeOnPageMS < timingFastFocusWindow {
		score += timingFastFocusWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "rapid_focus_changes", Severity: model.SeverityWarning,
			Description: "more than 10 focus changes within 5000ms",
		})
	}
	return clamp(score)
}

func scoreHeader(b model.BrowserReport, anomalies *[]model.DetectedAnomaly) float64 {
	var score float64

	if strings.Contains(b.UserAgent, "HeadlessChrome") {
		score += headerHeadlessWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "headless_ua", Severity: model.SeverityCritical,
			Description: "user-agent reports HeadlessChrome",
		})
	}
	if strings.Contains(b.UserAgent, "Selenium") {
		score += headerSeleniumWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "selenium_ua", Severity: model.SeverityCritical,
			Description: "user-agent reports Selenium",
		})
	}
	if b.Webdriver {
		score += headerWebdriverWeight
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "webdriver_flag", Severity: model.SeverityCritical,
			Description: "client reported navigator.webdriver",
		})
	}
	return clamp(score)
}

func scoreFingerprint(fp model.CompositeFingerprint, anomalies *[]model.DetectedAnomaly) float64 {
	if fp.Confidence < fingerprintConfidenceFloor {
		*anomalies = append(*anomalies, model.DetectedAnomaly{
			Kind: "low_fingerprint_confidence", Severity: model.SeverityInfo,
			Description: "composite fingerprint confidence below 0.5",
		})
		return clamp(fingerprintLowConfidenceWeight)
	}
	return 0
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// Refresher periodically recomputes Thresholds from the analytical
// store's percentile query and pushes them into a Scorer.
type Refresher struct {
	store  storage.Store
	scorer *Scorer
	cfg    RefresherConfig
	stop   chan struct{}
}

// RefresherConfig configures the refresh cadence and query window.
type RefresherConfig struct {
	Interval        time.Duration
	Window          time.Duration
	MaxPriorBotProb float64
}

// NewRefresher constructs a Refresher without querying the store. Call Run
// to start the background loop; Run performs one refresh immediately,
// before its first tick, so a fresh deployment does not run on cold-start
// defaults longer than necessary.
func NewRefresher(store storage.Store, scorer *Scorer, cfg RefresherConfig) *Refresher {
	return &Refresher{store: store, scorer: scorer, cfg: cfg, stop: make(chan struct{})}
}

// Run performs an initial refresh then loops on cfg.Interval until Stop
// is called. Refresh failures are logged and leave the previous
// threshold set (or cold-start defaults) in place.
func (r *Refresher) Run(ctx context.Context) {
	r.refreshOnce(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.refreshOnce(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Refresher) refreshOnce(ctx context.Context) {
	entropy, err := r.store.QueryPercentiles(ctx, storage.PercentileQuery{
		Metric: storage.MetricMouseEntropy, Window: r.cfg.Window, MaxPriorBotProbability: r.cfg.MaxPriorBotProb,
	})
	if err != nil {
		slog.Warn("anomaly threshold refresh failed", "metric", storage.MetricMouseEntropy, "error", err)
		return
	}
	scroll, err := r.store.QueryPercentiles(ctx, storage.PercentileQuery{
		Metric: storage.MetricScrollSmoothness, Window: r.cfg.Window, MaxPriorBotProbability: r.cfg.MaxPriorBotProb,
	})
	if err != nil {
		slog.Warn("anomaly threshold refresh failed", "metric", storage.MetricScrollSmoothness, "error", err)
		return
	}

	if entropy.N == 0 || scroll.N == 0 {
		slog.Info("anomaly threshold refresh skipped, insufficient samples", "entropy_n", entropy.N, "scroll_n", scroll.N)
		return
	}

	r.scorer.SetThresholds(Thresholds{
		MouseEntropyP5:      entropy.P5,
		ScrollSmoothnessP95: scroll.P95,
	})
	slog.Info("anomaly thresholds refreshed", "mouse_entropy_p5", entropy.P5, "scroll_smoothness_p95", scroll.P95)
}

// Stop ends the refresh loop.
func (r *Refresher) Stop() {
	close(r.stop)
}
