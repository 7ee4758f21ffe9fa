package anomaly

import (
	"context"
	"testing"
	"time"

	"scrybe/internal/model"
	"scrybe/internal/storage"
)

func TestScoreNoMouseEvents(t *testing.T) {
	s := NewScorer("v1")
	report := model.SessionReport{Behavioral: model.BehavioralData{TimeOnPageMS: 10000}}
	score := s.Score(report, model.CompositeFingerprint{Confidence: 1.0})

	if score.Behavioral < behavioralNoMouseWeight {
		t.Errorf("behavioral score = %v, want >= %v", score.Behavioral, behavioralNoMouseWeight)
	}
	found := false
	for _, a := range score.Anomalies {
		if a.Kind == "no_mouse_events" {
			found = true
		}
	}
	if !found {
		t.Error("expected no_mouse_events anomaly")
	}
}

func TestScoreFastPageExit(t *testing.T) {
	s := NewScorer("v1")
	report := model.SessionReport{Behavioral: model.BehavioralData{TimeOnPageMS: 100}}
	score := s.Score(report, model.CompositeFingerprint{Confidence: 1.0})
	if score.Timing < timingFastPageWeight {
		t.Errorf("timing score = %v, want >= %v", score.Timing, timingFastPageWeight)
	}
}

func TestScoreRapidFocusChanges(t *testing.T) {
	s := NewScorer("v1")
	report := model.SessionReport{Behavioral: model.BehavioralData{TimeOnPageMS: 2000, FocusChanges: 15}}
	score := s.Score(report, model.CompositeFingerprint{Confidence: 1.0})
	// fast page (TimeOnPageMS<500 is false here) + fast focus change should both be considered
	if score.Timing < timingFastFocusWeight {
		t.Errorf("timing score = %v, want >= %v", score.Timing, timingFastFocusWeight)
	}
}

func TestScoreHeaderHeadlessAndSelenium(t *testing.T) {
	s := NewScorer("v1")
	report := model.SessionReport{Browser: model.BrowserReport{UserAgent: "Mozilla/5.0 HeadlessChrome/120 Selenium", Webdriver: true}}
	score := s.Score(report, model.CompositeFingerprint{Confidence: 1.0})
	if score.Header != 1.0 {
		t.Errorf("header score = %v, want clamped to 1.0", score.Header)
	}
	headerAnomalies := 0
	for _, a := range score.Anomalies {
		switch a.Kind {
		case "headless_ua", "selenium_ua", "webdriver_flag":
			headerAnomalies++
		}
	}
	if headerAnomalies != 3 {
		t.Errorf("expected 3 header anomalies, got %d", headerAnomalies)
	}
}

func TestScoreLowFingerprintConfidence(t *testing.T) {
	s := NewScorer("v1")
	score := s.Score(model.SessionReport{}, model.CompositeFingerprint{Confidence: 0.2})
	if score.Fingerprint != fingerprintLowConfidenceWeight {
		t.Errorf("fingerprint score = %v, want %v", score.Fingerprint, fingerprintLowConfidenceWeight)
	}
}

func TestComputeBotProbabilityMatchesWeightedSum(t *testing.T) {
	s := NewScorer("v1")
	report := model.SessionReport{
		Behavioral: model.BehavioralData{TimeOnPageMS: 100},
		Browser:    model.BrowserReport{Webdriver: true},
	}
	score := s.Score(report, model.CompositeFingerprint{Confidence: 1.0})
	want := model.ComputeBotProbability(score.Behavioral, score.Timing, score.Header, score.Fingerprint)
	if score.BotProbability != want {
		t.Errorf("bot probability = %v, want %v", score.BotProbability, want)
	}
}

type fakeStore struct {
	entropy, scroll storage.Percentiles
}

func (f fakeStore) Append(ctx context.Context, batch []model.EnrichedSession) error { return nil }
func (f fakeStore) QueryPercentiles(ctx context.Context, q storage.PercentileQuery) (storage.Percentiles, error) {
	if q.Metric == storage.MetricMouseEntropy {
		return f.entropy, nil
	}
	return f.scroll, nil
}
func (f fakeStore) Ping(ctx context.Context) error { return nil }
func (f fakeStore) Close() error                   { return nil }

func TestRefresherUpdatesThresholds(t *testing.T) {
	scorer := NewScorer("v1")
	store := fakeStore{
		entropy: storage.Percentiles{P5: 1.23, N: 500},
		scroll:  storage.Percentiles{P95: 0.87, N: 500},
	}
	r := NewRefresher(store, scorer, RefresherConfig{Interval: time.Hour, Window: 24 * time.Hour, MaxPriorBotProb: 0.3})
	r.refreshOnce(context.Background())

	got := scorer.snapshot()
	if got.MouseEntropyP5 != 1.23 || got.ScrollSmoothnessP95 != 0.87 {
		t.Errorf("thresholds = %+v, want {1.23 0.87}", got)
	}
}

func TestRefresherSkipsOnInsufficientSamples(t *testing.T) {
	scorer := NewScorer("v1")
	store := fakeStore{entropy: storage.Percentiles{N: 0}, scroll: storage.Percentiles{N: 0}}
	r := NewRefresher(store, scorer, RefresherConfig{Interval: time.Hour, Window: 24 * time.Hour})
	r.refreshOnce(context.Background())

	got := scorer.snapshot()
	if got != DefaultThresholds {
		t.Errorf("expected defaults preserved on insufficient samples, got %+v", got)
	}
}
