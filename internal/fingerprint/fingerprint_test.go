package fingerprint

import (
	"testing"

	"scrybe/internal/model"
)

func sampleReport() model.SessionReport {
	return model.SessionReport{
		Browser: model.BrowserReport{
			CanvasHash:          "canvas1",
			WebGLHash:           "webgl1",
			AudioHash:           "audio1",
			FontListHash:        "fonts1",
			Platform:            "Win32",
			HardwareConcurrency: 8,
			DeviceMemory:        8,
			MaxTouchPoints:      0,
		},
		Behavioral: model.BehavioralData{
			MouseSamples: []model.MousePoint{
				{X: 0, Y: 0, TimestampMS: 0},
				{X: 10, Y: 10, TimestampMS: 100},
				{X: 20, Y: 5, TimestampMS: 200},
			},
		},
	}
}

func TestBuildDeterministic(t *testing.T) {
	r := sampleReport()
	a := Build(r, "771,4865-4866,0-23,29-23,0")
	b := Build(r, "771,4865-4866,0-23,29-23,0")

	if a.CompositeHash != b.CompositeHash {
		t.Fatalf("composite hash not deterministic: %s != %s", a.CompositeHash, b.CompositeHash)
	}
	if a.NetworkHash != b.NetworkHash || a.BrowserHash != b.BrowserHash ||
		a.BehavioralHash != b.BehavioralHash || a.DeviceHash != b.DeviceHash {
		t.Fatal("component hashes not deterministic")
	}
	if a.Confidence != b.Confidence {
		t.Fatal("confidence not deterministic")
	}
}

func TestConfidenceBounds(t *testing.T) {
	r := sampleReport()
	fp := Build(r, "771,4865,0,0,0")
	if fp.Confidence < 0 || fp.Confidence > 1 {
		t.Fatalf("confidence out of bounds: %v", fp.Confidence)
	}
	if fp.Confidence != 1.0 {
		t.Fatalf("expected full confidence with all components present, got %v", fp.Confidence)
	}
}

func TestConfidenceZeroWhenEmpty(t *testing.T) {
	fp := Build(model.SessionReport{}, "")
	if fp.Confidence != 0 {
		t.Fatalf("expected zero confidence for an empty report, got %v", fp.Confidence)
	}
	if fp.NetworkHash != noTLS {
		t.Fatalf("expected no_tls network hash, got %q", fp.NetworkHash)
	}
}

func TestJaccardSymmetryAndBounds(t *testing.T) {
	r1 := sampleReport()
	r2 := sampleReport()
	r2.Browser.CanvasHash = "different"

	a := Build(r1, "ja3-a")
	b := Build(r2, "ja3-b")

	if Jaccard(a.MinHash, b.MinHash) != Jaccard(b.MinHash, a.MinHash) {
		t.Fatal("jaccard not symmetric")
	}
	if Jaccard(a.MinHash, a.MinHash) != 1.0 {
		t.Fatalf("expected self-jaccard of 1.0, got %v", Jaccard(a.MinHash, a.MinHash))
	}
	j := Jaccard(a.MinHash, b.MinHash)
	if j < 0 || j > 1 {
		t.Fatalf("jaccard out of bounds: %v", j)
	}
}

func TestBotProbabilityWeighting(t *testing.T) {
	p := model.ComputeBotProbability(1, 1, 1, 1)
	if p != 1.0 {
		t.Fatalf("expected weights to sum to 1.0 at max inputs, got %v", p)
	}
	p = model.ComputeBotProbability(0, 0, 0, 0)
	if p != 0 {
		t.Fatalf("expected zero bot probability at min inputs, got %v", p)
	}
}
