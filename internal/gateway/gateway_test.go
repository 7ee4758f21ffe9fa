package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"scrybe/internal/admission"
	"scrybe/internal/anomaly"
	"scrybe/internal/auth"
	"scrybe/internal/cache"
	"scrybe/internal/iphash"
	"scrybe/internal/model"
	"scrybe/internal/pipeline"
	"scrybe/internal/signals"
	"scrybe/internal/similarity"
	"scrybe/internal/storage"
)

type fakeStore struct{ appended int }

func (f *fakeStore) Append(ctx context.Context, batch []model.EnrichedSession) error {
	f.appended += len(batch)
	return nil
}
func (f *fakeStore) QueryPercentiles(ctx context.Context, q storage.PercentileQuery) (storage.Percentiles, error) {
	return storage.Percentiles{}, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

const testSigningKey = "test-signing-key"

func newTestGateway(t *testing.T) (*Gateway, *auth.Authenticator, cache.Cache, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	writer := storage.NewWriter(store, storage.WriterConfig{BatchSize: 1, FlushInterval: time.Hour})
	c := cache.NewMemoryCache(time.Hour)
	simIndex := similarity.New(similarity.Config{})
	scorer := anomaly.NewScorer("v1")
	orch := pipeline.New(pipeline.Config{Workers: 1, QueueCapacity: 8, ModelVersion: model.ModelVersionTag{Fingerprint: "v1", Anomaly: "v1"}}, nil, simIndex, scorer, c, writer, pipeline.Hooks{})
	orch.Start(context.Background())

	authn := auth.New(testSigningKey, 5*time.Minute)
	adm := admission.New(admission.Config{MaxBodyBytes: 1 << 16, PerIPRate: 100, PerIPBurst: 0, Window: time.Second}, c, orch)
	extractor := signals.New(nil, iphash.NewRotator("salt", 24*time.Hour))

	g := New(Config{NonceTTL: 5 * time.Minute, ShutdownDrain: time.Second}, ":0", extractor, authn, adm, orch, c, store, nil, nil)
	return g, authn, c, store
}

func signedRequest(t *testing.T, authn *auth.Authenticator, body []byte, nonce string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig := authn.Sign(ts, nonce, body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Scrybe-Timestamp", ts)
	req.Header.Set("X-Scrybe-Nonce", nonce)
	req.Header.Set("X-Scrybe-Signature", sig)
	req.ContentLength = int64(len(body))
	return req
}

func sampleBody(sessionID, nonce string) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"sessionId": sessionID,
		"nonce":     nonce,
		"browser":   map[string]interface{}{"canvasHash": "abc", "platform": "Linux"},
		"behavioral": map[string]interface{}{
			"mouseSamples": []map[string]interface{}{{"X": 0, "Y": 0, "TimestampMS": 0}, {"X": 5, "Y": 5, "TimestampMS": 10}},
			"timeOnPageMs": 10000,
		},
	})
	return b
}

func TestIngestHappyPath(t *testing.T) {
	g, authn, _, _ := newTestGateway(t)
	body := sampleBody("sess-1", "nonce-1")
	req := signedRequest(t, authn, body, "nonce-1")
	rec := httptest.NewRecorder()

	g.server.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	var resp ingestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "accepted" || resp.SessionID != "sess-1" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestIngestReplayRejected(t *testing.T) {
	g, authn, _, _ := newTestGateway(t)
	body := sampleBody("sess-2", "nonce-2")

	first := signedRequest(t, authn, body, "nonce-2")
	rec1 := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec1, first)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("first request status = %d, want 202", rec1.Code)
	}

	second := signedRequest(t, authn, body, "nonce-2")
	rec2 := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec2, second)
	if rec2.Code != http.StatusConflict {
		t.Fatalf("replay status = %d, want 409", rec2.Code)
	}
}

func TestIngestBadSignatureRejected(t *testing.T) {
	g, authn, _, _ := newTestGateway(t)
	wrongKeyAuthn := auth.New("wrong-signing-key", 5*time.Minute)
	body := sampleBody("sess-3", "nonce-3")
	req := signedRequest(t, wrongKeyAuthn, body, "nonce-3")
	rec := httptest.NewRecorder()
	_ = authn

	g.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestIngestOversizeBodyRejected(t *testing.T) {
	g, authn, _, _ := newTestGateway(t)
	huge := bytes.Repeat([]byte("x"), 1<<17)
	body, _ := json.Marshal(map[string]interface{}{"sessionId": "sess-4", "nonce": "nonce-4", "padding": string(huge)})
	req := signedRequest(t, authn, body, "nonce-4")
	rec := httptest.NewRecorder()

	g.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHealthAlwaysLive(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadyReportsDependencyHealth(t *testing.T) {
	g, _, _, _ := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	g.server.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
