package pipeline

import (
	"context"
	"testing"
	"time"

	"scrybe/internal/anomaly"
	"scrybe/internal/cache"
	"scrybe/internal/model"
	"scrybe/internal/similarity"
	"scrybe/internal/storage"
)

type fakeStore struct{ appended []model.EnrichedSession }

func (f *fakeStore) Append(ctx context.Context, batch []model.EnrichedSession) error {
	f.appended = append(f.appended, batch...)
	return nil
}
func (f *fakeStore) QueryPercentiles(ctx context.Context, q storage.PercentileQuery) (storage.Percentiles, error) {
	return storage.Percentiles{}, nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeStore, cache.Cache) {
	t.Helper()
	store := &fakeStore{}
	writer := storage.NewWriter(store, storage.WriterConfig{BatchSize: 1, FlushInterval: time.Hour})
	c := cache.NewMemoryCache(time.Hour)
	simIndex := similarity.New(similarity.Config{})
	scorer := anomaly.NewScorer("v1")

	o := New(Config{Workers: 1, QueueCapacity: 8, ModelVersion: model.ModelVersionTag{Fingerprint: "v1", Anomaly: "v1"}}, nil, simIndex, scorer, c, writer, Hooks{})
	return o, store, c
}

func sampleSession(sessionID string) model.Session {
	return model.Session{
		Report: model.SessionReport{
			SessionID: sessionID,
			Browser:   model.BrowserReport{CanvasHash: "abc", Platform: "Linux"},
			Behavioral: model.BehavioralData{
				MouseSamples: []model.MousePoint{{X: 0, Y: 0, TimestampMS: 0}, {X: 5, Y: 5, TimestampMS: 10}},
				TimeOnPageMS: 10000,
			},
		},
		Signals:    model.ServerSignals{HashedIP: "hashed-ip-1"},
		ReceivedAt: time.Now(),
	}
}

func TestProcessEnrichesAndPersists(t *testing.T) {
	o, store, c := newTestOrchestrator(t)
	ctx := context.Background()

	o.process(ctx, Job{Session: sampleSession("sess-1"), RawIP: "203.0.113.1"})

	if len(store.appended) != 1 {
		t.Fatalf("expected 1 appended record, got %d", len(store.appended))
	}
	rec := store.appended[0]
	if rec.Fingerprint.CompositeHash == "" {
		t.Error("expected non-empty composite hash")
	}
	if !rec.Geo.IsUnknown() {
		t.Error("expected unknown geo with nil resolver")
	}

	meta, err := c.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("expected session cached, got error: %v", err)
	}
	if meta.FingerprintHash != rec.Fingerprint.CompositeHash {
		t.Error("cached fingerprint hash mismatch")
	}
}

func TestProcessDropsEmptyReport(t *testing.T) {
	o, store, _ := newTestOrchestrator(t)
	dropped := false
	o.hooks.OnDropped = func(reason string) { dropped = true }

	o.process(context.Background(), Job{Session: model.Session{Report: model.SessionReport{SessionID: "sess-empty"}}})

	if !dropped {
		t.Error("expected OnDropped hook to fire for an empty report")
	}
	if len(store.appended) != 0 {
		t.Error("expected no record persisted for a dropped report")
	}
}

func TestEnqueueAndQueueDepth(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, Job{Session: sampleSession("sess-2")}); err != nil {
		t.Fatal(err)
	}
	if o.QueueDepth() != 1 {
		t.Errorf("queue depth = %d, want 1", o.QueueDepth())
	}
}
