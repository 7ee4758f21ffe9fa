// Package pipeline implements the enrichment Orchestrator (C11): a
// bounded ingress channel drained by a fixed-size worker pool, running
// every admitted session report through fingerprint, geo, similarity and
// anomaly stages in strict order, then handing the enriched record to
// the cache and the storage writer. Stage criticality follows spec.md
// §5: fingerprint and anomaly failures drop the report; geo and
// similarity failures fall back and continue.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"scrybe/internal/anomaly"
	"scrybe/internal/cache"
	"scrybe/internal/fingerprint"
	"scrybe/internal/geo"
	"scrybe/internal/model"
	"scrybe/internal/similarity"
	"scrybe/internal/storage"
)

// Job is a unit of ingress work: an authenticated, admitted session
// report plus the raw client IP needed for geo lookup (never persisted
// or cached in the clear -- only the hashed form in Session.Signals is).
type Job struct {
	Session model.Session
	RawIP   string
}

// Hooks lets callers observe stage outcomes for metrics wiring without
// the pipeline importing the metrics package directly.
type Hooks struct {
	OnStageFailure func(stage, taxonomy string)
	OnProcessed    func(botProbability float64)
	OnDropped      func(reason string)
}

// Config configures the worker pool and queue.
type Config struct {
	Workers       int
	QueueCapacity int
	ModelVersion  model.ModelVersionTag
}

// Orchestrator owns the bounded ingress channel and worker pool.
type Orchestrator struct {
	cfg Config

	geo        *geo.Resolver
	similarity *similarity.Index
	scorer     *anomaly.Scorer
	cache      cache.Cache
	writer     *storage.Writer
	hooks      Hooks

	queue chan Job
	wg    sync.WaitGroup
	done  chan struct{}
}

// New constructs an Orchestrator. Start must be called to launch the
// worker pool.
func New(cfg Config, geoResolver *geo.Resolver, simIndex *similarity.Index, scorer *anomaly.Scorer, c cache.Cache, writer *storage.Writer, hooks Hooks) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1000
	}
	return &Orchestrator{
		cfg:        cfg,
		geo:        geoResolver,
		similarity: simIndex,
		scorer:     scorer,
		cache:      c,
		writer:     writer,
		hooks:      hooks,
		queue:      make(chan Job, cfg.QueueCapacity),
		done:       make(chan struct{}),
	}
}

// QueueDepth reports the current number of buffered jobs, satisfying
// admission.QueueDepther for backpressure checks.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

// Enqueue submits a job to the bounded channel. It never blocks past ctx
// cancellation; callers should have already checked QueueDepth via
// admission before reaching this call.
func (o *Orchestrator) Enqueue(ctx context.Context, job Job) error {
	select {
	case o.queue <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the fixed-size worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}
}

// Stop closes the ingress channel and waits for in-flight jobs to drain,
// bounded by the caller's context deadline.
func (o *Orchestrator) Stop(ctx context.Context) {
	close(o.queue)
	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("pipeline shutdown deadline exceeded, workers may still be in flight")
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case job, ok := <-o.queue:
			if !ok {
				return
			}
			o.process(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, job Job) {
	r := job.Session.Report

	// Stage 1: fingerprint -- critical, drop on failure. Build is a pure
	// function and does not itself fail, but an empty report (no signal
	// whatsoever) is treated as unusable input.
	fp := fingerprint.Build(r, job.Session.Signals.JA3)
	if fp.Confidence == 0 {
		o.drop("empty_report")
		return
	}

	// Stage 2: geo -- degradable, fallback to unknown on failure.
	geoEnrichment := model.UnknownGeo
	if o.geo != nil {
		g, err := o.geo.Lookup(job.RawIP)
		if err != nil {
			o.stageFailure("geo", "degraded")
		} else {
			geoEnrichment = g
		}
	}

	// Stage 3: similarity -- degradable, fallback to empty record.
	var simRecord model.SimilarityRecord
	if o.similarity != nil {
		rec, err := o.similarity.Observe(fp.CompositeHash, fp.MinHash, time.Now())
		if err != nil {
			o.stageFailure("similarity", "degraded")
		} else {
			simRecord = rec
		}
	}

	// Stage 4: anomaly -- must succeed; pure function of already-available data.
	anomalyScore := o.scorer.Score(r, fp)

	enriched := model.EnrichedSession{
		Session:      job.Session,
		Fingerprint:  fp,
		Geo:          geoEnrichment,
		Similarity:   simRecord,
		Anomaly:      anomalyScore,
		EnrichedAt:   time.Now(),
		ModelVersion: o.cfg.ModelVersion,
	}

	// Stage 5: cache update.
	o.updateCache(ctx, enriched)

	// Stage 6: hand off to storage writer.
	o.writer.Enqueue(ctx, enriched)

	if o.hooks.OnProcessed != nil {
		o.hooks.OnProcessed(anomalyScore.BotProbability)
	}
}

func (o *Orchestrator) updateCache(ctx context.Context, enriched model.EnrichedSession) {
	sessionID := enriched.Session.Report.SessionID
	hashedIP := enriched.Session.Signals.HashedIP

	if corrID, ok, err := o.cache.Correlate(ctx, enriched.Fingerprint.CompositeHash, hashedIP); err == nil && ok {
		if err := o.cache.UpdateSession(ctx, corrID, enriched.Anomaly.BotProbability); err != nil {
			slog.Warn("cache update failed", "session_id", corrID, "error", err)
		}
	} else {
		meta := cache.SessionMeta{
			FingerprintHash:     enriched.Fingerprint.CompositeHash,
			HashedIP:            hashedIP,
			FirstSeen:           enriched.Session.ReceivedAt,
			LastSeen:            enriched.Session.ReceivedAt,
			RequestCount:        1,
			LastBotProbability:  enriched.Anomaly.BotProbability,
		}
		if err := o.cache.StoreSession(ctx, sessionID, meta); err != nil {
			slog.Warn("cache store failed", "session_id", sessionID, "error", err)
		}
	}

	for _, a := range enriched.Anomaly.Anomalies {
		if err := o.cache.PublishAnomaly(ctx, sessionID, a.Kind, a.Severity, time.Now()); err != nil {
			slog.Warn("anomaly feed publish failed", "session_id", sessionID, "error", err)
		}
	}
}

func (o *Orchestrator) stageFailure(stage, taxonomy string) {
	slog.Warn("pipeline stage degraded", "stage", stage, "taxonomy", taxonomy)
	if o.hooks.OnStageFailure != nil {
		o.hooks.OnStageFailure(stage, taxonomy)
	}
}

func (o *Orchestrator) drop(reason string) {
	slog.Error("session report dropped", "reason", reason)
	if o.hooks.OnDropped != nil {
		o.hooks.OnDropped(reason)
	}
}
