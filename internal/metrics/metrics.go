// Package metrics exposes Scrybe's Prometheus series on a dedicated,
// non-global registry, grounded on octoreflex's internal/observability
// metrics package: one struct of typed descriptors, registered once, and
// served on a loopback mux alongside a plain health endpoint.
//
// Metric naming convention: scrybe_<subsystem>_<name>_<unit>.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus descriptor Scrybe registers.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Auth (C4) ──────────────────────────────────────────────────────
	AuthFailuresTotal *prometheus.CounterVec // labels: kind
	ReplayTotal       prometheus.Counter

	// ─── Admission (C5) ─────────────────────────────────────────────────
	AdmissionRejectionsTotal *prometheus.CounterVec // labels: reason

	// ─── Geo (C8) ───────────────────────────────────────────────────────
	CircuitBreakerTransitionsTotal *prometheus.CounterVec // labels: from_state, to_state

	// ─── Pipeline (C11) ─────────────────────────────────────────────────
	PipelineStageFailuresTotal *prometheus.CounterVec // labels: stage, taxonomy
	PipelineQueueDepth         prometheus.Gauge
	BotProbabilityHistogram    prometheus.Histogram

	// ─── Storage (C3) ───────────────────────────────────────────────────
	StorageShedTotal         prometheus.Counter
	StorageWriteLatency      prometheus.Histogram

	// ─── Gateway (C12) ──────────────────────────────────────────────────
	IngestRequestsTotal *prometheus.CounterVec // labels: outcome

	startTime time.Time
}

// New constructs and registers every Scrybe metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "auth", Name: "failures_total",
			Help: "Total authentication failures, by error kind.",
		}, []string{"kind"}),

		ReplayTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "auth", Name: "replay_total",
			Help: "Total requests rejected as nonce replays.",
		}),

		AdmissionRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "admission", Name: "rejections_total",
			Help: "Total requests rejected at admission, by reason.",
		}, []string{"reason"}),

		CircuitBreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "circuit_breaker", Name: "transitions_total",
			Help: "Total geo circuit breaker state transitions.",
		}, []string{"from_state", "to_state"}),

		PipelineStageFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "pipeline", Name: "stage_failures_total",
			Help: "Total degraded or dropped pipeline stage outcomes, by stage and taxonomy.",
		}, []string{"stage", "taxonomy"}),

		PipelineQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrybe", Subsystem: "pipeline", Name: "queue_depth",
			Help: "Current depth of the bounded ingress channel.",
		}),

		BotProbabilityHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrybe", Subsystem: "pipeline", Name: "bot_probability",
			Help:    "Distribution of computed bot probabilities.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		StorageShedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "storage", Name: "shed_total",
			Help: "Total enriched records dropped after exhausting write retries.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrybe", Subsystem: "storage", Name: "write_latency_seconds",
			Help:    "Latency of batched writes to the analytical store.",
			Buckets: prometheus.DefBuckets,
		}),

		IngestRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrybe", Subsystem: "ingest", Name: "requests_total",
			Help: "Total ingest requests, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.AuthFailuresTotal,
		m.ReplayTotal,
		m.AdmissionRejectionsTotal,
		m.CircuitBreakerTransitionsTotal,
		m.PipelineStageFailuresTotal,
		m.PipelineQueueDepth,
		m.BotProbabilityHistogram,
		m.StorageShedTotal,
		m.StorageWriteLatency,
		m.IngestRequestsTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// IncIngestOutcome increments the ingest outcome counter (accepted,
// validation_error, shutdown, ...), satisfying internal/gateway.Metrics.
func (m *Metrics) IncIngestOutcome(outcome string) {
	m.IngestRequestsTotal.WithLabelValues(outcome).Inc()
}

// IncAuthFailure increments the authentication-failure counter by kind.
func (m *Metrics) IncAuthFailure(kind string) {
	m.AuthFailuresTotal.WithLabelValues(kind).Inc()
}

// IncReplay increments the nonce-replay counter.
func (m *Metrics) IncReplay() {
	m.ReplayTotal.Inc()
}

// IncAdmissionRejection increments the admission-rejection counter by reason.
func (m *Metrics) IncAdmissionRejection(reason string) {
	m.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncCircuitBreakerTransition increments the circuit-breaker transition
// counter, wired to geo.CircuitBreaker.OnTransition.
func (m *Metrics) IncCircuitBreakerTransition(from, to string) {
	m.CircuitBreakerTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObservePipelineOutcome records a processed bot probability, wired to
// pipeline.Hooks. Stage failures are counted by IncPipelineStageFailure.
func (m *Metrics) ObservePipelineOutcome(botProbability float64) {
	m.BotProbabilityHistogram.Observe(botProbability)
}

// IncPipelineStageFailure increments the stage-failure counter.
func (m *Metrics) IncPipelineStageFailure(stage, taxonomy string) {
	m.PipelineStageFailuresTotal.WithLabelValues(stage, taxonomy).Inc()
}

// SetPipelineQueueDepth sets the current ingress-channel depth gauge.
func (m *Metrics) SetPipelineQueueDepth(depth int) {
	m.PipelineQueueDepth.Set(float64(depth))
}

// IncStorageShed increments the storage-shed counter by n.
func (m *Metrics) IncStorageShed(n int) {
	m.StorageShedTotal.Add(float64(n))
}

// ObserveStorageWriteLatency records a batched-write latency observation.
func (m *Metrics) ObserveStorageWriteLatency(seconds float64) {
	m.StorageWriteLatency.Observe(seconds)
}

// Handler returns the promhttp handler for this registry's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Serve starts an HTTP server on addr (a loopback address in the default
// configuration) exposing /metrics and /healthz, blocking until ctx is
// cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
