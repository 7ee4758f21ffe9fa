// Package gateway implements the Gateway (C12): the single HTTP entry
// point for signed browser telemetry. It wires every upstream component
// (signals extraction, admission control, authentication, nonce
// consumption, the enrichment orchestrator) behind a fixed middleware
// order, grounded on the teacher's cmd/elida/main.go server-construction
// shape -- two independent concerns (liveness/readiness vs. the signed
// ingest path) served off one mux, with graceful shutdown driven by a
// bounded drain context.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"scrybe/internal/admission"
	"scrybe/internal/auth"
	"scrybe/internal/cache"
	"scrybe/internal/model"
	"scrybe/internal/pipeline"
	"scrybe/internal/signals"
	"scrybe/internal/storage"
	"scrybe/internal/telemetry"
)

// Metrics is the subset of internal/metrics.Metrics the gateway records
// against, kept narrow so this package does not need the full registry
// to be testable.
type Metrics interface {
	IncIngestOutcome(outcome string)
	IncAuthFailure(kind string)
	IncReplay()
	IncAdmissionRejection(reason string)
}

// Config configures the gateway's middleware policy.
type Config struct {
	CORSOrigins   []string
	RequireTLS    bool
	NonceTTL      time.Duration
	ShutdownDrain time.Duration
}

// Gateway is the HTTP entry point for the /api/v1/ingest path plus
// liveness and readiness probes.
type Gateway struct {
	cfg          Config
	extractor    *signals.Extractor
	authn        *auth.Authenticator
	admission    *admission.Controller
	orchestrator *pipeline.Orchestrator
	cache        cache.Cache
	store        storage.Store
	telemetry    *telemetry.Provider
	metrics      Metrics

	server *http.Server
}

// New constructs a Gateway. Callers that need TLS termination should set
// g.Server().TLSConfig before calling ListenAndServeTLS.
func New(cfg Config, addr string, extractor *signals.Extractor, authn *auth.Authenticator, adm *admission.Controller, orch *pipeline.Orchestrator, c cache.Cache, store storage.Store, tp *telemetry.Provider, m Metrics) *Gateway {
	g := &Gateway{
		cfg:          cfg,
		extractor:    extractor,
		authn:        authn,
		admission:    adm,
		orchestrator: orch,
		cache:        c,
		store:        store,
		telemetry:    tp,
		metrics:      m,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ingest", g.handleIngest)
	mux.HandleFunc("/health", g.handleLive)
	mux.HandleFunc("/health/ready", g.handleReady)

	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.chain(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return g
}

// Server exposes the underlying *http.Server so main can attach a TLS
// config and call ListenAndServe/ListenAndServeTLS.
func (g *Gateway) Server() *http.Server { return g.server }

// Shutdown stops accepting connections and drains in-flight requests,
// bounded by the configured shutdown drain deadline. It shuts down only
// the HTTP server; the orchestrator and the storage writer are stopped
// and flushed separately by the caller afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	drain := g.cfg.ShutdownDrain
	if drain <= 0 {
		drain = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, drain)
	defer cancel()
	return g.server.Shutdown(shutdownCtx)
}

type ctxKey int

const (
	ctxRequestID ctxKey = iota
	ctxBody
	ctxSignals
	ctxRawIP
)

// chain assembles the middleware stack in the exact order spec.md §4.D
// requires: request-id, tracing span, CORS, TLS enforcement, security
// headers, admission control, authentication, nonce consumption, then
// the routed handler.
func (g *Gateway) chain(next http.Handler) http.Handler {
	h := next
	h = g.withNonceConsumption(h)
	h = g.withAuthentication(h)
	h = g.withAdmission(h)
	h = g.withSecurityHeaders(h)
	h = g.withTLSEnforcement(h)
	h = g.withCORS(h)
	h = g.withTracing(h)
	h = g.withRequestID(h)
	return h
}

func (g *Gateway) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = newRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.telemetry == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := g.telemetry.StartRequestSpan(r.Context(), r.Method, r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		g.telemetry.EndRequestSpan(span, rec.status, nil)
	})
}

// withCORS applies a whitelist CORS policy. An empty allow-list means no
// cross-origin access is granted, matching a production default-closed
// posture.
func (g *Gateway) withCORS(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(g.cfg.CORSOrigins))
	for _, o := range g.cfg.CORSOrigins {
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withTLSEnforcement rejects plaintext requests at the edge when TLS is
// required, matching spec.md's "reject non-TLS at the edge".
func (g *Gateway) withTLSEnforcement(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.RequireTLS && r.TLS == nil {
			writeError(w, http.StatusForbidden, "tls_required", "", "TLS is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// withAdmission reads the body (bounded by the configured body-size
// ceiling), runs the payload-size, backpressure and per-IP rate checks,
// and stashes the body bytes plus extracted signals in context for the
// downstream authentication step. Requests to /health* bypass admission
// entirely -- they carry no body and must stay cheap.
func (g *Gateway) withAdmission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ingest" {
			next.ServeHTTP(w, r)
			return
		}

		sig := g.extractor.Extract(r)
		rawIP := g.extractor.ResolveIP(r)

		body, err := readBounded(r.Body, g.admission.MaxBodyBytes())
		if err != nil {
			g.rejectAdmission(w, &admission.Rejection{Reason: admission.ReasonPayloadTooLarge})
			return
		}

		if err := g.admission.Admit(r.Context(), int64(len(body)), sig.HashedIP, ""); err != nil {
			var rej *admission.Rejection
			if errors.As(err, &rej) {
				g.rejectAdmission(w, rej)
			} else {
				slog.Error("admission check failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "overload", "", "temporarily unavailable")
			}
			return
		}

		ctx := context.WithValue(r.Context(), ctxBody, body)
		ctx = context.WithValue(ctx, ctxSignals, sig)
		ctx = context.WithValue(ctx, ctxRawIP, rawIP)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) rejectAdmission(w http.ResponseWriter, rej *admission.Rejection) {
	if g.metrics != nil {
		g.metrics.IncAdmissionRejection(string(rej.Reason))
	}
	if rej.RetryAfter > 0 {
		w.Header().Set("Retry-After", formatRetryAfterSeconds(rej.RetryAfter))
	}
	switch rej.Reason {
	case admission.ReasonPayloadTooLarge:
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "", "request body exceeds the configured limit")
	case admission.ReasonIPRateLimited, admission.ReasonSessionRateLimited:
		writeError(w, http.StatusTooManyRequests, "rate_limited", "", "rate limit exceeded")
	case admission.ReasonQueueFull:
		writeError(w, http.StatusServiceUnavailable, "overload", "", "enrichment queue is at capacity")
	default:
		writeError(w, http.StatusServiceUnavailable, "overload", "", "temporarily unavailable")
	}
}

// withAuthentication verifies the HMAC signature over the exact bytes
// admission already read. Failure kinds are distinguished only for
// metrics -- every kind surfaces as a generic 401 externally, per
// spec.md §7.
func (g *Gateway) withAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ingest" {
			next.ServeHTTP(w, r)
			return
		}

		body, _ := r.Context().Value(ctxBody).([]byte)
		h := auth.Headers{
			Signature: r.Header.Get("X-Scrybe-Signature"),
			Timestamp: r.Header.Get("X-Scrybe-Timestamp"),
			Nonce:     r.Header.Get("X-Scrybe-Nonce"),
		}

		if err := g.authn.Verify(h, body); err != nil {
			kind, _ := auth.KindOf(err)
			if g.metrics != nil {
				g.metrics.IncAuthFailure(string(kind))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "", "authentication failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withNonceConsumption atomically consumes the request's nonce, so that a
// validly-signed request whose nonce was already consumed is rejected as
// a replay (409). It runs after authentication, so a request with an
// invalid signature is rejected with 401 before its nonce is looked at.
func (g *Gateway) withNonceConsumption(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/ingest" {
			next.ServeHTTP(w, r)
			return
		}

		nonce := r.Header.Get("X-Scrybe-Nonce")
		fresh, err := g.cache.InsertNonceIfAbsent(r.Context(), nonce, g.cfg.NonceTTL)
		if err != nil {
			slog.Error("nonce check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "overload", "", "temporarily unavailable")
			return
		}
		if !fresh {
			if g.metrics != nil {
				g.metrics.IncReplay()
			}
			writeError(w, http.StatusConflict, "replay", "", "nonce already seen")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type ingestResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"sessionId"`
}

// handleIngest parses the already-authenticated body, builds a Session
// and enqueues it onto the orchestrator's bounded channel. Everything
// past this point is internal: a dropped or degraded enrichment never
// changes the client-visible 202.
func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, _ := r.Context().Value(ctxBody).([]byte)
	sig, _ := r.Context().Value(ctxSignals).(model.ServerSignals)
	rawIP, _ := r.Context().Value(ctxRawIP).(string)

	var report model.SessionReport
	if err := json.Unmarshal(body, &report); err != nil {
		g.outcome("validation_error")
		writeError(w, http.StatusBadRequest, "validation_error", "body", "malformed JSON")
		return
	}
	if report.SessionID == "" {
		g.outcome("validation_error")
		writeError(w, http.StatusBadRequest, "validation_error", "sessionId", "sessionId is required")
		return
	}
	if report.Nonce != r.Header.Get("X-Scrybe-Nonce") {
		g.outcome("validation_error")
		writeError(w, http.StatusBadRequest, "validation_error", "nonce", "body nonce does not match header nonce")
		return
	}
	if !report.Behavioral.Within() {
		g.outcome("validation_error")
		writeError(w, http.StatusBadRequest, "validation_error", "behavioral", "behavioral sample count exceeds bound")
		return
	}

	job := pipeline.Job{
		Session: model.Session{
			Report:     report,
			Signals:    sig,
			ReceivedAt: time.Now(),
		},
		RawIP: rawIP,
	}

	if err := g.orchestrator.Enqueue(r.Context(), job); err != nil {
		g.outcome("shutdown")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "", "shutting down")
		return
	}

	if g.telemetry != nil {
		telemetry.RecordEnriched(r.Context(), report.SessionID, "", 0)
	}
	g.outcome("accepted")
	writeJSON(w, http.StatusAccepted, ingestResponse{Status: "accepted", SessionID: report.SessionID})
}

func (g *Gateway) outcome(o string) {
	if g.metrics != nil {
		g.metrics.IncIngestOutcome(o)
	}
}

// handleLive always reports 200 while the process is running.
func (g *Gateway) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports 200 only if both the cache and storage dependency
// answer a ping within a short deadline.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := g.cache.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "cache", "cache unreachable")
		return
	}
	if err := g.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "storage", "storage unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type errorBody struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, field, message string) {
	writeJSON(w, status, errorBody{Error: kind, Field: field, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// readBounded reads r fully, capped at limit+1 bytes when limit is
// positive, so an oversize body is detected without buffering the whole
// thing into memory.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(io.LimitReader(r, 32<<20))
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

var errBodyTooLarge = errors.New("gateway: body exceeds the configured size limit")

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func formatRetryAfterSeconds(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func newRequestID() string {
	return uuid.NewString()
}
