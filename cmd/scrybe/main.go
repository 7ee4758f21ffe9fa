// Command scrybe runs the ingestion-and-enrichment core: it wires the
// cache, storage writer, authenticator, admission controller, signal
// extractor and enrichment orchestrator behind the gateway's single
// ingest endpoint, then serves until a termination signal drains and
// stops every component in order.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scrybe/internal/admission"
	"scrybe/internal/anomaly"
	"scrybe/internal/auth"
	"scrybe/internal/cache"
	"scrybe/internal/config"
	"scrybe/internal/gateway"
	"scrybe/internal/geo"
	"scrybe/internal/iphash"
	"scrybe/internal/metrics"
	"scrybe/internal/model"
	"scrybe/internal/pipeline"
	"scrybe/internal/signals"
	"scrybe/internal/similarity"
	"scrybe/internal/storage"
	"scrybe/internal/telemetry"
)

// Exit codes distinguish startup failure classes, per spec.md §6.
const (
	exitOK                = 0
	exitConfigInvalid     = 1
	exitCannotBind        = 2
	exitDependencyUnreach = 3
)

func main() {
	configPath := flag.String("config", "configs/scrybe.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfigInvalid)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting scrybe",
		"version", "0.1.0",
		"listen", cfg.Listen.Addr,
		"cache_store", cfg.Cache.Store,
		"storage_driver", cfg.Storage.Driver,
	)

	m := metrics.New()

	// ─── Cache (C2) ─────────────────────────────────────────────────────
	var c cache.Cache
	var redisCache *cache.RedisCache
	switch cfg.Cache.Store {
	case "redis":
		redisCache, err = cache.NewRedisCache(cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password.Reveal(),
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		}, cfg.Session.TTL)
		if err != nil {
			slog.Error("failed to connect to redis cache", "error", err)
			os.Exit(exitDependencyUnreach)
		}
		c = redisCache
		slog.Info("using redis cache", "addr", cfg.Cache.Redis.Addr)
	default:
		c = cache.NewMemoryCache(cfg.Session.TTL)
		slog.Info("using in-memory cache")
	}

	// ─── Storage Writer (C3) ────────────────────────────────────────────
	if dir := filepath.Dir(cfg.Storage.DSN.Reveal()); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create storage directory", "error", err, "path", dir)
			os.Exit(exitConfigInvalid)
		}
	}
	sqliteStore, err := storage.NewSQLiteStore(cfg.Storage.DSN.Reveal())
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(exitDependencyUnreach)
	}
	writer := storage.NewWriter(sqliteStore, storage.WriterConfig{
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: cfg.Storage.FlushInterval,
		RetryBackoff:  cfg.Storage.RetryBackoff,
		MaxRetries:    cfg.Storage.MaxRetries,
	})
	writer.OnShed(func(n int) { m.IncStorageShed(n) })
	writer.OnFlush(func(n int, err error) {
		if err == nil {
			m.ObserveStorageWriteLatency(0)
		}
	})

	// ─── IP hashing (§4.A) ──────────────────────────────────────────────
	salt := cfg.IPHash.Salt.Reveal()
	if salt == "" {
		slog.Warn("no ip-hash salt configured, generating an ephemeral one for this process")
		salt = ephemeralSalt()
	}
	rotator := iphash.NewRotator(salt, cfg.IPHash.RotationPeriod)
	rotator.RunRotation(ephemeralSalt)
	defer rotator.Stop()

	// ─── Authenticator (C4) ─────────────────────────────────────────────
	authn := auth.New(cfg.Auth.SigningKey.Reveal(), cfg.Auth.TimestampSkew)

	// ─── Server-Signal Extractor (C6) ───────────────────────────────────
	extractor := signals.New(cfg.Auth.TrustedProxies, rotator)

	// ─── Geo/ASN Resolver (C8) ──────────────────────────────────────────
	geoTable := geo.NewTable()
	geoResolver, err := geo.NewResolver(geoTable, cfg.Geo.CacheSize, cfg.Geo.FailureThreshold, cfg.Geo.ResetTimeout)
	if err != nil {
		slog.Error("failed to initialize geo resolver", "error", err)
		os.Exit(exitConfigInvalid)
	}
	geoResolver.Breaker().OnTransition(func(from, to string) {
		m.IncCircuitBreakerTransition(from, to)
		slog.Info("geo circuit breaker transition", "from", from, "to", to)
	})

	// ─── Similarity Index (C9) ──────────────────────────────────────────
	simIndex := similarity.New(similarity.Config{
		Bands:     cfg.Pipeline.SimilarityBands,
		Rows:      cfg.Pipeline.SimilarityRows,
		TopN:      cfg.Pipeline.SimilarityTopN,
		Threshold: cfg.Pipeline.SimilarityThresh,
	})

	// ─── Anomaly Scorer (C10) ───────────────────────────────────────────
	scorer := anomaly.NewScorer(cfg.Pipeline.ModelVersion)
	refresher := anomaly.NewRefresher(sqliteStore, scorer, anomaly.RefresherConfig{
		Interval:        cfg.Anomaly.RefreshInterval,
		Window:          cfg.Anomaly.RefreshWindow,
		MaxPriorBotProb: cfg.Anomaly.MaxPriorBotProb,
	})

	// ─── Pipeline Orchestrator (C11) ────────────────────────────────────
	orch := pipeline.New(pipeline.Config{
		Workers:       cfg.Pipeline.Workers,
		QueueCapacity: cfg.Admission.QueueCapacity,
		ModelVersion: model.ModelVersionTag{
			Fingerprint: cfg.Pipeline.ModelVersion,
			Anomaly:     cfg.Pipeline.ModelVersion,
		},
	}, geoResolver, simIndex, scorer, c, writer, pipeline.Hooks{
		OnStageFailure: func(stage, taxonomy string) { m.IncPipelineStageFailure(stage, taxonomy) },
		OnProcessed:    func(botProbability float64) { m.ObservePipelineOutcome(botProbability) },
		OnDropped:      func(reason string) { m.IncPipelineStageFailure("fingerprint_or_anomaly", reason) },
	})

	adm := admission.New(admission.Config{
		MaxBodyBytes:   cfg.Admission.MaxBodyBytes,
		PerIPRate:      cfg.Admission.PerIPRate,
		PerIPBurst:     cfg.Admission.PerIPBurst,
		PerSessionRate: cfg.Admission.PerSessionRate,
		QueueCapacity:  cfg.Admission.QueueCapacity,
	}, c, orch)

	// ─── Telemetry ──────────────────────────────────────────────────────
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch.Start(ctx)
	go refresher.Run(ctx)

	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		CORSOrigins:   cfg.Listen.CORSOrigins,
		RequireTLS:    cfg.Listen.TLS.Enabled,
		NonceTTL:      cfg.Auth.NonceTTL,
		ShutdownDrain: cfg.Listen.ShutdownDrain,
	}, cfg.Listen.Addr, extractor, authn, adm, orch, c, sqliteStore, tp, m)

	if cfg.Listen.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.Listen.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(exitConfigInvalid)
		}
		gw.Server().TLSConfig = tlsConfig
	}

	errChan := make(chan error, 1)
	go func() {
		var err error
		if cfg.Listen.TLS.Enabled {
			slog.Info("gateway starting (HTTPS)", "addr", cfg.Listen.Addr)
			err = gw.Server().ListenAndServeTLS("", "")
		} else {
			slog.Info("gateway starting (HTTP)", "addr", cfg.Listen.Addr)
			err = gw.Server().ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("gateway server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
		os.Exit(exitCannotBind)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Listen.ShutdownDrain)
	defer shutdownCancel()

	// Ordered teardown: stop accepting connections and drain in-flight
	// requests, then stop the orchestrator (drains the enrichment
	// queue), then flush and close the storage writer, then the cache,
	// then telemetry.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway shutdown error", "error", err)
	}
	orch.Stop(shutdownCtx)
	cancel()
	refresher.Stop()
	if err := writer.Close(shutdownCtx); err != nil {
		slog.Error("storage writer close error", "error", err)
	}
	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			slog.Error("redis cache close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("scrybe stopped")
	os.Exit(exitOK)
}

// ephemeralSalt generates a fresh random salt for ip-hash rotation when
// none was configured, so the process never hashes IPs with an empty key.
func ephemeralSalt() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("scrybe-fallback-salt-%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", buf)
}

// setupTLS configures TLS for the gateway server, generating a
// self-signed development certificate when auto_cert is set.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("tls enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Scrybe Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "scrybe", "*.scrybe.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
