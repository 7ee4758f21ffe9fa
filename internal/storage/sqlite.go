package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"scrybe/internal/fingerprint"
	"scrybe/internal/model"
)

// SQLiteStore is the concrete columnar-store adapter this repository
// ships so it is runnable end to end, using modernc.org/sqlite (pure
// Go, no cgo) exactly as the teacher's internal/storage/sqlite.go does.
// The core depends only on the Store interface -- this type's internal
// schema, indices and migrations are the external store's business, not
// the ingestion-and-enrichment core's.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at dbPath
// and runs its migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("sqlite storage initialized", "path", dbPath)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS enriched_sessions (
		session_id            TEXT NOT NULL,
		received_at           DATETIME NOT NULL,
		enriched_at           DATETIME NOT NULL,
		hashed_ip             TEXT NOT NULL,
		network_hash          TEXT,
		browser_hash          TEXT,
		behavioral_hash       TEXT,
		device_hash           TEXT,
		composite_hash        TEXT NOT NULL,
		confidence            REAL NOT NULL,
		minhash               TEXT,
		geo_country           TEXT,
		geo_asn               INTEGER,
		geo_asn_org           TEXT,
		geo_vpn               INTEGER NOT NULL DEFAULT 0,
		geo_proxy             INTEGER NOT NULL DEFAULT 0,
		geo_tor               INTEGER NOT NULL DEFAULT 0,
		geo_hosting           INTEGER NOT NULL DEFAULT 0,
		cluster_id            TEXT,
		cluster_similarity    REAL,
		neighbors             TEXT,
		anomaly_behavioral    REAL NOT NULL,
		anomaly_timing        REAL NOT NULL,
		anomaly_header        REAL NOT NULL,
		anomaly_fingerprint   REAL NOT NULL,
		bot_probability       REAL NOT NULL,
		anomalies             TEXT,
		mouse_entropy         REAL,
		scroll_smoothness     REAL,
		fingerprint_version   TEXT,
		anomaly_version       TEXT,
		created_at            DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_enriched_sessions_enriched_at ON enriched_sessions(enriched_at);
	CREATE INDEX IF NOT EXISTS idx_enriched_sessions_composite_hash ON enriched_sessions(composite_hash);
	CREATE INDEX IF NOT EXISTS idx_enriched_sessions_bot_probability ON enriched_sessions(bot_probability);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts the whole batch inside a single transaction, matching
// the "whole buffer appended in a single call" discipline of spec.md
// §4.B.
func (s *SQLiteStore) Append(ctx context.Context, batch []model.EnrichedSession) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO enriched_sessions (
			session_id, received_at, enriched_at, hashed_ip,
			network_hash, browser_hash, behavioral_hash, device_hash, composite_hash, confidence, minhash,
			geo_country, geo_asn, geo_asn_org, geo_vpn, geo_proxy, geo_tor, geo_hosting,
			cluster_id, cluster_similarity, neighbors,
			anomaly_behavioral, anomaly_timing, anomaly_header, anomaly_fingerprint, bot_probability, anomalies,
			mouse_entropy, scroll_smoothness, fingerprint_version, anomaly_version
		) VALUES (?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?, ?,?,?,?,?,?, ?,?,?,?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range batch {
		if err := insertOne(ctx, stmt, rec); err != nil {
			return fmt.Errorf("insert enriched session %s: %w", rec.Session.Report.SessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertOne(ctx context.Context, stmt *sql.Stmt, rec model.EnrichedSession) error {
	minhash, err := json.Marshal(rec.Fingerprint.MinHash)
	if err != nil {
		return err
	}
	neighbors, err := json.Marshal(rec.Similarity.Neighbors)
	if err != nil {
		return err
	}
	anomalies, err := json.Marshal(rec.Anomaly.Anomalies)
	if err != nil {
		return err
	}

	entropy, hasEntropy := 0.0, false
	if e, _, ok := fingerprint.MouseEntropy(rec.Session.Report.Behavioral.MouseSamples); ok {
		entropy, hasEntropy = e, true
	}
	smoothness, hasSmoothness := fingerprint.ScrollSmoothness(rec.Session.Report.Behavioral.ScrollSamples)

	var entropyArg, smoothnessArg interface{}
	if hasEntropy {
		entropyArg = entropy
	}
	if hasSmoothness {
		smoothnessArg = smoothness
	}

	_, err = stmt.ExecContext(ctx,
		rec.Session.Report.SessionID, rec.Session.ReceivedAt, rec.EnrichedAt, rec.Session.Signals.HashedIP,
		rec.Fingerprint.NetworkHash, rec.Fingerprint.BrowserHash, rec.Fingerprint.BehavioralHash, rec.Fingerprint.DeviceHash,
		rec.Fingerprint.CompositeHash, rec.Fingerprint.Confidence, string(minhash),
		rec.Geo.Country, rec.Geo.ASN, rec.Geo.ASNOrg, boolToInt(rec.Geo.VPN), boolToInt(rec.Geo.Proxy), boolToInt(rec.Geo.Tor), boolToInt(rec.Geo.Hosting),
		rec.Similarity.ClusterID, rec.Similarity.ClusterSimilarity, string(neighbors),
		rec.Anomaly.Behavioral, rec.Anomaly.Timing, rec.Anomaly.Header, rec.Anomaly.Fingerprint, rec.Anomaly.BotProbability, string(anomalies),
		entropyArg, smoothnessArg, rec.ModelVersion.Fingerprint, rec.ModelVersion.Anomaly,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// QueryPercentiles computes the p5/p95 of the requested metric over
// sessions enriched within the window, restricted to a prior bot
// probability ceiling (spec.md §4.8's "avoid learning from bot
// behavior"). SQLite has no PERCENTILE_CONT, so rows are fetched
// ordered and the percentile is computed application-side, the same way
// the teacher's GetStats post-processes aggregate rows in Go.
func (s *SQLiteStore) QueryPercentiles(ctx context.Context, q PercentileQuery) (Percentiles, error) {
	column := metricColumn(q.Metric)
	if column == "" {
		return Percentiles{}, fmt.Errorf("unknown metric %q", q.Metric)
	}

	since := time.Now().Add(-q.Window)
	// #nosec G201 -- column is drawn from the fixed metricColumn switch, never user input.
	query := fmt.Sprintf(`
		SELECT %s FROM enriched_sessions
		WHERE enriched_at >= ? AND bot_probability < ? AND %s IS NOT NULL
		ORDER BY %s ASC`, column, column, column)

	rows, err := s.db.QueryContext(ctx, query, since, q.MaxPriorBotProbability)
	if err != nil {
		return Percentiles{}, fmt.Errorf("query percentiles: %w", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return Percentiles{}, fmt.Errorf("scan percentile row: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return Percentiles{}, err
	}

	sort.Float64s(values)
	return Percentiles{
		P5:  Percentile(values, 0.05),
		P95: Percentile(values, 0.95),
		N:   len(values),
	}, nil
}

func metricColumn(m Metric) string {
	switch m {
	case MetricMouseEntropy:
		return "mouse_entropy"
	case MetricScrollSmoothness:
		return "scroll_smoothness"
	default:
		return ""
	}
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
