// Package config holds Scrybe's typed configuration tree: YAML file plus
// environment-variable overrides, with secrets wrapped so they never
// appear in logs or dumps.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"scrybe/internal/secret"
)

// Config holds all configuration for the Scrybe ingestion-and-enrichment
// core.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Auth      AuthConfig      `yaml:"auth"`
	Admission AdmissionConfig `yaml:"admission"`
	Session   SessionConfig   `yaml:"session"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Geo       GeoConfig       `yaml:"geo"`
	Anomaly   AnomalyConfig   `yaml:"anomaly"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	IPHash    IPHashConfig    `yaml:"ip_hash"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ListenConfig holds HTTP bind + TLS configuration.
type ListenConfig struct {
	Addr              string   `yaml:"addr"`
	TLS               TLSConfig `yaml:"tls"`
	CORSOrigins       []string `yaml:"cors_origins"`
	ShutdownDrain     time.Duration `yaml:"shutdown_drain"`
}

// TLSConfig holds TLS/HTTPS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"` // self-signed, development only
}

// AuthConfig holds the HMAC signing parameters for the Authenticator (C4).
type AuthConfig struct {
	SigningKey    secret.Value  `yaml:"signing_key"`
	TimestampSkew time.Duration `yaml:"timestamp_skew"`
	NonceTTL      time.Duration `yaml:"nonce_ttl"`
	TrustedProxies []string     `yaml:"trusted_proxies"`
}

// AdmissionConfig holds rate-limit and backpressure parameters (C5).
type AdmissionConfig struct {
	MaxBodyBytes     int64 `yaml:"max_body_bytes"`
	PerIPRate        int   `yaml:"per_ip_rate"`
	PerIPBurst       int   `yaml:"per_ip_burst"`
	PerSessionRate   int   `yaml:"per_session_rate"`
	QueueCapacity    int   `yaml:"queue_capacity"`
}

// SessionConfig holds session-cache lifecycle configuration.
type SessionConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// CacheConfig holds the Cache (C2) backing store configuration.
type CacheConfig struct {
	Store string      `yaml:"store"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  secret.Value `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StorageConfig holds Storage Writer (C3) configuration.
type StorageConfig struct {
	Driver        string        `yaml:"driver"` // "sqlite" today
	DSN           secret.Value  `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	MaxRetries    int           `yaml:"max_retries"`
}

// GeoConfig holds the geo/ASN resolver (C8) circuit-breaker and cache
// configuration.
type GeoConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CacheSize        int           `yaml:"cache_size"`
}

// AnomalyConfig holds anomaly scorer (C10) threshold-refresh configuration.
type AnomalyConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshWindow   time.Duration `yaml:"refresh_window"`
	MaxPriorBotProb float64       `yaml:"max_prior_bot_probability"`
}

// PipelineConfig holds orchestrator (C11) worker-pool configuration.
type PipelineConfig struct {
	Workers          int `yaml:"workers"`
	SimilarityBands  int `yaml:"similarity_bands"`
	SimilarityRows   int `yaml:"similarity_rows"`
	SimilarityTopN   int `yaml:"similarity_top_n"`
	SimilarityThresh float64 `yaml:"similarity_threshold"`
	ModelVersion     string  `yaml:"model_version"`
}

// IPHashConfig holds ip-hash salt and rotation parameters (§4.A).
type IPHashConfig struct {
	Salt           secret.Value  `yaml:"salt"`
	RotationPeriod time.Duration `yaml:"rotation_period"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// MetricsConfig holds the Prometheus metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads and parses the configuration file, applying env overrides and
// validation. A missing file is not an error — defaults are returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config with sensible default values.
func defaults() *Config {
	return &Config{
		Listen: ListenConfig{
			Addr:          ":8443",
			ShutdownDrain: 15 * time.Second,
		},
		Auth: AuthConfig{
			TimestampSkew: 5 * time.Minute,
			NonceTTL:      5 * time.Minute,
		},
		Admission: AdmissionConfig{
			MaxBodyBytes:   1 << 20, // 1 MiB
			PerIPRate:      100,
			PerIPBurst:     20,
			PerSessionRate: 300,
			QueueCapacity:  4096,
		},
		Session: SessionConfig{
			TTL: time.Hour,
		},
		Cache: CacheConfig{
			Store: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "scrybe:",
			},
		},
		Storage: StorageConfig{
			Driver:        "sqlite",
			DSN:           secret.New("data/scrybe.db"),
			BatchSize:     500,
			FlushInterval: 2 * time.Second,
			RetryBackoff:  500 * time.Millisecond,
			MaxRetries:    5,
		},
		Geo: GeoConfig{
			FailureThreshold: 5,
			ResetTimeout:      30 * time.Second,
			CacheSize:         10000,
		},
		Anomaly: AnomalyConfig{
			RefreshInterval: 10 * time.Minute,
			RefreshWindow:   7 * 24 * time.Hour,
			MaxPriorBotProb: 0.3,
		},
		Pipeline: PipelineConfig{
			Workers:          8,
			SimilarityBands:  32,
			SimilarityRows:   4,
			SimilarityTopN:   10,
			SimilarityThresh: 0.70,
			ModelVersion:     "v1",
		},
		IPHash: IPHashConfig{
			RotationPeriod: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "scrybe",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9091",
		},
	}
}

// applyEnvOverrides applies environment variable overrides. Sensitive
// values (signing key, storage DSN, ip-hash salt) are also accepted from
// the YAML file; an environment variable that is set overrides them.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SCRYBE_LISTEN_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("SCRYBE_SIGNING_KEY"); v != "" {
		c.Auth.SigningKey = secret.New(v)
	}
	if v := os.Getenv("SCRYBE_TRUSTED_PROXIES"); v != "" {
		c.Auth.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("SCRYBE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SCRYBE_CACHE_STORE"); v != "" {
		c.Cache.Store = v
	}
	if v := os.Getenv("SCRYBE_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("SCRYBE_REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = secret.New(v)
	}
	if v := os.Getenv("SCRYBE_STORAGE_DSN"); v != "" {
		c.Storage.DSN = secret.New(v)
	}
	if v := os.Getenv("SCRYBE_IP_HASH_SALT"); v != "" {
		c.IPHash.Salt = secret.New(v)
	}

	if os.Getenv("SCRYBE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SCRYBE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("SCRYBE_TELEMETRY_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("SCRYBE_TELEMETRY_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	// Also support standard OTEL env vars, as the teacher does.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}

	if os.Getenv("SCRYBE_TLS_ENABLED") == "true" {
		c.Listen.TLS.Enabled = true
	}
	if v := os.Getenv("SCRYBE_TLS_CERT_FILE"); v != "" {
		c.Listen.TLS.CertFile = v
	}
	if v := os.Getenv("SCRYBE_TLS_KEY_FILE"); v != "" {
		c.Listen.TLS.KeyFile = v
	}
	if os.Getenv("SCRYBE_TLS_AUTO_CERT") == "true" {
		c.Listen.TLS.AutoCert = true
	}

	if v := os.Getenv("SCRYBE_ADMISSION_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Admission.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("SCRYBE_ADMISSION_PER_IP_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Admission.PerIPRate = n
		}
	}
	if v := os.Getenv("SCRYBE_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Pipeline.Workers = n
		}
	}
	if os.Getenv("SCRYBE_METRICS_ENABLED") == "false" {
		c.Metrics.Enabled = false
	}
	if v := os.Getenv("SCRYBE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func splitCSV(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Auth.SigningKey.Empty() {
		return fmt.Errorf("auth signing key is required")
	}
	if c.Auth.TimestampSkew != c.Auth.NonceTTL {
		return fmt.Errorf("nonce ttl must equal timestamp skew window")
	}
	if c.Admission.MaxBodyBytes <= 0 {
		return fmt.Errorf("admission max_body_bytes must be positive")
	}
	if c.Admission.QueueCapacity <= 0 {
		return fmt.Errorf("admission queue_capacity must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.Cache.Store != "memory" && c.Cache.Store != "redis" {
		return fmt.Errorf("cache store must be \"memory\" or \"redis\", got %q", c.Cache.Store)
	}
	if c.Listen.TLS.Enabled && !c.Listen.TLS.AutoCert && (c.Listen.TLS.CertFile == "" || c.Listen.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but cert_file/key_file not set and auto_cert disabled")
	}
	return nil
}
