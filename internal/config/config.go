// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, datastore and Redis connectivity, queue
// and worker tuning, circuit-breaker thresholds, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// FailurePolicy names the behavior of a resilience component when its backing
// store is unreachable. The bias is deliberately explicit, per component, so
// it can be audited and tested instead of living as an implicit code path:
// the idempotency store fails closed (a missed send is safer than a duplicate
// medical reminder), the outbound rate limiter fails open (over-throttling
// reminders is worse than an occasional burst).
type FailurePolicy string

const (
	// FailClosed denies the operation when the backing store is unavailable.
	FailClosed FailurePolicy = "closed"
	// FailOpen permits the operation when the backing store is unavailable.
	FailOpen FailurePolicy = "open"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-notify-pipeline")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RedisConfig holds connectivity for the Redis instance backing the delayed
// queue, the idempotency claims, and the shared rate-limit counters.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// BreakerConfig configures one named circuit breaker. Thresholds differ by
// dependency criticality: the primary datastore opens after fewer failures
// than the notification transport, which is expected to flake.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before OPEN
	SuccessThreshold int           // consecutive HALF_OPEN successes before CLOSED
	ResetTimeout     time.Duration // how long OPEN lasts before a trial call
	MonitoringPeriod time.Duration // failures older than this do not count
}

// WorkerConfig derives the pool size from the shared datastore connection
// budget rather than an arbitrary knob, so the pipeline cannot starve other
// consumers of the same database under load.
type WorkerConfig struct {
	ConnBudget   int     // DB_CONN_BUDGET: total connections the datastore grants
	ConnReserved int     // DB_CONN_RESERVED: connections reserved for other consumers
	SafetyFactor float64 // WORKER_SAFETY_FACTOR in (0,1]
	HardCap      int     // WORKER_HARD_CAP: absolute upper bound on pool size

	PollInterval time.Duration // delayed->ready mover tick
	DequeueBlock time.Duration // blocking-pop timeout per dequeue attempt
	MoveBatch    int           // max jobs promoted per mover tick
}

// Concurrency returns the effective worker-pool size:
// min(floor((ConnBudget - ConnReserved) * SafetyFactor), HardCap), never
// below 1.
func (w WorkerConfig) Concurrency() int {
	n := int(float64(w.ConnBudget-w.ConnReserved) * w.SafetyFactor)
	if n > w.HardCap {
		n = w.HardCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Datastore (SQLite via GORM)
	DBPath string // SQLite path

	// Redis (queue + idempotency + rate counters)
	Redis RedisConfig

	// Job semantics
	MaxPayloadBytes int           // enqueue-time payload ceiling; oversize is rejected
	MaxAttempts     int           // delivery attempts before terminal failure
	RetryBase       time.Duration // first backoff delay; doubles per attempt
	RetryMaxDelay   time.Duration // backoff cap

	// Worker pool
	Worker WorkerConfig

	// Idempotency claims
	IdempotencyTTL  time.Duration // claim lifetime
	IdempotencyBias FailurePolicy // must be "closed" for this domain

	// Outbound (shared, fixed-window) rate limiting toward the transport
	OutboundWindow      time.Duration // window duration
	OutboundMaxRequests int           // max sends per window across all workers
	OutboundBias        FailurePolicy // must be "open" for this domain

	// Inbound (per-caller token bucket) rate limiting at the HTTP edge
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Circuit breakers, one per dependency
	TransportBreaker BreakerConfig
	DatastoreBreaker BreakerConfig

	// Outbound call deadlines. Both must stay comfortably below the queue's
	// stall detection so a hung dependency cannot pin a worker slot.
	TransportURL     string        // webhook endpoint of the messaging gateway
	TransportTimeout time.Duration // per-send deadline
	DatastoreTimeout time.Duration // per-query deadline

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Datastore
		DBPath: getenv("DB_PATH", "notify.db"),

		// Redis
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Job semantics
		MaxPayloadBytes: getint("MAX_PAYLOAD_BYTES", 10<<10),
		MaxAttempts:     getint("MAX_ATTEMPTS", 3),
		RetryBase:       getdur("RETRY_BASE", time.Second),
		RetryMaxDelay:   getdur("RETRY_MAX_DELAY", time.Minute),

		// Worker pool
		Worker: WorkerConfig{
			ConnBudget:   getint("DB_CONN_BUDGET", 10),
			ConnReserved: getint("DB_CONN_RESERVED", 4),
			SafetyFactor: getfloat("WORKER_SAFETY_FACTOR", 0.8),
			HardCap:      getint("WORKER_HARD_CAP", 16),
			PollInterval: getdur("QUEUE_POLL_INTERVAL", time.Second),
			DequeueBlock: getdur("QUEUE_DEQUEUE_BLOCK", 2*time.Second),
			MoveBatch:    getint("QUEUE_MOVE_BATCH", 200),
		},

		// Idempotency
		IdempotencyTTL:  getdur("IDEMPOTENCY_TTL", 24*time.Hour),
		IdempotencyBias: FailurePolicy(strings.ToLower(getenv("IDEMPOTENCY_BIAS", string(FailClosed)))),

		// Outbound throughput shaping
		OutboundWindow:      getdur("OUTBOUND_WINDOW", time.Minute),
		OutboundMaxRequests: getint("OUTBOUND_MAX_REQUESTS", 300),
		OutboundBias:        FailurePolicy(strings.ToLower(getenv("OUTBOUND_BIAS", string(FailOpen)))),

		// Inbound edge limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Circuit breakers: the datastore is primary and opens quickly; the
		// transport is a remote gateway and tolerates more failures.
		TransportBreaker: BreakerConfig{
			FailureThreshold: getint("TRANSPORT_BREAKER_FAILURES", 5),
			SuccessThreshold: getint("TRANSPORT_BREAKER_SUCCESSES", 2),
			ResetTimeout:     getdur("TRANSPORT_BREAKER_RESET", 30*time.Second),
			MonitoringPeriod: getdur("TRANSPORT_BREAKER_WINDOW", time.Minute),
		},
		DatastoreBreaker: BreakerConfig{
			FailureThreshold: getint("DATASTORE_BREAKER_FAILURES", 3),
			SuccessThreshold: getint("DATASTORE_BREAKER_SUCCESSES", 1),
			ResetTimeout:     getdur("DATASTORE_BREAKER_RESET", 10*time.Second),
			MonitoringPeriod: getdur("DATASTORE_BREAKER_WINDOW", 30*time.Second),
		},

		// Outbound call deadlines
		TransportURL:     getenv("TRANSPORT_URL", "http://localhost:9090/send"),
		TransportTimeout: getdur("TRANSPORT_TIMEOUT", 5*time.Second),
		DatastoreTimeout: getdur("DATASTORE_TIMEOUT", 3*time.Second),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-notify-pipeline"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return cfg, errors.New("MAX_PAYLOAD_BYTES must be > 0")
	}
	if cfg.MaxAttempts < 1 {
		return cfg, errors.New("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RetryBase <= 0 || cfg.RetryMaxDelay < cfg.RetryBase {
		return cfg, errors.New("RETRY_BASE must be > 0 and RETRY_MAX_DELAY >= RETRY_BASE")
	}
	if cfg.Worker.ConnBudget < 1 || cfg.Worker.ConnReserved < 0 || cfg.Worker.ConnReserved >= cfg.Worker.ConnBudget {
		return cfg, errors.New("DB_CONN_RESERVED must be in [0, DB_CONN_BUDGET)")
	}
	if cfg.Worker.SafetyFactor <= 0 || cfg.Worker.SafetyFactor > 1 {
		return cfg, errors.New("WORKER_SAFETY_FACTOR must be in (0,1]")
	}
	if cfg.Worker.HardCap < 1 {
		return cfg, errors.New("WORKER_HARD_CAP must be >= 1")
	}
	if cfg.Worker.PollInterval <= 0 || cfg.Worker.DequeueBlock <= 0 || cfg.Worker.MoveBatch < 1 {
		return cfg, errors.New("queue poll/block/batch settings must be positive")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.IdempotencyBias != FailClosed && cfg.IdempotencyBias != FailOpen {
		return cfg, errors.New("IDEMPOTENCY_BIAS must be 'closed' or 'open'")
	}
	if cfg.OutboundWindow <= 0 || cfg.OutboundMaxRequests < 1 {
		return cfg, errors.New("OUTBOUND_WINDOW must be > 0 and OUTBOUND_MAX_REQUESTS >= 1")
	}
	if cfg.OutboundBias != FailClosed && cfg.OutboundBias != FailOpen {
		return cfg, errors.New("OUTBOUND_BIAS must be 'closed' or 'open'")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	for _, b := range []BreakerConfig{cfg.TransportBreaker, cfg.DatastoreBreaker} {
		if b.FailureThreshold < 1 || b.SuccessThreshold < 1 || b.ResetTimeout <= 0 || b.MonitoringPeriod <= 0 {
			return cfg, errors.New("breaker thresholds and durations must be positive")
		}
	}
	if strings.TrimSpace(cfg.TransportURL) == "" {
		return cfg, errors.New("TRANSPORT_URL must not be empty")
	}
	if cfg.TransportTimeout <= 0 || cfg.DatastoreTimeout <= 0 {
		return cfg, errors.New("TRANSPORT_TIMEOUT and DATASTORE_TIMEOUT must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures the base path starts with "/" and has no trailing
// slash (except the bare root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
