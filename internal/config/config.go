// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, the database, rate limiting, the payment queue and
// retry policy, the payment gateway, notifications and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "payqueue")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and locates the durable store.
type DBConfig struct {
	Driver string // sqlite|postgres
	Path   string // SQLite file path
	URL    string // Postgres DSN (DATABASE_URL)
}

// PaymentRateConfig bounds how many payments one owner may create per window.
type PaymentRateConfig struct {
	MaxRequests int           // PAYMENT_RATE_MAX
	Window      time.Duration // PAYMENT_RATE_WINDOW
}

// RetryConfig is the backoff policy applied to each gateway submission.
type RetryConfig struct {
	MaxAttempts  int           // RETRY_MAX_ATTEMPTS
	InitialDelay time.Duration // RETRY_INITIAL_DELAY
	MaxDelay     time.Duration // RETRY_MAX_DELAY
	Multiplier   float64       // RETRY_MULTIPLIER
}

// QueueConfig tunes the queue processor.
type QueueConfig struct {
	BatchSize          int           // QUEUE_BATCH_SIZE
	JobMaxAttempts     int           // JOB_MAX_ATTEMPTS
	ProcessorInterval  time.Duration // PROCESSOR_INTERVAL, 0 disables the in-process ticker
	ProcessingTimeout  time.Duration // PROCESSING_TIMEOUT, 0 disables the stale sweep
	JobTimeout         time.Duration // JOB_TIMEOUT, per-job deadline including retries
	NotifyOnCompletion bool          // NOTIFY_ON_COMPLETION
}

// GatewayConfig locates and authenticates against the payment gateway.
type GatewayConfig struct {
	BaseURL     string        // GATEWAY_BASE_URL
	AccessToken string        // GATEWAY_ACCESS_TOKEN
	Timeout     time.Duration // GATEWAY_TIMEOUT
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

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	DB DBConfig

	// Edge rate limiting (token bucket per user/IP)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	PaymentRate PaymentRateConfig
	Retry       RetryConfig
	Queue       QueueConfig
	Gateway     GatewayConfig

	// Notifications
	NotifyWebhookURL string // empty logs notifications instead of sending them

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

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
		WriteTimeout:      getdur("WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "payqueue.db"),
			URL:    getenv("DATABASE_URL", ""),
		},

		// Edge rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		PaymentRate: PaymentRateConfig{
			MaxRequests: getint("PAYMENT_RATE_MAX", 10),
			Window:      getdur("PAYMENT_RATE_WINDOW", time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:  getint("RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getdur("RETRY_INITIAL_DELAY", time.Second),
			MaxDelay:     getdur("RETRY_MAX_DELAY", 8*time.Second),
			Multiplier:   getfloat("RETRY_MULTIPLIER", 2),
		},
		Queue: QueueConfig{
			BatchSize:          getint("QUEUE_BATCH_SIZE", 5),
			JobMaxAttempts:     getint("JOB_MAX_ATTEMPTS", 3),
			ProcessorInterval:  getdur("PROCESSOR_INTERVAL", 0),
			ProcessingTimeout:  getdur("PROCESSING_TIMEOUT", 0),
			JobTimeout:         getdur("JOB_TIMEOUT", 45*time.Second),
			NotifyOnCompletion: getbool("NOTIFY_ON_COMPLETION", true),
		},
		Gateway: GatewayConfig{
			BaseURL:     strings.TrimRight(getenv("GATEWAY_BASE_URL", "https://api.mercadopago.com"), "/"),
			AccessToken: getenv("GATEWAY_ACCESS_TOKEN", ""),
			Timeout:     getdur("GATEWAY_TIMEOUT", 10*time.Second),
		},

		NotifyWebhookURL: getenv("NOTIFY_WEBHOOK_URL", ""),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "payqueue"),
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
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pg" {
		cfg.DB.Driver = "postgres"
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
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.PaymentRate.MaxRequests < 1 {
		return cfg, errors.New("PAYMENT_RATE_MAX must be >= 1")
	}
	if cfg.PaymentRate.Window <= 0 {
		return cfg, errors.New("PAYMENT_RATE_WINDOW must be > 0")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return cfg, errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Retry.InitialDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.InitialDelay {
		return cfg, errors.New("RETRY_INITIAL_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	}
	if cfg.Retry.Multiplier < 1 {
		return cfg, errors.New("RETRY_MULTIPLIER must be >= 1")
	}
	if cfg.Queue.BatchSize < 1 {
		return cfg, errors.New("QUEUE_BATCH_SIZE must be >= 1")
	}
	if cfg.Queue.JobMaxAttempts < 1 {
		return cfg, errors.New("JOB_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Queue.ProcessorInterval < 0 || cfg.Queue.ProcessingTimeout < 0 || cfg.Queue.JobTimeout < 0 {
		return cfg, errors.New("PROCESSOR_INTERVAL, PROCESSING_TIMEOUT and JOB_TIMEOUT must be >= 0")
	}
	if !strings.HasPrefix(cfg.Gateway.BaseURL, "http://") && !strings.HasPrefix(cfg.Gateway.BaseURL, "https://") {
		return cfg, errors.New("GATEWAY_BASE_URL must be an http(s) URL")
	}
	if cfg.Gateway.Timeout <= 0 {
		return cfg, errors.New("GATEWAY_TIMEOUT must be > 0")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
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
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
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
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
