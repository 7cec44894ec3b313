package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	AutoMigrate        bool
	CORSAllowedOrigins []string
	PublicBaseURL      string

	Obs        ObsConfig
	Webhook    WebhookConfig
	Processor  ProcessorConfig
	Saga       SagaConfig
	Tickets    TicketsConfig
	SLA        SLAConfig
	Fraud      FraudConfig
	Queue      QueueConfig
	Generation GenerationConfig
	Storage    StorageConfig
	Refunds    RefundsConfig
	Email      EmailConfig
	Alerts     AlertsConfig
	Operator   OperatorConfig
	Outbound   OutboundConfig
}

// ObsConfig controls logging, metrics, tracing and profiling.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsEnabled   bool
	MetricsNamespace string
	MetricsBuckets   string
	TracingEnabled   bool
	TracingEndpoint  string
	TracingExporter  string
	TracingSampling  float64
	PprofEnabled     bool
	PprofUser        string
	PprofPass        string
}

// WebhookConfig controls the payment webhook gateway.
type WebhookConfig struct {
	Secret          string
	Tolerance       time.Duration
	MaxBodyBytes    int64
	RateLimit       int
	RateWindow      time.Duration
	RateStrategy    string
	DispatchMode    string
	DispatchTimeout time.Duration
}

// ProcessorConfig controls order reconciliation after checkout.
type ProcessorConfig struct {
	PollAttempts  int
	PollInterval  time.Duration
	OrderLookback time.Duration
	// StaleAfter is how long a processing job may go untouched before a
	// replayed checkout event resumes it.
	StaleAfter time.Duration
}

// SagaConfig holds per-step timeouts and retry budgets for deliveries.
type SagaConfig struct {
	GenerateTimeout   time.Duration
	RenderTimeout     time.Duration
	PersistTimeout    time.Duration
	NotifyTimeout     time.Duration
	StructuralRetries int
	DomainRetries     int
	TransientRetries  int
	PersistAttempts   int
	NotifyAttempts    int
	RetryBase         time.Duration
	LinkTTL           time.Duration
}

// TicketsConfig controls the manual resolution queue.
type TicketsConfig struct {
	SLAWindow       time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

// SLAConfig controls the breached ticket monitor.
type SLAConfig struct {
	Interval      time.Duration
	Jitter        time.Duration
	BatchSize     int
	RefundTimeout time.Duration
	EmailTimeout  time.Duration
	LockTTL       time.Duration
}

// FraudConfig controls refund and chargeback escalation.
type FraudConfig struct {
	RefundWindow       time.Duration
	ReviewThreshold    int
	BlockThreshold     int
	RefundBlockFor     time.Duration
	ChargebackBlockFor time.Duration
}

// QueueConfig controls the redis task queue.
type QueueConfig struct {
	RedisPrefix       string
	MaxAttempts       int
	DedupTTL          time.Duration
	VisibilityTimeout time.Duration
	SoftDeadline      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
	RetryBase         time.Duration
	RetryJitter       float64
}

// GenerationConfig configures the plan generation engine.
type GenerationConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// StorageConfig configures the S3 compatible object store.
type StorageConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// RefundsConfig configures the payment provider used for compensation.
type RefundsConfig struct {
	StripeSecretKey string
	StripeBaseURL   string
	Methods         []string
}

// EmailConfig configures the transactional email provider.
type EmailConfig struct {
	APIURL string
	APIKey string
	From   string
}

// AlertsConfig configures operational alerts.
type AlertsConfig struct {
	SlackWebhookURL string
	SlackChannel    string
	SlackUsername   string
}

// OperatorConfig configures operator authentication for admin routes.
type OperatorConfig struct {
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	Role         string
	ClockSkew    time.Duration
	// APIKeyHashes holds "name:argon2id-hash" entries separated by ";".
	APIKeyHashes []string
}

// OutboundConfig tunes retries and circuit breaking for outbound HTTP.
type OutboundConfig struct {
	Timeout             time.Duration
	RetryMaxAttempts    int
	RetryBase           time.Duration
	RetryJitter         float64
	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		AutoMigrate:        parseBool(k.String("DB_AUTO_MIGRATE")),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		PublicBaseURL:      strings.TrimSpace(k.String("PUBLIC_BASE_URL")),
		Obs: ObsConfig{
			LogFormat:        valueOrDefault(k.String("OBS_LOG_FORMAT"), "json"),
			LogLevel:         valueOrDefault(k.String("OBS_LOG_LEVEL"), "info"),
			MetricsEnabled:   parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			MetricsNamespace: valueOrDefault(k.String("OBS_METRICS_NAMESPACE"), "planbox"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			TracingEnabled:   parseBoolDefault(k.String("OBS_ENABLE_TRACING"), false),
			TracingEndpoint:  k.String("OBS_OTLP_ENDPOINT"),
			TracingExporter:  valueOrDefault(k.String("OBS_TRACING_EXPORTER"), "otlp"),
			TracingSampling:  parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
			PprofEnabled:     parseBoolDefault(k.String("OBS_ENABLE_PPROF"), false),
			PprofUser:        k.String("SECURE_PPROF_BASIC_AUTH_USER"),
			PprofPass:        k.String("SECURE_PPROF_BASIC_AUTH_PASS"),
		},
		Webhook: WebhookConfig{
			Secret:          k.String("WEBHOOK_SECRET"),
			Tolerance:       parseDuration(k.String("WEBHOOK_TOLERANCE"), "5m"),
			MaxBodyBytes:    int64(parseInt(k.String("WEBHOOK_MAX_BODY_BYTES"), 1<<20)),
			RateLimit:       parseInt(k.String("WEBHOOK_RATE_LIMIT"), 10),
			RateWindow:      parseDuration(k.String("WEBHOOK_RATE_WINDOW"), "60s"),
			RateStrategy:    strings.ToLower(valueOrDefault(k.String("WEBHOOK_RATE_LIMIT_STRATEGY"), "counter")),
			DispatchMode:    strings.ToLower(valueOrDefault(k.String("WEBHOOK_DISPATCH_MODE"), "inline")),
			DispatchTimeout: parseDuration(k.String("WEBHOOK_DISPATCH_TIMEOUT"), "5m"),
		},
		Processor: ProcessorConfig{
			PollAttempts:  parseInt(k.String("ORDER_POLL_ATTEMPTS"), 10),
			PollInterval:  parseDuration(k.String("ORDER_POLL_INTERVAL"), "500ms"),
			OrderLookback: parseDuration(k.String("ORDER_LOOKBACK"), "24h"),
			StaleAfter:    parseDuration(k.String("DELIVERY_STALE_AFTER"), "15m"),
		},
		Saga: SagaConfig{
			GenerateTimeout:   parseDuration(k.String("SAGA_GENERATE_TIMEOUT"), "60s"),
			RenderTimeout:     parseDuration(k.String("SAGA_RENDER_TIMEOUT"), "15s"),
			PersistTimeout:    parseDuration(k.String("SAGA_PERSIST_TIMEOUT"), "15s"),
			NotifyTimeout:     parseDuration(k.String("SAGA_NOTIFY_TIMEOUT"), "10s"),
			StructuralRetries: parseInt(k.String("SAGA_STRUCTURAL_RETRIES"), 0),
			DomainRetries:     parseInt(k.String("SAGA_DOMAIN_RETRIES"), 1),
			TransientRetries:  parseInt(k.String("SAGA_TRANSIENT_RETRIES"), 1),
			PersistAttempts:   parseInt(k.String("SAGA_PERSIST_ATTEMPTS"), 3),
			NotifyAttempts:    parseInt(k.String("SAGA_NOTIFY_ATTEMPTS"), 2),
			RetryBase:         parseDuration(k.String("SAGA_RETRY_BASE"), "500ms"),
			LinkTTL:           parseDuration(k.String("ARTIFACT_LINK_TTL"), "168h"),
		},
		Tickets: TicketsConfig{
			SLAWindow:       parseDuration(k.String("TICKET_SLA_WINDOW"), "4h"),
			DefaultPageSize: parseInt(k.String("TICKET_PAGE_SIZE"), 20),
			MaxPageSize:     parseInt(k.String("TICKET_MAX_PAGE_SIZE"), 100),
		},
		SLA: SLAConfig{
			Interval:      parseDuration(k.String("SLA_MONITOR_INTERVAL"), "15m"),
			Jitter:        parseDuration(k.String("SLA_MONITOR_JITTER"), "30s"),
			BatchSize:     parseInt(k.String("SLA_MONITOR_BATCH_SIZE"), 100),
			RefundTimeout: parseDuration(k.String("SLA_REFUND_TIMEOUT"), "20s"),
			EmailTimeout:  parseDuration(k.String("SLA_EMAIL_TIMEOUT"), "10s"),
			LockTTL:       parseDuration(k.String("SLA_LOCK_TTL"), "10m"),
		},
		Fraud: FraudConfig{
			RefundWindow:       parseDuration(k.String("FRAUD_REFUND_WINDOW"), "2160h"),
			ReviewThreshold:    parseInt(k.String("FRAUD_REVIEW_THRESHOLD"), 2),
			BlockThreshold:     parseInt(k.String("FRAUD_BLOCK_THRESHOLD"), 3),
			RefundBlockFor:     parseDuration(k.String("FRAUD_REFUND_BLOCK_FOR"), "720h"),
			ChargebackBlockFor: parseDuration(k.String("FRAUD_CHARGEBACK_BLOCK_FOR"), "2160h"),
		},
		Queue: QueueConfig{
			RedisPrefix:       valueOrDefault(k.String("QUEUE_REDIS_PREFIX"), "planbox"),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 5),
			DedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "24h"),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "3m"),
			SoftDeadline:      parseDuration(k.String("WORKER_JOB_SOFT_DEADLINE"), "150s"),
			HeartbeatInterval: parseDuration(k.String("WORKER_HEARTBEAT_INTERVAL"), "30s"),
			Concurrency:       parseInt(k.String("QUEUE_CONCURRENCY"), 4),
			RetryBase:         parseDuration(k.String("QUEUE_BACKOFF_BASE"), "2s"),
			RetryJitter:       parseFloat(k.String("QUEUE_BACKOFF_JITTER"), 0.2),
		},
		Generation: GenerationConfig{
			APIKey:      k.String("OPENAI_API_KEY"),
			BaseURL:     strings.TrimSpace(k.String("OPENAI_BASE_URL")),
			Model:       valueOrDefault(k.String("OPENAI_MODEL"), "gpt-4o-mini"),
			Temperature: parseFloat(k.String("OPENAI_TEMPERATURE"), 0.4),
		},
		Storage: StorageConfig{
			Bucket:       k.String("S3_BUCKET"),
			Region:       valueOrDefault(k.String("S3_REGION"), "us-east-1"),
			Endpoint:     strings.TrimSpace(k.String("S3_ENDPOINT")),
			AccessKey:    k.String("S3_ACCESS_KEY_ID"),
			SecretKey:    k.String("S3_SECRET_ACCESS_KEY"),
			UsePathStyle: parseBool(k.String("S3_USE_PATH_STYLE")),
			Prefix:       valueOrDefault(k.String("S3_PREFIX"), "plans"),
		},
		Refunds: RefundsConfig{
			StripeSecretKey: k.String("STRIPE_SECRET_KEY"),
			StripeBaseURL:   strings.TrimSpace(k.String("STRIPE_API_BASE")),
			Methods:         splitAndTrim(valueOrDefault(k.String("REFUNDABLE_PAYMENT_METHODS"), "card,link")),
		},
		Email: EmailConfig{
			APIURL: strings.TrimSpace(k.String("EMAIL_API_URL")),
			APIKey: k.String("EMAIL_API_KEY"),
			From:   valueOrDefault(k.String("EMAIL_FROM"), "Planbox <plans@planbox.local>"),
		},
		Alerts: AlertsConfig{
			SlackWebhookURL: strings.TrimSpace(k.String("SLACK_WEBHOOK_URL")),
			SlackChannel:    k.String("SLACK_CHANNEL"),
			SlackUsername:   valueOrDefault(k.String("SLACK_USERNAME"), "planbox"),
		},
		Operator: OperatorConfig{
			JWTSecret:    k.String("OPERATOR_JWT_SECRET"),
			JWTIssuer:    k.String("OPERATOR_JWT_ISSUER"),
			JWTAudience:  k.String("OPERATOR_JWT_AUDIENCE"),
			Role:         valueOrDefault(k.String("OPERATOR_ROLE"), "operator"),
			ClockSkew:    parseDuration(k.String("OPERATOR_JWT_CLOCK_SKEW"), "30s"),
			APIKeyHashes: splitOn(k.String("OPERATOR_API_KEY_HASHES"), ";"),
		},
		Outbound: OutboundConfig{
			Timeout:             parseDuration(k.String("OUTBOUND_TIMEOUT"), "10s"),
			RetryMaxAttempts:    parseInt(k.String("RETRY_MAX_ATTEMPTS"), 3),
			RetryBase:           parseDuration(k.String("RETRY_BASE"), "200ms"),
			RetryJitter:         parseFloat(k.String("RETRY_JITTER_PERCENT"), 0.2),
			BreakerMinRequests:  parseInt(k.String("CIRCUIT_MIN_REQUESTS"), 5),
			BreakerFailureRatio: parseFloat(k.String("CIRCUIT_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:      parseDuration(k.String("CIRCUIT_OPEN_FOR"), "30s"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.Webhook.Secret == "" {
		return errors.New("WEBHOOK_SECRET is required")
	}
	if c.Operator.JWTSecret == "" && len(c.Operator.APIKeyHashes) == 0 {
		return errors.New("OPERATOR_JWT_SECRET or OPERATOR_API_KEY_HASHES is required")
	}
	switch c.Webhook.DispatchMode {
	case "inline", "queue":
	default:
		return fmt.Errorf("WEBHOOK_DISPATCH_MODE must be inline or queue, got %q", c.Webhook.DispatchMode)
	}
	switch c.Webhook.RateStrategy {
	case "counter", "sliding":
	default:
		return fmt.Errorf("WEBHOOK_RATE_LIMIT_STRATEGY must be counter or sliding, got %q", c.Webhook.RateStrategy)
	}
	if c.Tickets.SLAWindow <= 0 {
		return errors.New("TICKET_SLA_WINDOW must be positive")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	return splitOn(value, ",")
}

// splitOn is used directly where entries may contain commas (argon2id hashes).
func splitOn(value, sep string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
