package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Billing modes select which balance backs usage checks.
const (
	ModeSaaS       = "saas"
	ModeEnterprise = "enterprise"
)

// Config holds all configuration for the billing service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Billing    BillingConfig
	Security   SecurityConfig
	Monitoring MonitoringConfig
	Jobs       JobsConfig

	Notifications NotificationsConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// URL renders the connection settings as a postgres URL with the
// credentials escaped. The pool uses scheme "postgres", migrations "pgx5".
func (c DatabaseConfig) URL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// BillingConfig holds credit billing configuration
type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	Mode                string

	TrialCredits decimal.Decimal
	TrialDays    int

	// TierPrices maps processor price ids to tier names.
	TierPrices map[string]string
	// CommitmentPrices maps yearly-commitment price ids to tier names.
	CommitmentPrices map[string]string

	RenewalLockWait          time.Duration
	RenewalLockExpiry        time.Duration
	WebhookProcessingTimeout time.Duration
	WebhookCacheTTL          time.Duration
	WebhookRetention         time.Duration
	SummaryCacheTTL          time.Duration
}

// SecurityConfig holds security configuration
type SecurityConfig struct {
	AdminAPIToken   string
	ServiceAPIToken string
	// Per-account limits on the usage API. Zero disables the check.
	RateLimitPerMinute int
	ConcurrencyLimit   int
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enabled     bool
	MetricsPath string
	LogLevel    string
}

// JobsConfig holds cron schedules for background maintenance
type JobsConfig struct {
	Enabled                 bool
	EnterpriseResetSchedule string
	WebhookPurgeSchedule    string
	CommitmentSweepSchedule string

	// WebhookStaleSweepSchedule fails webhook claims abandoned mid-processing.
	WebhookStaleSweepSchedule string
}

// Notification channel names, as used in NOTIFICATIONS_EVENT_ROUTING.
const (
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// NotificationsConfig configures operator alerts for billing failures
// that need manual reconciliation.
type NotificationsConfig struct {
	Enabled bool

	SlackEnabled    bool
	SlackWebhookURL string
	SlackChannel    string

	// Generic signed webhook
	WebhookEnabled bool
	WebhookURL     string
	WebhookSecret  string
	WebhookMethod  string
	WebhookHeaders map[string]string

	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryQueueSize   int
	RetryWorkers     int

	// EventRouting overrides the channels for an event type, e.g.
	// {"refund.failed": ["slack", "webhook"]}. Unlisted types go to every
	// enabled channel.
	EventRouting map[string][]string

	DeliveryTimeout time.Duration
	// DedupWindow is how long a delivered event id is remembered.
	DedupWindow time.Duration
}

// LoadConfig loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	trialCredits, err := decimal.NewFromString(getEnv("BILLING_TRIAL_CREDITS", "5.00"))
	if err != nil {
		return nil, fmt.Errorf("invalid BILLING_TRIAL_CREDITS: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "90s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Billing: BillingConfig{
			StripeSecretKey:          getEnv("STRIPE_SECRET_KEY", ""),
			StripeWebhookSecret:      getEnv("STRIPE_WEBHOOK_SECRET", ""),
			Mode:                     strings.ToLower(getEnv("BILLING_MODE", ModeSaaS)),
			TrialCredits:             trialCredits,
			TrialDays:                getEnvAsInt("BILLING_TRIAL_DAYS", 7),
			TierPrices:               getEnvAsMap("BILLING_TIER_PRICES"),
			CommitmentPrices:         getEnvAsMap("BILLING_COMMITMENT_PRICES"),
			RenewalLockWait:          getEnvAsDuration("BILLING_RENEWAL_LOCK_WAIT", "60s"),
			RenewalLockExpiry:        getEnvAsDuration("BILLING_RENEWAL_LOCK_EXPIRY", "2m"),
			WebhookProcessingTimeout: getEnvAsDuration("BILLING_WEBHOOK_TIMEOUT", "60s"),
			WebhookCacheTTL:          getEnvAsDuration("BILLING_WEBHOOK_CACHE_TTL", "5m"),
			WebhookRetention:         getEnvAsDuration("BILLING_WEBHOOK_RETENTION", "720h"),
			SummaryCacheTTL:          getEnvAsDuration("BILLING_SUMMARY_CACHE_TTL", "60s"),
		},
		Security: SecurityConfig{
			AdminAPIToken:      getEnv("ADMIN_API_TOKEN", ""),
			ServiceAPIToken:    getEnv("SERVICE_API_TOKEN", ""),
			RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 600),
			ConcurrencyLimit:   getEnvAsInt("RATE_LIMIT_CONCURRENCY", 20),
		},
		Monitoring: MonitoringConfig{
			Enabled:     getEnvAsBool("MONITORING_ENABLED", true),
			MetricsPath: getEnv("METRICS_PATH", "/metrics"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Jobs: JobsConfig{
			Enabled:                   getEnvAsBool("JOBS_ENABLED", true),
			EnterpriseResetSchedule:   getEnv("JOBS_ENTERPRISE_RESET_SCHEDULE", "0 0 0 1 * *"),
			WebhookPurgeSchedule:      getEnv("JOBS_WEBHOOK_PURGE_SCHEDULE", "0 30 3 * * *"),
			CommitmentSweepSchedule:   getEnv("JOBS_COMMITMENT_SWEEP_SCHEDULE", "0 0 4 * * *"),
			WebhookStaleSweepSchedule: getEnv("JOBS_WEBHOOK_STALE_SWEEP_SCHEDULE", "0 */5 * * * *"),
		},
	}

	cfg.Notifications, err = loadNotifications()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadNotifications() (NotificationsConfig, error) {
	n := NotificationsConfig{
		Enabled:          getEnvAsBool("NOTIFICATIONS_ENABLED", false),
		SlackEnabled:     getEnvAsBool("NOTIFICATIONS_SLACK_ENABLED", false),
		SlackWebhookURL:  getEnv("NOTIFICATIONS_SLACK_WEBHOOK_URL", ""),
		SlackChannel:     getEnv("NOTIFICATIONS_SLACK_CHANNEL", "#billing-alerts"),
		WebhookEnabled:   getEnvAsBool("NOTIFICATIONS_WEBHOOK_ENABLED", false),
		WebhookURL:       getEnv("NOTIFICATIONS_WEBHOOK_URL", ""),
		WebhookSecret:    getEnv("NOTIFICATIONS_WEBHOOK_SECRET", ""),
		WebhookMethod:    strings.ToUpper(getEnv("NOTIFICATIONS_WEBHOOK_METHOD", "POST")),
		MaxRetries:       getEnvAsInt("NOTIFICATIONS_MAX_RETRIES", 3),
		RetryBackoffBase: getEnvAsDuration("NOTIFICATIONS_RETRY_BACKOFF_BASE", "5s"),
		RetryQueueSize:   getEnvAsInt("NOTIFICATIONS_RETRY_QUEUE_SIZE", 1000),
		RetryWorkers:     getEnvAsInt("NOTIFICATIONS_RETRY_WORKERS", 2),
		DeliveryTimeout:  getEnvAsDuration("NOTIFICATIONS_DELIVERY_TIMEOUT", "30s"),
		DedupWindow:      getEnvAsDuration("NOTIFICATIONS_DEDUP_WINDOW", "24h"),
	}
	if err := getEnvAsJSON("NOTIFICATIONS_WEBHOOK_HEADERS", &n.WebhookHeaders); err != nil {
		return n, err
	}
	if err := getEnvAsJSON("NOTIFICATIONS_EVENT_ROUTING", &n.EventRouting); err != nil {
		return n, err
	}
	return n, nil
}

// LoadDatabaseConfig reads only the database settings, for tools such as
// the migrator that do not need the rest of the service configuration.
func LoadDatabaseConfig() (DatabaseConfig, error) {
	_ = godotenv.Load()
	cfg := databaseFromEnv()
	if cfg.Password == "" {
		return cfg, fmt.Errorf("DB_PASSWORD is required")
	}
	return cfg, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "billing"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "billing"),
		SSLMode:         getEnv("DB_SSL_MODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
	}
}

// Validate checks required fields and enumerations.
func (c *Config) Validate() error {
	if c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.Security.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if c.Security.ServiceAPIToken == "" {
		return fmt.Errorf("SERVICE_API_TOKEN is required")
	}
	if c.Billing.Mode != ModeSaaS && c.Billing.Mode != ModeEnterprise {
		return fmt.Errorf("BILLING_MODE must be %q or %q, got %q", ModeSaaS, ModeEnterprise, c.Billing.Mode)
	}
	if c.Billing.TrialCredits.IsNegative() {
		return fmt.Errorf("BILLING_TRIAL_CREDITS must not be negative")
	}
	if err := c.Notifications.Validate(); err != nil {
		return fmt.Errorf("invalid notification config: %w", err)
	}
	return nil
}

// Validate checks the enabled channels are usable. A disabled config is
// always valid.
func (c *NotificationsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.SlackEnabled && !c.WebhookEnabled {
		return fmt.Errorf("no notification channels enabled")
	}
	if c.SlackEnabled && c.SlackWebhookURL == "" {
		return fmt.Errorf("slack enabled but webhook URL not provided")
	}
	if c.WebhookEnabled {
		if c.WebhookURL == "" {
			return fmt.Errorf("webhook enabled but URL not provided")
		}
		if c.WebhookMethod != "POST" && c.WebhookMethod != "PUT" {
			return fmt.Errorf("webhook method must be POST or PUT")
		}
	}
	for eventType, channels := range c.EventRouting {
		for _, ch := range channels {
			if ch != ChannelSlack && ch != ChannelWebhook {
				return fmt.Errorf("unknown channel %q routed for %s", ch, eventType)
			}
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("retry backoff base must be positive")
	}
	if c.RetryQueueSize <= 0 {
		return fmt.Errorf("retry queue size must be positive")
	}
	return nil
}

// ChannelsFor returns the channels an event type is delivered to.
func (c *NotificationsConfig) ChannelsFor(eventType string) []string {
	if channels, ok := c.EventRouting[eventType]; ok {
		return channels
	}
	var channels []string
	if c.SlackEnabled {
		channels = append(channels, ChannelSlack)
	}
	if c.WebhookEnabled {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

// getEnvAsMap parses "k1=v1,k2=v2". Malformed pairs are skipped.
func getEnvAsMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// getEnvAsJSON decodes a JSON-valued variable into v. Unset leaves v alone.
func getEnvAsJSON(key string, v interface{}) error {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(valueStr), v); err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	return nil
}
