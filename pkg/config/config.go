package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

// Config holds all application configuration. Secrets are only ever read
// from the environment; nothing here has a baked-in credential default.
type Config struct {
	// Telegram bot and group settings
	Telegram TelegramConfig

	// Paystack gateway settings
	Paystack PaystackConfig

	// HTTP server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Session store configuration
	Sessions SessionConfig

	// Expiry sweeper configuration
	Sweeper SweeperConfig

	// Observability configuration
	Observability ObservabilityConfig

	// PlansFile optionally overrides the built-in plan catalog.
	PlansFile string
}

// TelegramConfig holds bot credentials and group wiring.
type TelegramConfig struct {
	// BotToken authenticates against the Bot API.
	BotToken string

	// GroupChatID is the protected group or channel.
	GroupChatID int64

	// AdminIDs may run admin commands.
	AdminIDs []int64

	// AdminContact is shown to users when automation fails, e.g. "@admin".
	AdminContact string

	// WebhookBaseURL switches the bot from long polling to webhook mode
	// when set. Must be an https URL reachable by Telegram.
	WebhookBaseURL string
}

// PaystackConfig holds gateway credentials.
type PaystackConfig struct {
	// SecretKey authorizes API calls and signs webhook deliveries.
	SecretKey string

	// EmailDomain builds synthetic customer emails as user<id>@<domain>.
	EmailDomain string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ShutdownTimeout time.Duration

	// Webhook update queue sizing.
	UpdateWorkers   int
	UpdateQueueSize int
}

// SessionConfig selects the conversation session backend.
type SessionConfig struct {
	// RedisURL enables the Redis backend when set; otherwise sessions
	// live in process memory.
	RedisURL string

	// TTL evicts sessions abandoned mid-funnel.
	TTL time.Duration

	// MemorySize caps the in-memory backend.
	MemorySize int
}

// SweeperConfig controls the expiry sweep.
type SweeperConfig struct {
	Interval time.Duration
	Workers  int
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// Load reads configuration from a .env file (if present) and the
// environment, then validates it.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	_ = godotenv.Load()

	cfg := &Config{
		Telegram:      loadTelegramConfig(),
		Paystack:      loadPaystackConfig(),
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Sessions:      loadSessionConfig(),
		Sweeper:       loadSweeperConfig(),
		Observability: loadObservabilityConfig(),
		PlansFile:     getEnv("GATEKEEPER_PLANS_FILE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadTelegramConfig() TelegramConfig {
	return TelegramConfig{
		BotToken:       getEnv("GATEKEEPER_BOT_TOKEN", ""),
		GroupChatID:    getEnvInt64("GATEKEEPER_GROUP_CHAT_ID", 0),
		AdminIDs:       parseIDList(getEnv("GATEKEEPER_ADMIN_IDS", "")),
		AdminContact:   getEnv("GATEKEEPER_ADMIN_CONTACT", ""),
		WebhookBaseURL: getEnv("GATEKEEPER_WEBHOOK_BASE_URL", ""),
	}
}

func loadPaystackConfig() PaystackConfig {
	return PaystackConfig{
		SecretKey:   getEnv("GATEKEEPER_PAYSTACK_SECRET_KEY", ""),
		EmailDomain: getEnv("GATEKEEPER_EMAIL_DOMAIN", "gatekeeper.invalid"),
	}
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEKEEPER_HOST", "0.0.0.0"),
		Port:            getEnv("GATEKEEPER_PORT", "8080"),
		ShutdownTimeout: getEnvDuration("GATEKEEPER_SHUTDOWN_TIMEOUT", 30*time.Second),
		UpdateWorkers:   getEnvInt("GATEKEEPER_UPDATE_WORKERS", 4),
		UpdateQueueSize: getEnvInt("GATEKEEPER_UPDATE_QUEUE_SIZE", 64),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("GATEKEEPER_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}
	if path := getEnv("GATEKEEPER_SQLITE_PATH", ""); path != "" {
		cfg.SQLitePath = path
	}
	if pgURL := getEnv("GATEKEEPER_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("GATEKEEPER_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}

	return cfg
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		RedisURL:   getEnv("GATEKEEPER_REDIS_URL", ""),
		TTL:        getEnvDuration("GATEKEEPER_SESSION_TTL", 30*time.Minute),
		MemorySize: getEnvInt("GATEKEEPER_SESSION_MEMORY_SIZE", 10000),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: getEnvDuration("GATEKEEPER_SWEEP_INTERVAL", time.Minute),
		Workers:  getEnvInt("GATEKEEPER_SWEEP_WORKERS", 4),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEKEEPER_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEKEEPER_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEKEEPER_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEKEEPER_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEKEEPER_OTEL_SERVICE_NAME", "gatekeeper"),
		OTelServiceVersion: getEnv("GATEKEEPER_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEKEEPER_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("GATEKEEPER_BOT_TOKEN is required")
	}
	if c.Telegram.GroupChatID == 0 {
		return fmt.Errorf("GATEKEEPER_GROUP_CHAT_ID is required")
	}
	if c.Paystack.SecretKey == "" {
		return fmt.Errorf("GATEKEEPER_PAYSTACK_SECRET_KEY is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if url := c.Telegram.WebhookBaseURL; url != "" && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("webhook base URL must use https, got %q", url)
	}

	switch c.Storage.Type {
	case "", "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be sqlite or postgres)", c.Storage.Type)
	}

	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Sweeper.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// parseIDList parses a comma-separated list of Telegram user IDs.
// Malformed entries are skipped.
func parseIDList(value string) []int64 {
	if value == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
