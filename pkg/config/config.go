package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantipackai/quantipack/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Auth          AuthConfig
	Plans         PlansConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// CORS origin allowed to call the /api/v1/me endpoints from the dashboard
	AllowedOrigin string

	// Requests per minute per user, or per client IP on anonymous routes; 0 disables
	RateLimitPerMinute int

	// Proxies (CIDRs or addresses) whose X-Forwarded-For is honoured
	TrustedProxies []string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL           string
	MaxOpenConns  int
	MaxIdleConns  int
	Timeout       time.Duration
	RunMigrations bool
}

// RedisConfig holds the webhook dedupe store settings. An empty URL selects
// the in-memory store.
type RedisConfig struct {
	URL       string
	DedupeTTL time.Duration
}

// StripeConfig holds billing provider credentials. The service starts without
// them; session endpoints then answer 503.
type StripeConfig struct {
	SecretKey      string
	WebhookSecret  string
	FrontendURL    string
	DefaultPriceID string
	APIURL         string
}

// AuthConfig holds the OIDC identity provider settings
type AuthConfig struct {
	IssuerURL     string
	ClientID      string
	UserCacheSize int
}

// PlansConfig locates the price to plan catalog
type PlansConfig struct {
	File  string
	Watch bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables. Files named in
// envFiles (".env" when none given) are loaded first when they exist; real
// environment variables win over file values.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Stripe:        loadStripeConfig(),
		Auth:          loadAuthConfig(),
		Plans:         loadPlansConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("QP_HOST", "0.0.0.0"),
		Port:            getEnv("QP_PORT", "8080"),
		ReadTimeout:     getEnvDuration("QP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("QP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("QP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("QP_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("QP_HEALTH_PORT", "9090"),
		AllowedOrigin:   getEnv("QP_ALLOWED_ORIGIN", ""),

		RateLimitPerMinute: getEnvInt("QP_RATE_LIMIT_PER_MINUTE", 120),
		TrustedProxies:     getEnvList("QP_TRUSTED_PROXIES"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:           getEnv("QP_DATABASE_URL", ""),
		MaxOpenConns:  getEnvInt("QP_DATABASE_MAX_CONNS", 20),
		MaxIdleConns:  getEnvInt("QP_DATABASE_MIN_CONNS", 5),
		Timeout:       getEnvDuration("QP_DATABASE_TIMEOUT", 5*time.Second),
		RunMigrations: getEnvBool("QP_DATABASE_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:       getEnv("QP_REDIS_URL", ""),
		DedupeTTL: getEnvDuration("QP_WEBHOOK_DEDUPE_TTL", 72*time.Hour),
	}
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		SecretKey:      getEnv("QP_STRIPE_SECRET_KEY", ""),
		WebhookSecret:  getEnv("QP_STRIPE_WEBHOOK_SECRET", ""),
		FrontendURL:    strings.TrimRight(getEnv("QP_FRONTEND_URL", "http://localhost:3000"), "/"),
		DefaultPriceID: getEnv("QP_STRIPE_DEFAULT_PRICE_ID", ""),
		APIURL:         getEnv("QP_STRIPE_API_URL", ""),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		IssuerURL:     getEnv("QP_OIDC_ISSUER_URL", ""),
		ClientID:      getEnv("QP_OIDC_CLIENT_ID", ""),
		UserCacheSize: getEnvInt("QP_USER_CACHE_SIZE", 4096),
	}
}

func loadPlansConfig() PlansConfig {
	return PlansConfig{
		File:  getEnv("QP_PLANS_FILE", "plans.yaml"),
		Watch: getEnvBool("QP_PLANS_WATCH", true),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(strings.ToLower(getEnv("QP_LOG_LEVEL", "info"))),
		MetricsEnabled:     getEnvBool("QP_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("QP_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("QP_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("QP_OTEL_SERVICE_NAME", "quantipack"),
		OTelServiceVersion: getEnv("QP_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("QP_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database min connections (%d) exceed max connections (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Redis.DedupeTTL <= 0 {
		return fmt.Errorf("webhook dedupe TTL must be positive")
	}

	// A secret key without a webhook secret would accept checkouts whose
	// resulting subscription events can never be verified.
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required when a secret key is set")
	}

	if (c.Auth.IssuerURL == "") != (c.Auth.ClientID == "") {
		return fmt.Errorf("OIDC issuer URL and client ID must be set together")
	}

	if c.Plans.File == "" {
		return fmt.Errorf("plans file is required")
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

// Addr returns the API listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HealthAddr returns the health/metrics listen address
func (s ServerConfig) HealthAddr() string {
	return s.Host + ":" + s.HealthPort
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

// getEnvList splits a comma-separated environment variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
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
