package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Log       LogConfig        `mapstructure:"log"`
	HTTP      HTTPClientConfig `mapstructure:"http_client"`
	Transfers TransfersConfig  `mapstructure:"transfers"`
	Providers ProvidersConfig  `mapstructure:"providers"`
	Poller    PollerConfig     `mapstructure:"poller"`
	Lock      LockConfig       `mapstructure:"lock"`
	Billers   BillersConfig    `mapstructure:"billers"`
	API       APIConfig        `mapstructure:"api"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	// Backend selects the persistence backend: postgres or memory.
	Backend         string        `mapstructure:"backend"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the database connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration. An empty address disables Redis.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds object storage configuration for biller files.
type StorageConfig struct {
	// Backend selects where biller files are read from: s3 or local.
	Backend         string `mapstructure:"backend"`
	LocalDir        string `mapstructure:"local_dir"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPClientConfig holds settings for the outbound provider HTTP client.
type HTTPClientConfig struct {
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	KeepAlive           time.Duration `mapstructure:"keep_alive"`
	MaxIdleConns        int           `mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `mapstructure:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `mapstructure:"idle_conn_timeout"`
	TLSHandshakeTimeout time.Duration `mapstructure:"tls_handshake_timeout"`
	ResponseTimeout     time.Duration `mapstructure:"response_timeout"`
}

// TransfersConfig selects how transfers are routed to providers.
type TransfersConfig struct {
	DefaultProvider string `mapstructure:"default_provider"`
	// Fallback routes transfers whose provider is not configured to the
	// default provider.
	Fallback bool `mapstructure:"fallback"`
}

// ProviderConfig holds the credentials of one transfer provider. A provider
// without a base URL (or API key for stripe) is not registered.
type ProviderConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	APISecret     string `mapstructure:"api_secret"`
	ClientID      string `mapstructure:"client_id"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Currency      string `mapstructure:"currency"`
}

// ProvidersConfig holds per-provider configuration.
type ProvidersConfig struct {
	Checkbook ProviderConfig `mapstructure:"checkbook"`
	Fiserv    ProviderConfig `mapstructure:"fiserv"`
	Tabapay   ProviderConfig `mapstructure:"tabapay"`
	Stripe    ProviderConfig `mapstructure:"stripe"`
	// Mock registers the in-process mock provider.
	Mock bool `mapstructure:"mock"`

	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
}

// PollerConfig holds the transfer status poller configuration.
type PollerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	OlderThan   time.Duration `mapstructure:"older_than"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

// LockConfig holds the advance lock configuration.
type LockConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
	// Wait bounds how long an advance waits for a busy entity.
	Wait      time.Duration `mapstructure:"wait"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// BillersConfig holds the biller catalogue import configuration.
type BillersConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

// APIConfig holds request guards applied by the HTTP API.
type APIConfig struct {
	// IdempotencyTTL is how long a mutating response is replayed for a
	// repeated Idempotency-Key. Requires Redis.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// WebhookRateLimit caps webhook requests per provider per window.
	// Zero disables the limit. Requires Redis.
	WebhookRateLimit  int           `mapstructure:"webhook_rate_limit"`
	WebhookRateWindow time.Duration `mapstructure:"webhook_rate_window"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Set config file name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/loanpay")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and env
	}

	v.SetEnvPrefix("LOANPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override with environment variables for sensitive values
	overrides := map[string]*string{
		"LOANPAY_DB_PASSWORD":           &cfg.Database.Password,
		"LOANPAY_REDIS_PASSWORD":        &cfg.Redis.Password,
		"LOANPAY_STORAGE_SECRET_KEY":    &cfg.Storage.SecretAccessKey,
		"LOANPAY_CHECKBOOK_API_SECRET":  &cfg.Providers.Checkbook.APISecret,
		"LOANPAY_FISERV_API_SECRET":     &cfg.Providers.Fiserv.APISecret,
		"LOANPAY_TABAPAY_API_KEY":       &cfg.Providers.Tabapay.APIKey,
		"LOANPAY_STRIPE_API_KEY":        &cfg.Providers.Stripe.APIKey,
		"LOANPAY_STRIPE_WEBHOOK_SECRET": &cfg.Providers.Stripe.WebhookSecret,
	}
	for env, target := range overrides {
		if value := os.Getenv(env); value != "" {
			*target = value
		}
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	// Database defaults
	v.SetDefault("database.backend", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "loanpay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("redis.db", 0)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Provider HTTP client defaults
	v.SetDefault("http_client.dial_timeout", 10*time.Second)
	v.SetDefault("http_client.keep_alive", 30*time.Second)
	v.SetDefault("http_client.max_idle_conns", 100)
	v.SetDefault("http_client.max_idle_conns_per_host", 10)
	v.SetDefault("http_client.max_conns_per_host", 50)
	v.SetDefault("http_client.idle_conn_timeout", 90*time.Second)
	v.SetDefault("http_client.tls_handshake_timeout", 10*time.Second)
	v.SetDefault("http_client.response_timeout", 30*time.Second)

	v.SetDefault("transfers.default_provider", "mock")
	v.SetDefault("transfers.fallback", false)

	v.SetDefault("providers.mock", true)
	v.SetDefault("providers.failure_threshold", 5)
	v.SetDefault("providers.circuit_timeout", 30*time.Second)
	v.SetDefault("providers.stripe.currency", "usd")

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", time.Minute)
	v.SetDefault("poller.older_than", 5*time.Minute)
	v.SetDefault("poller.batch_size", 100)
	v.SetDefault("poller.concurrency", 8)

	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.wait", 2*time.Second)
	v.SetDefault("lock.key_prefix", "loanpay:lock:")

	v.SetDefault("billers.batch_size", 50)

	v.SetDefault("api.idempotency_ttl", 24*time.Hour)
	v.SetDefault("api.webhook_rate_limit", 600)
	v.SetDefault("api.webhook_rate_window", time.Minute)
	v.SetDefault("api.metrics_enabled", true)
}
