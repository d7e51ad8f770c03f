package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds delivery engine configuration loaded from the environment.
type Config struct {
	AppName   string `env:"APP_NAME" envDefault:"delivery_engine"`
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	HTTPPort  string `env:"HTTP_PORT" envDefault:"8082"`

	DatabaseURL     string `env:"DATABASE_URL"`
	DBMaxOpenConns  int    `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	UsersTable      string `env:"USERS_TABLE" envDefault:"users"`
	RedisURL        string `env:"REDIS_URL"`
	RabbitURL       string `env:"RABBITMQ_URL"`
	EventQueue      string `env:"EVENT_QUEUE" envDefault:"push.queue"`
	DeadLetterQueue string `env:"EVENT_DLQ" envDefault:"failed.queue"`
	PrefetchCount   int    `env:"PREFETCH_COUNT" envDefault:"50"`
	WorkerCount     int    `env:"CONSUMER_WORKERS" envDefault:"5"`
	TokenPageSize   int    `env:"TOKEN_PAGE_SIZE" envDefault:"500"`

	DispatchConcurrency int           `env:"DISPATCH_CONCURRENCY" envDefault:"32"`
	DispatchTimeout     time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	GatewayTimeout      time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"5s"`
	RetryMaxAttempts    int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"2"`
	RetryInitialBackoff time.Duration `env:"RETRY_INITIAL_BACKOFF" envDefault:"200ms"`
	RetryMaxBackoff     time.Duration `env:"RETRY_MAX_BACKOFF" envDefault:"2s"`
	DedupTTL            time.Duration `env:"DEDUP_TTL" envDefault:"10m"`

	RateLimitDefault     int           `env:"RATE_LIMIT_DEFAULT" envDefault:"50"`
	RateLimitFollow      int           `env:"RATE_LIMIT_FOLLOW" envDefault:"10"`
	RateLimitLocationTip int           `env:"RATE_LIMIT_LOCATION_TIP" envDefault:"5"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`

	APNS APNSConfig
	FCM  FCMConfig
}

type APNSConfig struct {
	KeyID      string `env:"APNS_KEY_ID"`
	TeamID     string `env:"APNS_TEAM_ID"`
	BundleID   string `env:"APNS_BUNDLE_ID"`
	KeyFile    string `env:"APNS_KEY_FILE"`
	Production bool   `env:"APNS_PRODUCTION" envDefault:"false"`
}

type FCMConfig struct {
	CredentialsFile string `env:"FCM_CREDENTIALS_FILE"`
}

// Load reads .env if present, then the process environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}

	var errs []error
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, errors.New("DISPATCH_CONCURRENCY must be positive"))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.DispatchTimeout > 0 && c.DispatchTimeout < c.GatewayTimeout {
		errs = append(errs, errors.New("DISPATCH_TIMEOUT must not be shorter than GATEWAY_TIMEOUT"))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be at least 1"))
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be positive"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether the engine runs in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
