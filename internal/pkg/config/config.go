package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Backend selects where the agent keeps rows.
const (
	BackendMongo  = "mongo"
	BackendMemory = "memory"
)

type Config struct {
	Port      string `env:"PORT,       default=8080"`
	Env       string `env:"ENV,        default=development"`
	LogLevel  string `env:"LOG_LEVEL,  default=info"`
	LogPretty bool   `env:"LOG_PRETTY, default=false"`
	Backend   string `env:"BACKEND,    default=mongo"`

	Auth    AuthConfig
	Mongo   MongoConfig
	Redis   RedisConfig
	Gateway GatewayConfig
	S3      S3Config
	Session SessionConfig
}

type AuthConfig struct {
	JWTSecret string        `env:"JWT_SECRET"`
	TokenTTL  time.Duration `env:"TOKEN_TTL, default=24h"`
}

type MongoConfig struct {
	URI      string `env:"MONGO_URI, default=mongodb://localhost:27017"`
	Database string `env:"MONGO_DB,  default=practice"`
	PoolSize uint64 `env:"MONGO_POOL_SIZE, default=0"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,     default=localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,       default=0"`
}

// GatewayConfig tunes the resilient gateway.
type GatewayConfig struct {
	Timeout      time.Duration `env:"GATEWAY_TIMEOUT,       default=15s"`
	FetchRetries int           `env:"GATEWAY_FETCH_RETRIES, default=3"`
	Backoff      time.Duration `env:"GATEWAY_BACKOFF,       default=200ms"`
	Workers      int           `env:"PUBLISH_WORKERS,       default=8"`
}

type S3Config struct {
	Bucket        string `env:"S3_BUCKET"`
	Region        string `env:"S3_REGION,    default=us-east-1"`
	Endpoint      string `env:"S3_ENDPOINT"`
	PathStyle     bool   `env:"S3_PATH_STYLE, default=false"`
	PublicBaseURL string `env:"S3_PUBLIC_BASE_URL"`
	AccessKeyID   string `env:"S3_ACCESS_KEY_ID"`
	SecretKey     string `env:"S3_SECRET_ACCESS_KEY"`
}

// SessionConfig holds the credentials the agent signs in with, if any.
type SessionConfig struct {
	Email    string `env:"AGENT_EMAIL"`
	Password string `env:"AGENT_PASSWORD"`
	Token    string `env:"AGENT_TOKEN"`
}

// Load reads configuration from environment variables using go-envconfig.
func Load() *Config {
	cfg, err := LoadWith(context.Background(), envconfig.OsLookuper())
	if err != nil {
		panic(fmt.Sprintf("config: failed to load configuration: %v", err))
	}
	return cfg
}

// LoadWith reads configuration from l and validates it.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings the defaults cannot cover.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMongo:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required for the %s backend", c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown BACKEND %q", c.Backend)
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.Gateway.FetchRetries < 0 {
		return fmt.Errorf("GATEWAY_FETCH_RETRIES must not be negative")
	}
	return nil
}
