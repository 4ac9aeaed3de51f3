package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer         string `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL        string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey     string `mapstructure:"AUTH_SIGNING_KEY"`
	AllowImpersonation bool   `mapstructure:"ALLOW_IMPERSONATION"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`

	RedisURL          string        `mapstructure:"REDIS_URL"`
	DirectoryCacheTTL time.Duration `mapstructure:"DIRECTORY_CACHE_TTL"`

	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	KafkaStageTopic string `mapstructure:"KAFKA_STAGE_TOPIC"`

	PolicyFile       string        `mapstructure:"POLICY_FILE"`
	RelayInterval    time.Duration `mapstructure:"RELAY_INTERVAL"`
	RelayBatchSize   int           `mapstructure:"RELAY_BATCH_SIZE"`
	RelayMaxAttempts int           `mapstructure:"RELAY_MAX_ATTEMPTS"`
	MigrationsDir    string        `mapstructure:"MIGRATIONS_DIR"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "ALLOW_IMPERSONATION",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT",
	"REDIS_URL", "DIRECTORY_CACHE_TTL",
	"KAFKA_BROKERS", "KAFKA_STAGE_TOPIC",
	"POLICY_FILE", "RELAY_INTERVAL", "RELAY_BATCH_SIZE", "RELAY_MAX_ATTEMPTS", "MIGRATIONS_DIR",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("DIRECTORY_CACHE_TTL", "5m")
	v.SetDefault("KAFKA_STAGE_TOPIC", "intake.stage-changed")
	v.SetDefault("RELAY_INTERVAL", "5s")
	v.SetDefault("RELAY_BATCH_SIZE", 50)
	v.SetDefault("RELAY_MAX_ATTEMPTS", 8)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Brokers returns KAFKA_BROKERS as a list. Empty means publishing is off.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// Validate checks that the configuration is safe to run. Outside development
// either AUTH_ISSUER with a key source or AUTH_SIGNING_KEY must be set, since
// the development auth middleware grants administrator access to everyone.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
		}
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_SIGNING_KEY is not set")
		}
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is for development and tests only; use AUTH_JWKS_URL in production")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RelayInterval <= 0 {
		return fmt.Errorf("RELAY_INTERVAL must be positive, got %s", c.RelayInterval)
	}
	if c.RelayBatchSize <= 0 {
		return fmt.Errorf("RELAY_BATCH_SIZE must be positive, got %d", c.RelayBatchSize)
	}
	if c.RelayMaxAttempts <= 0 {
		return fmt.Errorf("RELAY_MAX_ATTEMPTS must be positive, got %d", c.RelayMaxAttempts)
	}
	if len(c.Brokers()) > 0 && c.KafkaStageTopic == "" {
		return fmt.Errorf("KAFKA_STAGE_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
