// Package config reads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the complete server configuration. Empty DATABASE_URL selects the
// in-memory stores; empty REDIS_URL disables the identity cache; empty
// KAFKA_BROKERS keeps audit events in the log.
type Config struct {
	Server   Server
	Database DatabaseConfig
	Redis    RedisConfig
	Privy    PrivyConfig
	Identity IdentityConfig
	QR       QRConfig
	Audit    AuditConfig
	Limits   RateLimitConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	TxTimeout       time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
	TxAttempts      int           `env:"TX_ATTEMPTS" envDefault:"3"`
}

type RedisConfig struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// PrivyConfig selects how bearer tokens are verified. A non-empty
// VerificationKey checks tokens locally as ES256 JWTs; otherwise each token is
// sent to VerifyURL.
type PrivyConfig struct {
	AppID           string `env:"PRIVY_APP_ID"`
	APIKey          string `env:"PRIVY_API_KEY"`
	VerifyURL       string `env:"PRIVY_VERIFY_URL" envDefault:"https://auth.privy.io/api/v1/verify"`
	VerificationKey string `env:"PRIVY_VERIFICATION_KEY"`
}

type IdentityConfig struct {
	Timeout  time.Duration `env:"IDENTITY_TIMEOUT" envDefault:"5s"`
	CacheTTL time.Duration `env:"IDENTITY_CACHE_TTL" envDefault:"5m"`
}

type QRConfig struct {
	FrontendURL string `env:"FRONTEND_URL" envDefault:"http://localhost:3000"`
	Size        int    `env:"QR_SIZE" envDefault:"300"`
}

type AuditConfig struct {
	KafkaBrokers      []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic             string   `env:"AUDIT_TOPIC" envDefault:"pich.audit"`
	Partitions        int32    `env:"AUDIT_TOPIC_PARTITIONS" envDefault:"3"`
	ReplicationFactor int16    `env:"AUDIT_TOPIC_REPLICATION" envDefault:"1"`
	Buffer            int      `env:"AUDIT_BUFFER" envDefault:"1024"`
}

// RateLimitConfig bounds requests per client IP on the unauthenticated routes.
// A zero PublicPerWindow disables the limiter.
type RateLimitConfig struct {
	PublicPerWindow int           `env:"RATE_LIMIT_PUBLIC" envDefault:"60"`
	Window          time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// KafkaEnabled reports whether audit events should also go to Kafka.
func (a AuditConfig) KafkaEnabled() bool {
	return len(a.KafkaBrokers) > 0 && a.Topic != ""
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the combinations env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Privy.AppID == "" {
		errs = append(errs, errors.New("PRIVY_APP_ID is required"))
	}
	if c.Privy.VerificationKey == "" && c.Privy.APIKey == "" {
		errs = append(errs, errors.New("PRIVY_API_KEY is required unless PRIVY_VERIFICATION_KEY is set"))
	}
	if c.Identity.Timeout <= 0 {
		errs = append(errs, errors.New("IDENTITY_TIMEOUT must be positive"))
	}
	if c.QR.Size < 21 {
		errs = append(errs, fmt.Errorf("QR_SIZE must be at least 21, got %d", c.QR.Size))
	}
	if c.QR.FrontendURL == "" {
		errs = append(errs, errors.New("FRONTEND_URL is required"))
	}
	return errors.Join(errs...)
}
