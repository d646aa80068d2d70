// Package config provides environment-driven configuration for the trust core.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Signing configures the signing provider and its fallback policy.
type Signing struct {
	// Mode selects the primary provider: "local" or "remote".
	Mode     string `env:"SIGNING_MODE" envDefault:"local"`
	SignerID string `env:"SIGNING_SIGNER_ID" envDefault:"trustcore-local"`

	// Strict forbids falling back to the local signer when the remote
	// backend is unavailable.
	Strict bool `env:"SIGNING_STRICT" envDefault:"false"`

	// LocalSeed is an optional base64 Ed25519 seed giving the local signer a
	// stable identity across restarts. Empty generates a fresh keypair.
	LocalSeed Secret `env:"SIGNING_LOCAL_SEED"`

	KMSEndpoint   string        `env:"KMS_ENDPOINT"`
	KMSKeyID      string        `env:"KMS_KEY_ID"`
	KMSTimeout    time.Duration `env:"KMS_TIMEOUT" envDefault:"3s"`
	KMSAttempts   uint64        `env:"KMS_ATTEMPTS" envDefault:"3"`
	KMSClientCert string        `env:"KMS_CLIENT_CERT"`
	KMSClientKey  string        `env:"KMS_CLIENT_KEY"`
	KMSCACert     string        `env:"KMS_CA_CERT"`
}

// Stream configures durable export to Kafka.
type Stream struct {
	Enabled   bool          `env:"STREAM_ENABLED" envDefault:"false"`
	Brokers   string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	Topic     string        `env:"KAFKA_TOPIC" envDefault:"trustcore.audit"`
	Interval  time.Duration `env:"STREAM_INTERVAL" envDefault:"5s"`
	BatchSize int           `env:"STREAM_BATCH_SIZE" envDefault:"50"`
}

// Workers configures the background sweep loops.
type Workers struct {
	IdempotencyTTL         time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	IdempotencyGCInterval  time.Duration `env:"IDEMPOTENCY_GC_INTERVAL" envDefault:"10m"`
	ProposalExpiryInterval time.Duration `env:"PROPOSAL_EXPIRY_INTERVAL" envDefault:"1m"`
	WatchdogInterval       time.Duration `env:"WATCHDOG_INTERVAL" envDefault:"5m"`
}

// Config holds all application configuration values.
type Config struct {
	DatabaseURL Secret `env:"DATABASE_URL,required"`
	Port        string `env:"PORT" envDefault:"3030"`
	ListenHost  string `env:"LISTEN_HOST" envDefault:"127.0.0.1"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Signing Signing
	Stream  Stream
	Workers Workers
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}
