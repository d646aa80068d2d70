package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

func (c *Config) validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if err := c.validateNetwork(); err != nil {
		return err
	}

	if err := c.validateSigning(); err != nil {
		return err
	}

	return c.validateStream()
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL.Value() == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dbURL, err := url.Parse(c.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres:// or postgresql://")
	}

	if dbURL.Hostname() == "" {
		return fmt.Errorf("DATABASE_URL must include a host")
	}

	dbHost := dbURL.Hostname()
	if dbHost != "localhost" && dbHost != "127.0.0.1" && dbHost != "::1" {
		sslmode := dbURL.Query().Get("sslmode")
		if sslmode == "disable" {
			return fmt.Errorf("DATABASE_URL sslmode=disable is not allowed for non-local host %q", dbHost)
		}
	}

	return nil
}

func (c *Config) validateNetwork() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid integer: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	// Validate LISTEN_HOST is a known-safe address. Allow loopback addresses
	// for local deployments and 0.0.0.0/:: for containerized deployments where
	// the network boundary is enforced externally (e.g. Docker, Kubernetes).
	validHosts := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   true,
		"::":        true,
	}
	if !validHosts[c.ListenHost] {
		return fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost)
	}

	return nil
}

func (c *Config) validateSigning() error {
	switch c.Signing.Mode {
	case "local":
		if c.Signing.Strict {
			return fmt.Errorf("SIGNING_STRICT has no meaning when SIGNING_MODE is local")
		}
	case "remote":
		if c.Signing.KMSEndpoint == "" {
			return fmt.Errorf("KMS_ENDPOINT is required when SIGNING_MODE is remote")
		}
		if !isLocalhost(c.Signing.KMSEndpoint) && !strings.HasPrefix(c.Signing.KMSEndpoint, "https://") {
			return fmt.Errorf("KMS_ENDPOINT must use HTTPS for non-localhost connections")
		}
		if c.Signing.KMSTimeout <= 0 {
			return fmt.Errorf("KMS_TIMEOUT must be positive")
		}
		if c.Signing.KMSAttempts < 1 {
			return fmt.Errorf("KMS_ATTEMPTS must be at least 1")
		}
		if (c.Signing.KMSClientCert == "") != (c.Signing.KMSClientKey == "") {
			return fmt.Errorf("KMS_CLIENT_CERT and KMS_CLIENT_KEY must be set together")
		}
	default:
		return fmt.Errorf("SIGNING_MODE must be 'local' or 'remote', got %q", c.Signing.Mode)
	}

	if c.Signing.SignerID == "" {
		return fmt.Errorf("SIGNING_SIGNER_ID must not be empty")
	}

	return nil
}

func (c *Config) validateStream() error {
	if !c.Stream.Enabled {
		return nil
	}

	if c.Stream.Brokers == "" {
		return fmt.Errorf("KAFKA_BROKERS is required when STREAM_ENABLED is true")
	}
	if c.Stream.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when STREAM_ENABLED is true")
	}
	if c.Stream.BatchSize < 1 || c.Stream.BatchSize > 1000 {
		return fmt.Errorf("STREAM_BATCH_SIZE must be an integer between 1 and 1000")
	}

	return nil
}

// isLocalhost returns true if the given address points to a loopback address.
func isLocalhost(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
