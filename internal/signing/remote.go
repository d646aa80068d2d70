package signing

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/trustfabric/trustcore/internal/models"
)

// Remote delegates signing to an external KMS/HSM proxy over HTTP.
// Contract: POST {endpoint}/sign {"payload_b64": ..., "key_id": ...} returns
// {"signature_b64": ..., "signer_id": ...}.
type Remote struct {
	endpoint  string
	keyID     string
	signerID  string
	algorithm string
	client    *http.Client
	attempts  uint64
}

// RemoteConfig configures a Remote provider.
type RemoteConfig struct {
	Endpoint  string
	KeyID     string
	SignerID  string
	Algorithm string
	Timeout   time.Duration
	// Attempts bounds total tries per Sign call (first try included).
	Attempts uint64
	// Optional mTLS material: file paths to PEM cert/key and CA bundle.
	ClientCertPath string
	ClientKeyPath  string
	CAPath         string
}

type remoteSignRequest struct {
	PayloadB64 string `json:"payload_b64"`
	KeyID      string `json:"key_id,omitempty"`
}

type remoteSignResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

// NewRemote builds a Remote provider. The HTTP client enforces the configured
// timeout; every request also honors caller cancellation through ctx.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("signing/remote: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = models.AlgorithmEd25519
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Remote{
		endpoint:  endpoint,
		keyID:     cfg.KeyID,
		signerID:  cfg.SignerID,
		algorithm: cfg.Algorithm,
		attempts:  cfg.Attempts,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

func buildTLSConfig(cfg RemoteConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.ClientCertPath != "" && cfg.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("signing/remote: load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAPath != "" {
		caPEM, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("signing/remote: read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("signing/remote: parse CA bundle at %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

// Sign requests a signature from the proxy with bounded retries on transient
// failures. Any terminal failure surfaces as ErrSigningBackendUnavailable so
// callers can apply the configured fallback policy.
func (r *Remote) Sign(ctx context.Context, digest []byte) (Result, error) {
	if len(digest) == 0 {
		return Result{}, fmt.Errorf("signing/remote: empty digest")
	}

	body, err := json.Marshal(remoteSignRequest{
		PayloadB64: base64.StdEncoding.EncodeToString(digest),
		KeyID:      r.keyID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("signing/remote: marshal request: %w", err)
	}

	var resp remoteSignResponse

	backoff := retry.WithMaxRetries(r.attempts-1, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return r.signOnce(ctx, body, &resp)
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrSigningBackendUnavailable, err)
	}

	if resp.SignatureB64 == "" || resp.SignerID == "" {
		return Result{}, fmt.Errorf("%w: response missing signature or signer id",
			models.ErrSigningBackendUnavailable)
	}

	return Result{
		Signature: resp.SignatureB64,
		SignerID:  resp.SignerID,
		TS:        time.Now().UTC(),
	}, nil
}

func (r *Remote) signOnce(ctx context.Context, body []byte, out *remoteSignResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.endpoint+"/sign", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return retry.RetryableError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, 1<<20)

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(limited).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, limited)
		return retry.RetryableError(fmt.Errorf("proxy returned status %d", resp.StatusCode))
	default:
		msg, _ := io.ReadAll(limited)
		return fmt.Errorf("proxy returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// SignerID implements Provider. The proxy's signer_id response is
// authoritative; this is the configured expectation used for registration.
func (r *Remote) SignerID() string { return r.signerID }

// Algorithm implements Provider.
func (r *Remote) Algorithm() string { return r.algorithm }

// PublicKey implements Provider. Remote verification keys are distributed
// through the registry, not the proxy.
func (r *Remote) PublicKey() []byte { return nil }
