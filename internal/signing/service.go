package signing

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/metrics"
)

// Service applies the fallback policy around a primary provider.
//
// In strict mode a primary failure is fatal: the error propagates as
// ErrSigningBackendUnavailable and nothing is signed. With strict mode off,
// the local signer takes over and the result is flagged so the ledger can
// record the fallback as an audit event of its own.
type Service struct {
	primary  Provider
	fallback *Local
	strict   bool
	log      *logrus.Logger
}

// NewService wires a primary provider with an optional local fallback.
// fallback may be nil, which forces strict behavior regardless of the flag.
func NewService(primary Provider, fallback *Local, strict bool, log *logrus.Logger) *Service {
	return &Service{primary: primary, fallback: fallback, strict: strict, log: log}
}

// Sign signs the digest through the primary provider, falling back to the
// local signer when policy allows.
func (s *Service) Sign(ctx context.Context, digest []byte) (Result, error) {
	res, err := s.primary.Sign(ctx, digest)
	if err == nil {
		return res, nil
	}

	if s.strict || s.fallback == nil || s.fallback == s.primary {
		return Result{}, err
	}

	s.log.WithError(err).WithField("fallback_signer", s.fallback.SignerID()).
		Warn("remote signing failed, falling back to local signer")
	metrics.SigningFallbacks.Inc()

	res, ferr := s.fallback.Sign(ctx, digest)
	if ferr != nil {
		return Result{}, ferr
	}
	res.Fallback = true
	return res, nil
}

// SignerID returns the primary provider's signer id.
func (s *Service) SignerID() string { return s.primary.SignerID() }

// Algorithm returns the primary provider's algorithm.
func (s *Service) Algorithm() string { return s.primary.Algorithm() }

// PublicKey returns the primary provider's public key, if exposed.
func (s *Service) PublicKey() []byte { return s.primary.PublicKey() }

// Fallback returns the local fallback signer, or nil when none is configured.
func (s *Service) Fallback() *Local { return s.fallback }

var (
	_ Provider = (*Service)(nil)
	_ Provider = (*Local)(nil)
	_ Provider = (*Remote)(nil)
)
