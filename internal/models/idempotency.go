package models

import "time"

// IdempotencyRecord makes retried mutating requests safe to resend. Key is the
// caller-supplied idempotency key; RequestHash is the hex SHA-256 of the
// canonicalized request body. ResultRef points at the AuditEvent or Proposal
// the first execution produced.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	ResultRef   string    `json:"resultRef"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}
