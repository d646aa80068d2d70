package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// RequestIDKey is the gin context key holding the request ID.
	RequestIDKey = "request_id"

	// RequestIDHeader propagates the request ID to callers.
	RequestIDHeader = "X-Request-ID"
)

// RequestID assigns every request a fresh server-side UUID and echoes it in
// the response header. A client-supplied X-Request-ID is logged for
// correlation but never trusted as the canonical ID.
func RequestID(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()

		if clientID := c.GetHeader(RequestIDHeader); clientID != "" {
			log.WithFields(logrus.Fields{
				"request_id":        id,
				"client_request_id": clientID,
			}).Debug("mapped client request ID")
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
