// Package ops provides the loopback HTTP listener for operators: health and
// readiness probes, Prometheus metrics, and read-only views over the chain
// and the signer registry. Mutations go through the service layer, not HTTP.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/trustfabric/trustcore/internal/db"
	"github.com/trustfabric/trustcore/internal/dbpool"
	"github.com/trustfabric/trustcore/internal/domain"
	"github.com/trustfabric/trustcore/internal/middleware"
	"github.com/trustfabric/trustcore/internal/models"
)

// RouterDeps holds all dependencies needed by the ops router.
type RouterDeps struct {
	Log      *logrus.Logger
	Pool     *dbpool.Pool
	Ledger   domain.LedgerService
	Registry domain.RegistryService
	Version  string
}

// NewRouter creates and configures the Gin engine for the ops listener.
func NewRouter(deps *RouterDeps) http.Handler {
	r := gin.New()
	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := newHandler(deps)
	r.GET("/health", h.Liveness)
	r.GET("/ready", h.Readiness)
	r.GET("/signers", h.ListSigners)
	r.GET("/chain/head", h.Head)
	r.POST("/chain/verify", h.Verify)
	r.GET("/events/:id", h.GetEvent)
	r.GET("/events", h.ListEvents)

	return r
}

type handler struct {
	log       *logrus.Logger
	pool      *dbpool.Pool
	ledger    domain.LedgerService
	registry  domain.RegistryService
	version   string
	startTime time.Time
}

func newHandler(deps *RouterDeps) *handler {
	return &handler{
		log:       deps.Log,
		pool:      deps.Pool,
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		version:   deps.Version,
		startTime: time.Now(),
	}
}

// healthResponse is the JSON payload returned by the health/liveness endpoint.
type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	SchemaVersion int     `json:"schema_version"`
	Database      string  `json:"database"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Liveness handles GET /health.
func (h *handler) Liveness(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		SchemaVersion: db.SchemaVersion(),
		Database:      "connected",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}

	// Best-effort database ping (non-fatal for liveness).
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.pool.HealthCheck(ctx); err != nil {
		resp.Database = "disconnected"
	}

	c.JSON(http.StatusOK, resp)
}

// readinessResponse is the JSON payload returned by the readiness endpoint.
type readinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Readiness handles GET /ready. Readiness requires a reachable database with
// the schema applied.
func (h *handler) Readiness(c *gin.Context) {
	checks := map[string]string{
		"database": "ok",
		"schema":   "ok",
	}
	status := "ready"
	statusCode := http.StatusOK

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.pool.HealthCheck(ctx); err != nil {
		h.log.WithError(err).Error("readiness: database health check failed")
		checks["database"] = "error"
		checks["schema"] = "unknown"
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	} else if err := h.checkSchema(ctx); err != nil {
		h.log.WithError(err).Error("readiness: schema check failed")
		checks["schema"] = "error"
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, readinessResponse{Status: status, Checks: checks})
}

// checkSchema verifies the schema by querying the audit_events table.
func (h *handler) checkSchema(ctx context.Context) error {
	var count int

	return h.pool.QueryRow(ctx, "SELECT count(*) FROM audit_events").Scan(&count)
}

// ListSigners handles GET /signers.
func (h *handler) ListSigners(c *gin.Context) {
	signers, err := h.registry.ListActive(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signers": signers})
}

// Head handles GET /chain/head: the newest event's hash and total count.
func (h *handler) Head(c *gin.Context) {
	ctx := c.Request.Context()

	var count int
	if err := h.pool.QueryRow(ctx, "SELECT count(*) FROM audit_events").Scan(&count); err != nil {
		h.fail(c, err)
		return
	}

	head := models.GenesisPrevHash
	if count > 0 {
		err := h.pool.QueryRow(ctx,
			"SELECT hash FROM audit_events ORDER BY seq DESC LIMIT 1").Scan(&head)
		if err != nil {
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"headHash": head, "count": count})
}

// Verify handles POST /chain/verify: a full synchronous chain replay.
func (h *handler) Verify(c *gin.Context) {
	result, err := h.ledger.VerifyChain(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	statusCode := http.StatusOK
	if !result.OK {
		statusCode = http.StatusConflict
	}
	c.JSON(statusCode, result)
}

// GetEvent handles GET /events/:id.
func (h *handler) GetEvent(c *gin.Context) {
	ev, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// ListEvents handles GET /events with optional event_type, limit and offset.
func (h *handler) ListEvents(c *gin.Context) {
	opts := models.EventRangeOpts{
		EventType: c.Query("event_type"),
		Limit:     parseInt(c.Query("limit"), 100),
		Offset:    parseOffset(c.Query("offset")),
	}

	events, hasMore, err := h.ledger.Range(c.Request.Context(), opts)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "has_more": hasMore})
}

func (h *handler) fail(c *gin.Context, err error) {
	h.log.WithError(err).WithField("path", c.Request.URL.Path).Error("ops request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// maxPaginationLimit caps the maximum number of items per page.
const maxPaginationLimit = 1000

// maxPaginationOffset caps the maximum offset for paginated queries.
const maxPaginationOffset = 100000

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return fallback
	}

	if v > maxPaginationLimit {
		return maxPaginationLimit
	}

	return v
}

func parseOffset(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0
	}

	if v > maxPaginationOffset {
		return maxPaginationOffset
	}

	return v
}

func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}
		if rid, exists := c.Get(middleware.RequestIDKey); exists {
			fields["request_id"] = rid
		}
		log.WithFields(fields).Info("request")
	}
}
