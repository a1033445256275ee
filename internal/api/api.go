// Package api exposes the engine over HTTP: job submission and polling,
// dead-letter inspection, the stats JSON mirror, Prometheus scrape and health.
package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_notify/internal/auth"
	"github.com/austindbirch/harbor_notify/internal/dlq"
	"github.com/austindbirch/harbor_notify/internal/health"
	"github.com/austindbirch/harbor_notify/internal/job"
	"github.com/austindbirch/harbor_notify/internal/logging"
	"github.com/austindbirch/harbor_notify/internal/metrics"
	"github.com/austindbirch/harbor_notify/internal/store"
	"github.com/austindbirch/harbor_notify/internal/tracing"
)

const IdempotencyHeader = "Idempotency-Key"

// Service is the engine surface the handlers need.
type Service interface {
	Submit(ctx context.Context, key string, req job.Request) (job.Job, bool, error)
	Status(ctx context.Context, jobID string) (job.Job, error)
	Stats(ctx context.Context) (dlq.Stats, error)
	DeadLetters(ctx context.Context, f dlq.Filter) ([]dlq.Record, error)
	ResolveDeadLetter(ctx context.Context, id, by string) error
}

type Options struct {
	Validator auth.Validator      // nil disables token checks
	Metrics   *metrics.Metrics    // optional
	Gatherer  prometheus.Gatherer // serves /metrics when set
	DB        health.Pinger
	Directory health.Pinger
	Logger    *logging.Logger
}

type handler struct {
	svc     Service
	metrics *metrics.Metrics
	log     *logging.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc Service, opts Options) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	h := &handler{svc: svc, metrics: opts.Metrics, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), h.observe())

	r.GET("/healthz", gin.WrapF(health.HTTPHandler(opts.DB, opts.Directory)))
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1", auth.Middleware(opts.Validator))
	v1.POST("/jobs", h.submit)
	v1.GET("/jobs/:id", h.status)
	v1.GET("/dlq", h.listDeadLetters)
	v1.POST("/dlq/:id/resolve", h.resolveDeadLetter)
	v1.GET("/stats", h.stats)
	return r
}

// observe traces each request and tracks the active request gauge.
func (h *handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.metrics.IncActiveRequests()
		defer h.metrics.DecActiveRequests()

		carrier := map[string]string{}
		for _, k := range []string{"traceparent", "tracestate"} {
			if v := c.GetHeader(k); v != "" {
				carrier[k] = v
			}
		}
		ctx := tracing.ExtractHeaders(c.Request.Context(), carrier)
		ctx, span := tracing.StartSpan(ctx, "http "+c.Request.Method+" "+c.FullPath(),
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))

		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		h.log.WithContext(ctx).WithFields(map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	}
}

type submitResponse struct {
	JobID   string     `json:"jobId"`
	Status  job.Status `json:"status"`
	Created bool       `json:"created"`
}

func (h *handler) submit(c *gin.Context) {
	var req job.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	key := ""
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		key = strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	}
	if op, ok := auth.OperatorFromContext(c.Request.Context()); ok {
		req.CreatedBy = op
	}

	j, created, err := h.svc.Submit(c.Request.Context(), key, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, submitResponse{JobID: j.ID, Status: j.Status, Created: created})
}

type statusResponse struct {
	JobID       string      `json:"jobId"`
	Variant     job.Variant `json:"variant"`
	Kind        job.Kind    `json:"kind"`
	Status      job.Status  `json:"status"`
	TargetCount int         `json:"targetCount"`
	SentCount   int         `json:"sentCount"`
	FailedCount int         `json:"failedCount"`
	Progress    float64     `json:"progress"`
	LastError   string      `json:"lastError,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

func (h *handler) status(c *gin.Context) {
	j, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		JobID:       j.ID,
		Variant:     j.Variant,
		Kind:        j.Kind,
		Status:      j.Status,
		TargetCount: j.TargetCount,
		SentCount:   j.SentCount,
		FailedCount: j.FailedCount,
		Progress:    j.Progress(),
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	})
}

func (h *handler) listDeadLetters(c *gin.Context) {
	f := dlq.Filter{JobID: c.Query("jobId")}
	if v := c.Query("unresolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unresolved must be a boolean", "field": "unresolved"})
			return
		}
		f.UnresolvedOnly = b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer", "field": "limit"})
			return
		}
		f.Limit = n
	}

	items, err := h.svc.DeadLetters(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (h *handler) resolveDeadLetter(c *gin.Context) {
	by, ok := auth.OperatorFromContext(c.Request.Context())
	if !ok {
		by = "anonymous"
	}
	id := c.Param("id")
	if err := h.svc.ResolveDeadLetter(c.Request.Context(), id, by); err != nil {
		h.writeError(c, err)
		return
	}
	h.log.WithContext(c.Request.Context()).WithFields(map[string]any{
		"dead_letter_id": id,
		"resolved_by":    by,
	}).Info("dead letter resolved")
	c.JSON(http.StatusOK, gin.H{"id": id, "resolved": true, "resolvedBy": by})
}

type statsResponse struct {
	dlq.Stats
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
}

func (h *handler) stats(c *gin.Context) {
	st, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.log.WithContext(c.Request.Context()).WithError(err).Error("stats failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, statsResponse{
		Stats:         st,
		UptimeSeconds: h.metrics.UptimeSeconds(),
		Goroutines:    runtime.NumGoroutine(),
	})
}

func (h *handler) writeError(c *gin.Context, err error) {
	var verr *job.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, dlq.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrUnavailable):
		h.log.WithContext(c.Request.Context()).WithError(err).Error("store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	default:
		h.log.WithContext(c.Request.Context()).WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
