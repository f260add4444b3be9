// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Two rate limits apply to payment creation: the in-memory token bucket at
// the edge (every route) and the durable per-owner window inside
// PaymentService (POST /payments only).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/config"
	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/http/handlers"
	"github.com/tbourn/go-payment-queue/internal/http/middleware"
	"github.com/tbourn/go-payment-queue/internal/ratelimit"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/services"
)

// jobRepoShim adapts the repository free functions to the services.JobRepo
// interface expected by PaymentService.
type jobRepoShim struct{}

// EnqueueJob proxies repo.EnqueueJob.
func (jobRepoShim) EnqueueJob(ctx context.Context, db *gorm.DB, p repo.EnqueueParams) (*domain.PaymentJob, error) {
	return repo.EnqueueJob(ctx, db, p)
}

// GetJobForOwner proxies repo.GetJobForOwner.
func (jobRepoShim) GetJobForOwner(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.PaymentJob, error) {
	return repo.GetJobForOwner(ctx, db, id, ownerID)
}

// CountJobs proxies repo.CountJobs (pagination support).
func (jobRepoShim) CountJobs(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus) (int64, error) {
	return repo.CountJobs(ctx, db, ownerID, status)
}

// ListJobsPage proxies repo.ListJobsPage (pagination support).
func (jobRepoShim) ListJobsPage(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus, offset, limit int) ([]domain.PaymentJob, error) {
	return repo.ListJobsPage(ctx, db, ownerID, status, offset, limit)
}

// GetIdempotency proxies repo.GetIdempotency.
func (jobRepoShim) GetIdempotency(ctx context.Context, db *gorm.DB, ownerID, key string, now time.Time) (*domain.Idempotency, error) {
	return repo.GetIdempotency(ctx, db, ownerID, key, now)
}

// CreateIdempotency proxies repo.CreateIdempotency.
func (jobRepoShim) CreateIdempotency(ctx context.Context, db *gorm.DB, ownerID, key, jobID string, status int, ttl time.Duration, now time.Time) (*domain.Idempotency, error) {
	return repo.CreateIdempotency(ctx, db, ownerID, key, jobID, status, ttl, now)
}

// NewPaymentService builds the PaymentService used by the API. Zero values in
// cfg keep the service defaults.
func NewPaymentService(db *gorm.DB, cfg config.Config) *services.PaymentService {
	svc := services.NewPaymentService(db, jobRepoShim{}, ratelimit.New(ratelimit.GormStore{DB: db}))
	if cfg.PaymentRate.MaxRequests > 0 {
		svc.RateMax = cfg.PaymentRate.MaxRequests
	}
	if cfg.PaymentRate.Window > 0 {
		svc.RateWindow = cfg.PaymentRate.Window
	}
	if cfg.Queue.JobMaxAttempts > 0 {
		svc.JobMaxAttempts = cfg.Queue.JobMaxAttempts
	}
	if cfg.IdempotencyTTL > 0 {
		svc.IdempotencyTTL = cfg.IdempotencyTTL
	}
	return svc
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. queue serves the operator endpoints; it is usually the process's
// QueueProcessor.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Owner: resolve the caller identity once
//  4. RedactingLogger: structured logs with PII scrubbing
//  5. Recovery: capture panics after logger
//  6. Body size limiter
//  7. Metrics
//  8. Idempotency validator (before rate limiter to allow bypass on replay)
//  9. Rate limiter (per owner/IP, bypass on replay)
//  10. CORS, security headers, gzip
func RegisterRoutes(r *gin.Engine, db *gorm.DB, queue handlers.QueueService, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Owner())
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{"X-Api-Key"},
	}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(64 << 10))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{MaxLen: 128},
		func(ctx context.Context, ownerID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, ownerID, key, now)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return rec != nil, nil
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByOwnerOrIP())
	r.Use(rl.Handler())

	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderOwnerID, middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "Location", "ETag", "Retry-After", "Idempotent-Replayed"}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Payment responses carry Pix codes; never cache them.
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true,
		EnablePolicy: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", health(db))

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(NewPaymentService(db, cfg), queue)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.POST("/payments", h.CreatePayment)
		api.GET("/payments", h.ListPayments)
		api.GET("/payments/:id", h.GetPayment)

		api.POST("/queue/process", h.ProcessQueue)
		api.POST("/queue/sweep", h.SweepQueue)
		api.GET("/queue/stats", h.QueueStats)
	}
}

// health reports ok when the database answers a ping within a second.
func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// limitBody caps the request body at maxBytes; larger bodies fail to decode.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
