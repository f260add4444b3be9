// Payment HTTP handlers.
//
// This file exposes REST endpoints for payment jobs:
//   - POST /payments       (enqueue; Idempotency-Key aware)
//   - GET  /payments       (list, paginated, ETag support)
//   - GET  /payments/{id}  (status lookup)
//
// Creating a payment only enqueues it. The gateway is contacted later by the
// queue processor, and callers learn the outcome through the status lookup.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/http/middleware"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/services"
	"github.com/tbourn/go-payment-queue/internal/utils"
)

//
// Service contracts (context-aware)
//

// PaymentService defines payment operations consumed by HTTP handlers.
type PaymentService interface {
	// Create validates and enqueues a payment; replay reports an
	// idempotent repeat of an earlier request.
	Create(ctx context.Context, ownerID string, in services.CreatePaymentInput) (job *domain.PaymentJob, replay bool, err error)
	// GetStatus returns one of the owner's jobs.
	GetStatus(ctx context.Context, ownerID, jobID string) (*domain.PaymentJob, error)
	// ListPage returns a page of the owner's jobs and the total count.
	ListPage(ctx context.Context, ownerID string, status domain.JobStatus, page, pageSize int) ([]domain.PaymentJob, int64, error)
}

// QueueService defines operator operations on the payment queue.
type QueueService interface {
	RunOnce(ctx context.Context) (services.BatchResult, error)
	Sweep(ctx context.Context) (services.SweepResult, error)
	Stats(ctx context.Context) (map[domain.JobStatus]int64, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for payments and the queue.
type Handlers struct {
	paySvc   PaymentService
	queueSvc QueueService
	now      func() time.Time
}

// New constructs Handlers bound to the given services.
func New(paySvc PaymentService, queueSvc QueueService) *Handlers {
	return &Handlers{paySvc: paySvc, queueSvc: queueSvc, now: time.Now}
}

//
// DTOs
//

// CreatePaymentRequest is the JSON payload for creating a payment. The
// gateway fields sit next to payment_type.
type CreatePaymentRequest struct {
	// PaymentType selects the flow: pix or card.
	PaymentType domain.PaymentType `json:"payment_type" example:"pix"`
	domain.PaymentRequest
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListPaymentsResponse wraps a page of payment jobs.
type ListPaymentsResponse struct {
	Payments   []domain.PaymentJob `json:"payments"`
	Pagination Pagination          `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params.
func clampPagination(c *gin.Context) (page, pageSize int) {
	page = utils.AtoiDefault(c.Query("page"), 1)
	pageSize = utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	return utils.ClampPage(page, pageSize)
}

// parseStatus validates the optional status filter.
func parseStatus(raw string) (domain.JobStatus, bool) {
	s := domain.JobStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
		return s, true
	}
	return "", false
}

func (h *Handlers) failCreate(c *gin.Context, err error) {
	var verr *services.ValidationError
	var rl *services.RateLimitedError
	switch {
	case errors.As(err, &verr):
		abort(c, http.StatusBadRequest, ErrorResponse{
			Code:    ErrCodeValidation,
			Message: services.ErrValidation.Error(),
			Details: verr.Problems,
		})
	case errors.As(err, &rl):
		reset := rl.ResetAt.UTC()
		secs := int(math.Ceil(rl.RetryAfter(h.now()).Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		abort(c, http.StatusTooManyRequests, ErrorResponse{
			Code:    ErrCodeRateLimited,
			Message: "too many payment requests",
			ResetAt: &reset,
		})
	default:
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "could not enqueue payment")
	}
}

//
// Handlers
//

// CreatePayment godoc
// @ID          createPayment
// @Summary     Enqueue a payment
// @Description Validates the payment and enqueues it for submission to the gateway. The response is the pending job; poll GET /payments/{id} for the outcome. Repeating a request with the same Idempotency-Key returns the original job with 200.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "Owner ID (set by the auth proxy)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Client idempotency key"            example(order-42-attempt)
// @Param       body             body    handlers.CreatePaymentRequest  true  "Payment"
//
// @Success     201  {object}  domain.PaymentJob
// @Success     200  {object}  domain.PaymentJob       "Idempotent replay"
// @Header      201  {string}  Location                "URL of the job"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid payment"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Header      429  {integer} Retry-After             "Seconds until the window resets"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /payments [post]
func (h *Handlers) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	job, replay, err := h.paySvc.Create(c.Request.Context(), middleware.OwnerID(c), services.CreatePaymentInput{
		PaymentType:    domain.PaymentType(strings.ToLower(strings.TrimSpace(string(req.PaymentType)))),
		Payment:        req.PaymentRequest,
		IdempotencyKey: key,
	})
	if err != nil {
		h.failCreate(c, err)
		return
	}

	c.Header("Location", strings.TrimSuffix(c.FullPath(), "/")+"/"+job.ID)
	if replay {
		c.Header("Idempotent-Replayed", "true")
		ok(c, http.StatusOK, job)
		return
	}
	ok(c, http.StatusCreated, job)
}

// ListPayments godoc
// @ID          listPayments
// @Summary     List payments (paginated)
// @Description Returns a page of the owner's payment jobs, newest first. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID      header  string  false "Owner ID (set by the auth proxy)"  example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"        example(W/\"abc123\")
// @Param       status         query   string  false "Filter by status"  Enums(pending, processing, completed, failed)
// @Param       page           query   int     false "Page number"       minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListPaymentsResponse
// @Header      200  {string} ETag  "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /payments [get]
func (h *Handlers) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	owner := middleware.OwnerID(c)
	page, pageSize := clampPagination(c)
	status, valid := parseStatus(c.Query("status"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be one of pending, processing, completed, failed")
		return
	}

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.paySvc.(*services.PaymentService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.JobsStats(ctx, db, owner)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.UnixNano()
			}
			etag := fmt.Sprintf(`W/"payments:%s:%s:%d:%d:%d:%d"`, owner, status, page, pageSize, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.paySvc.ListPage(ctx, owner, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list payments")
		return
	}

	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListPaymentsResponse{
		Payments: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetPayment godoc
// @ID          getPayment
// @Summary     Get payment status
// @Description Returns one payment job with its queue status, attempts, last error and, once completed, the gateway payment id and Pix data.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "Owner ID (set by the auth proxy)"  example(user123)
// @Param       id         path    string  true  "Job ID (UUID)"  format(uuid) example(141add05-4415-4938-b5a1-17e0d3171aff)
//
// @Success     200  {object} domain.PaymentJob
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Payment not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /payments/{id} [get]
func (h *Handlers) GetPayment(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payment id must be a UUID")
		return
	}

	job, err := h.paySvc.GetStatus(c.Request.Context(), middleware.OwnerID(c), id)
	switch {
	case errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "payment not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load payment")
		return
	}
	ok(c, http.StatusOK, job)
}
