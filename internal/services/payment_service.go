// Package services – PaymentService
//
// This file implements PaymentService, which accepts payment intents from
// callers, enforces the per-owner creation rate limit, validates and
// normalizes the gateway request body, and enqueues it as a pending job.
// Nothing here talks to the gateway; QueueProcessor does that later.
//
// Observability: public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/ratelimit"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/utils"
)

// CreatePaymentEndpoint is the rate-limit endpoint name for payment creation.
const CreatePaymentEndpoint = "payments.create"

// JobRepo defines the repository contract required by PaymentService.
type JobRepo interface {
	// EnqueueJob inserts a pending job with a fresh gateway idempotency key.
	EnqueueJob(ctx context.Context, db *gorm.DB, p repo.EnqueueParams) (*domain.PaymentJob, error)

	// GetJobForOwner fetches a job by ID ensuring it belongs to the owner.
	GetJobForOwner(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.PaymentJob, error)

	// CountJobs returns the owner's job count, optionally filtered by status.
	CountJobs(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus) (int64, error)

	// ListJobsPage returns a page of the owner's jobs, newest first.
	ListJobsPage(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus, offset, limit int) ([]domain.PaymentJob, error)

	// GetIdempotency resolves a client Idempotency-Key to a prior job.
	GetIdempotency(ctx context.Context, db *gorm.DB, ownerID, key string, now time.Time) (*domain.Idempotency, error)

	// CreateIdempotency remembers which job a client key produced.
	CreateIdempotency(ctx context.Context, db *gorm.DB, ownerID, key, jobID string, status int, ttl time.Duration, now time.Time) (*domain.Idempotency, error)
}

// RateLimiter admits or rejects one request for (identifier, endpoint).
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, identifier, endpoint string, maxRequests int, window time.Duration) ratelimit.Decision
}

// CreatePaymentInput is one payment intent.
type CreatePaymentInput struct {
	PaymentType domain.PaymentType
	Payment     domain.PaymentRequest

	// IdempotencyKey is the optional client-supplied key; a repeated key
	// returns the job created by the first request.
	IdempotencyKey string
}

// PaymentService creates payment jobs and answers status queries.
type PaymentService struct {
	DB      *gorm.DB
	Repo    JobRepo
	Limiter RateLimiter // nil disables rate limiting

	RateMax        int
	RateWindow     time.Duration
	JobMaxAttempts int
	IdempotencyTTL time.Duration
	NameLocale     language.Tag

	Now func() time.Time

	validateOnce sync.Once
	validate     *validator.Validate
}

// NewPaymentService constructs a PaymentService with defaults matching the
// configuration defaults: 10 creations per minute, 3 attempts per job.
func NewPaymentService(db *gorm.DB, r JobRepo, limiter RateLimiter) *PaymentService {
	return &PaymentService{
		DB:             db,
		Repo:           r,
		Limiter:        limiter,
		RateMax:        10,
		RateWindow:     time.Minute,
		JobMaxAttempts: domain.DefaultMaxAttempts,
		IdempotencyTTL: 24 * time.Hour,
		NameLocale:     language.BrazilianPortuguese,
		Now:            time.Now,
	}
}

// Create validates in and enqueues it for ownerID. The boolean result is true
// when the call replayed an earlier request with the same idempotency key.
//
// Errors: *RateLimitedError when the owner is over budget (checked before
// validation, nothing is created), *ValidationError for bad input.
func (s *PaymentService) Create(ctx context.Context, ownerID string, in CreatePaymentInput) (*domain.PaymentJob, bool, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "Create",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.String("payment.type", string(in.PaymentType)),
		),
	)
	defer span.End()

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if job, ok := s.replay(ctx, ownerID, key); ok {
			span.SetAttributes(attribute.Bool("idempotent.replay", true))
			return job, true, nil
		}
	}

	if s.Limiter != nil {
		d := s.Limiter.CheckAndConsume(ctx, ownerID, CreatePaymentEndpoint, s.RateMax, s.RateWindow)
		if !d.Allowed {
			return nil, false, &RateLimitedError{ResetAt: d.ResetAt}
		}
	}

	req, err := s.normalize(in)
	if err != nil {
		return nil, false, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}

	var (
		job    *domain.PaymentJob
		replay bool
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		j, err := s.Repo.EnqueueJob(ctx, tx, repo.EnqueueParams{
			OwnerID:     ownerID,
			PaymentType: in.PaymentType,
			Amount:      req.TransactionAmount.Decimal,
			Payload:     payload,
			MaxAttempts: s.JobMaxAttempts,
		})
		if err != nil {
			return err
		}
		if key != "" {
			if _, err := s.Repo.CreateIdempotency(ctx, tx, ownerID, key, j.ID, 201, s.IdempotencyTTL, s.now()); err != nil {
				return err
			}
		}
		job = j
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent request with the same key won; hand back its job.
		if prior, ok := s.replay(ctx, ownerID, key); ok {
			job, replay, err = prior, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	if !replay {
		jobsEnqueued.WithLabelValues(string(in.PaymentType)).Inc()
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	return job, replay, nil
}

func (s *PaymentService) replay(ctx context.Context, ownerID, key string) (*domain.PaymentJob, bool) {
	rec, err := s.Repo.GetIdempotency(ctx, s.DB, ownerID, key, s.now())
	if err != nil || rec == nil {
		return nil, false
	}
	job, err := s.Repo.GetJobForOwner(ctx, s.DB, rec.JobID, ownerID)
	if err != nil {
		return nil, false
	}
	return job, true
}

// GetStatus returns the owner's job. This is the pull API any transport can
// drive (polling, webhooks, push) to learn a job's outcome.
func (s *PaymentService) GetStatus(ctx context.Context, ownerID, jobID string) (*domain.PaymentJob, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "GetStatus",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.String("job.id", jobID),
		),
	)
	defer span.End()

	job, err := s.Repo.GetJobForOwner(ctx, s.DB, jobID, ownerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListPage returns a page of the owner's jobs and the total count. An empty
// status lists every status.
func (s *PaymentService) ListPage(ctx context.Context, ownerID string, status domain.JobStatus, page, pageSize int) ([]domain.PaymentJob, int64, error) {
	ctx, span := otel.Tracer("services/PaymentService").Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("owner.id", ownerID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	page, pageSize = utils.ClampPage(page, pageSize)
	offset := utils.Offset(page, pageSize)

	total, err := s.Repo.CountJobs(ctx, s.DB, ownerID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.PaymentJob{}, 0, nil
	}
	items, err := s.Repo.ListJobsPage(ctx, s.DB, ownerID, status, offset, pageSize)
	return items, total, err
}

// normalize validates in and returns the gateway body to store.
func (s *PaymentService) normalize(in CreatePaymentInput) (domain.PaymentRequest, error) {
	req := in.Payment
	var problems []string

	if !in.PaymentType.Valid() {
		problems = append(problems, "payment_type: must be pix or card")
	}

	req.Description = collapseSpaces(req.Description)
	req.PaymentMethodID = strings.ToLower(strings.TrimSpace(req.PaymentMethodID))
	req.Token = strings.TrimSpace(req.Token)
	req.Payer.Email = strings.ToLower(strings.TrimSpace(req.Payer.Email))
	req.Payer.FirstName = s.titleName(req.Payer.FirstName)
	req.Payer.LastName = s.titleName(req.Payer.LastName)
	req.Payer.Identification.Type = strings.ToUpper(strings.TrimSpace(req.Payer.Identification.Type))
	req.Payer.Identification.Number = digitsOnly(req.Payer.Identification.Number)
	if in.PaymentType == domain.PaymentTypePix && req.PaymentMethodID == "" {
		req.PaymentMethodID = "pix"
	}

	if err := s.validator().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return req, err
		}
		for _, fe := range verrs {
			problems = append(problems, fmt.Sprintf("%s: %s", fieldPath(fe.Namespace()), fe.Tag()))
		}
	}

	amt := req.TransactionAmount.Decimal
	switch {
	case !amt.IsPositive():
		problems = append(problems, "transaction_amount: must be positive")
	case !amt.Equal(amt.Round(2)):
		problems = append(problems, "transaction_amount: at most 2 decimal places")
	case in.PaymentType.Valid() && amt.LessThan(in.PaymentType.MinAmount()):
		problems = append(problems, fmt.Sprintf("transaction_amount: minimum for %s is %s",
			in.PaymentType, in.PaymentType.MinAmount().StringFixed(2)))
	}

	switch in.PaymentType {
	case domain.PaymentTypePix:
		if req.PaymentMethodID != "pix" {
			problems = append(problems, "payment_method_id: must be pix for pix payments")
		}
		req.Token, req.IssuerID, req.Installments = "", "", 0
	case domain.PaymentTypeCard:
		if req.Token == "" {
			problems = append(problems, "token: required for card payments")
		}
		if req.PaymentMethodID == "pix" {
			problems = append(problems, "payment_method_id: card brand required for card payments")
		}
		if req.Installments == 0 {
			req.Installments = 1
		}
	}

	if len(problems) > 0 {
		return req, &ValidationError{Problems: problems}
	}
	req.TransactionAmount.Decimal = amt.Round(2)
	return req, nil
}

func (s *PaymentService) validator() *validator.Validate {
	s.validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report JSON names so problems match what the caller sent.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		s.validate = v
	})
	return s.validate
}

func (s *PaymentService) titleName(name string) string {
	name = collapseSpaces(name)
	if name == "" {
		return ""
	}
	return cases.Title(s.NameLocale).String(strings.ToLower(name))
}

func (s *PaymentService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
