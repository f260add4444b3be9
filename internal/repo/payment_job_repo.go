// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file is the payment queue store: it persists
// PaymentJob rows and performs every status transition of the queue.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Transitions:
//
//	EnqueueJob          -> pending
//	ClaimPending        pending -> processing (attempts+1, processed_at=now)
//	MarkCompleted       processing -> completed
//	MarkFailed          processing -> failed | pending
//	ResetStaleProcessing processing (timed out) -> pending | failed
//
// Every transition out of a given status is a compare-and-set on that status,
// so two processors can never both own the same job.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-payment-queue/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrNotClaimed is returned when a completion or failure is reported for a
// job that is no longer in the processing state (e.g. it was swept).
var ErrNotClaimed = errors.New("job is not in processing state")

// staleTimeoutError is recorded on jobs that exhaust their budget while stuck.
const staleTimeoutError = "processing timed out"

// EnqueueParams describes a new payment job.
type EnqueueParams struct {
	OwnerID     string
	PaymentType domain.PaymentType
	Amount      decimal.Decimal
	Payload     []byte
	MaxAttempts int // <= 0 uses domain.DefaultMaxAttempts
}

// EnqueueJob inserts a pending job with zero attempts and a freshly generated
// idempotency key. The key is never regenerated for this job.
func EnqueueJob(ctx context.Context, db *gorm.DB, p EnqueueParams) (*domain.PaymentJob, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	now := time.Now().UTC()
	job := &domain.PaymentJob{
		ID:             uuid.NewString(),
		OwnerID:        p.OwnerID,
		PaymentType:    p.PaymentType,
		Amount:         p.Amount,
		PaymentPayload: datatypes.JSON(p.Payload),
		IdempotencyKey: uuid.NewString(),
		Status:         domain.JobStatusPending,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimPending returns up to limit pending jobs that still have attempts
// left, oldest first, after moving each of them to processing with
// attempts+1 and processed_at=now.
//
// Each row is claimed with a conditional UPDATE on status='pending'; a row
// another processor claimed first is skipped, so concurrent calls never
// return the same job. On Postgres the candidate scan also takes
// FOR UPDATE SKIP LOCKED inside a transaction to avoid contention.
func ClaimPending(ctx context.Context, db *gorm.DB, limit int, now time.Time) ([]domain.PaymentJob, error) {
	if limit <= 0 {
		return []domain.PaymentJob{}, nil
	}
	now = now.UTC()

	if isPostgres(db) {
		var out []domain.PaymentJob
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			out, err = claimPending(tx, limit, now, true)
			return err
		})
		return out, err
	}
	return claimPending(db.WithContext(ctx), limit, now, false)
}

func claimPending(db *gorm.DB, limit int, now time.Time, lock bool) ([]domain.PaymentJob, error) {
	q := db.Where("status = ? AND attempts < max_attempts", domain.JobStatusPending).
		Order("created_at ASC, id ASC").
		Limit(limit)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}

	var candidates []domain.PaymentJob
	if err := q.Find(&candidates).Error; err != nil {
		return nil, err
	}

	claimed := make([]domain.PaymentJob, 0, len(candidates))
	for _, job := range candidates {
		res := db.Model(&domain.PaymentJob{}).
			Where("id = ? AND status = ? AND attempts < max_attempts", job.ID, domain.JobStatusPending).
			Updates(map[string]any{
				"status":       domain.JobStatusProcessing,
				"attempts":     gorm.Expr("attempts + 1"),
				"processed_at": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue // lost the race
		}
		processedAt := now
		job.Status = domain.JobStatusProcessing
		job.Attempts++
		job.ProcessedAt = &processedAt
		job.UpdatedAt = now
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// GatewayResult is what a successful gateway submission reports back.
type GatewayResult struct {
	PaymentID    string
	Status       string
	StatusDetail string
	QRCode       string
	QRCodeBase64 string
	TicketURL    string
}

// MarkCompleted moves a processing job to completed, stores the gateway
// outcome and clears last_error. attempts is the job's attempt count as
// claimed; a job that was swept and claimed again since then is left alone
// and ErrNotClaimed is returned.
func MarkCompleted(ctx context.Context, db *gorm.DB, id string, attempts int, res GatewayResult, now time.Time) error {
	now = now.UTC()
	r := db.WithContext(ctx).Model(&domain.PaymentJob{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.JobStatusProcessing, attempts).
		Updates(map[string]any{
			"status":                domain.JobStatusCompleted,
			"completed_at":          now,
			"updated_at":            now,
			"last_error":            nil,
			"gateway_payment_id":    res.PaymentID,
			"gateway_status":        res.Status,
			"gateway_status_detail": nullable(res.StatusDetail),
			"qr_code":               nullable(res.QRCode),
			"qr_code_base64":        nullable(res.QRCodeBase64),
			"ticket_url":            nullable(res.TicketURL),
		})
	if r.Error != nil {
		return r.Error
	}
	if r.RowsAffected == 0 {
		return claimMiss(ctx, db, id)
	}
	return nil
}

// MarkFailed records errMsg on a processing job. The job becomes failed when
// terminal is set or its attempts are used up; otherwise it goes back to
// pending for another claim. The resulting status is returned. attempts
// guards against a newer claim the same way as in MarkCompleted.
func MarkFailed(ctx context.Context, db *gorm.DB, id string, attempts int, errMsg string, terminal bool, now time.Time) (domain.JobStatus, error) {
	now = now.UTC()

	var job domain.PaymentJob
	if err := db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return "", err
	}
	if job.Status != domain.JobStatusProcessing || job.Attempts != attempts {
		return job.Status, ErrNotClaimed
	}

	next := domain.JobStatusPending
	updates := map[string]any{
		"last_error": errMsg,
		"updated_at": now,
	}
	if terminal || job.Exhausted() {
		next = domain.JobStatusFailed
		updates["completed_at"] = now
	}
	updates["status"] = next

	r := db.WithContext(ctx).Model(&domain.PaymentJob{}).
		Where("id = ? AND status = ? AND attempts = ?", id, domain.JobStatusProcessing, job.Attempts).
		Updates(updates)
	if r.Error != nil {
		return "", r.Error
	}
	if r.RowsAffected == 0 {
		return "", ErrNotClaimed
	}
	return next, nil
}

// ResetStaleProcessing recovers jobs stuck in processing since before
// cutoff. Jobs with attempts left return to pending; the rest fail with a
// timeout error so the attempt bound still holds.
func ResetStaleProcessing(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (requeued, failed int64, err error) {
	now = now.UTC()
	base := func() *gorm.DB {
		return db.WithContext(ctx).Model(&domain.PaymentJob{}).
			Where("status = ? AND processed_at < ?", domain.JobStatusProcessing, cutoff.UTC())
	}

	r := base().Where("attempts < max_attempts").
		Updates(map[string]any{
			"status":     domain.JobStatusPending,
			"last_error": staleTimeoutError,
			"updated_at": now,
		})
	if r.Error != nil {
		return 0, 0, r.Error
	}
	requeued = r.RowsAffected

	r = base().Where("attempts >= max_attempts").
		Updates(map[string]any{
			"status":       domain.JobStatusFailed,
			"last_error":   staleTimeoutError,
			"completed_at": now,
			"updated_at":   now,
		})
	if r.Error != nil {
		return requeued, 0, r.Error
	}
	return requeued, r.RowsAffected, nil
}

// GetJob fetches a job by ID or returns ErrNotFound.
func GetJob(ctx context.Context, db *gorm.DB, id string) (*domain.PaymentJob, error) {
	var job domain.PaymentJob
	if err := db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobForOwner fetches a job by ID only if it belongs to ownerID.
func GetJobForOwner(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.PaymentJob, error) {
	var job domain.PaymentJob
	err := db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CountJobs returns how many jobs ownerID has, optionally filtered by status.
func CountJobs(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus) (int64, error) {
	var total int64
	err := ownerScope(db.WithContext(ctx).Model(&domain.PaymentJob{}), ownerID, status).
		Count(&total).Error
	return total, err
}

// ListJobsPage returns a page of ownerID's jobs, newest first.
func ListJobsPage(ctx context.Context, db *gorm.DB, ownerID string, status domain.JobStatus, offset, limit int) ([]domain.PaymentJob, error) {
	var out []domain.PaymentJob
	err := ownerScope(db.WithContext(ctx), ownerID, status).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func ownerScope(db *gorm.DB, ownerID string, status domain.JobStatus) *gorm.DB {
	q := db.Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return q
}

// claimMiss distinguishes a missing job from one that left processing.
func claimMiss(ctx context.Context, db *gorm.DB, id string) error {
	if _, err := GetJob(ctx, db, id); err != nil {
		return err
	}
	return ErrNotClaimed
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
