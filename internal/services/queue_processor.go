// Package services – QueueProcessor
//
// This file implements QueueProcessor, which drains pending payment jobs in
// batches. One RunOnce call claims up to BatchSize jobs, submits each of them
// concurrently through the retry policy, and records the outcome:
//
//	success                          -> completed (owner notified, best effort)
//	terminal error or attempts spent -> failed
//	otherwise                        -> pending, eligible for the next batch
//
// A job's failure never affects the other jobs of its batch. RunOnce holds no
// state between calls; Run merely drives it from a ticker.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/gateway"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/retry"
	"github.com/tbourn/go-payment-queue/internal/utils"
)

// maxLastError bounds the error text stored on a job.
const maxLastError = 1000

// Submitter sends one job to the payment gateway, once.
type Submitter interface {
	Submit(ctx context.Context, job *domain.PaymentJob) (*gateway.Response, error)
}

// Notifier delivers a best-effort message to a payment owner.
type Notifier interface {
	Notify(ctx context.Context, ownerID, title, body string) error
}

// BatchResult summarizes one RunOnce call.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	// Errors counts jobs whose outcome could not be recorded.
	Errors int `json:"errors"`
}

// SweepResult summarizes one Sweep call.
type SweepResult struct {
	Requeued int64 `json:"requeued"`
	Failed   int64 `json:"failed"`
}

// QueueProcessor claims and submits payment jobs.
type QueueProcessor struct {
	DB        *gorm.DB
	Submitter Submitter
	Notifier  Notifier // nil disables notifications

	Retry     retry.Config
	BatchSize int
	// JobTimeout bounds one job including its retries; 0 means no bound.
	JobTimeout time.Duration
	// ProcessingTimeout is how long a job may stay processing before Sweep
	// recovers it; 0 disables the sweep.
	ProcessingTimeout time.Duration

	Now func() time.Time

	running sync.Mutex
}

// NewQueueProcessor returns a processor with a batch size of 5 and the
// default retry policy.
func NewQueueProcessor(db *gorm.DB, submitter Submitter, notifier Notifier) *QueueProcessor {
	return &QueueProcessor{
		DB:        db,
		Submitter: submitter,
		Notifier:  notifier,
		Retry:     retry.DefaultConfig(),
		BatchSize: 5,
		Now:       time.Now,
	}
}

// RunOnce processes one batch. The error is non-nil only when the batch
// could not start (e.g. the claim failed); per-job problems are reported in
// the result and the log.
func (p *QueueProcessor) RunOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult

	if !p.running.TryLock() {
		return res, ErrProcessorBusy
	}
	defer p.running.Unlock()

	ctx, span := otel.Tracer("services/QueueProcessor").Start(ctx, "RunOnce",
		trace.WithAttributes(attribute.Int("batch.size", p.batchSize())),
	)
	defer span.End()

	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	jobs, err := repo.ClaimPending(ctx, p.DB, p.batchSize(), p.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return res, fmt.Errorf("claim pending jobs: %w", err)
	}
	res.Claimed = len(jobs)
	span.SetAttributes(attribute.Int("batch.claimed", res.Claimed))
	if len(jobs) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	for i := range jobs {
		job := &jobs[i]
		g.Go(func() error {
			outcome := p.process(ctx, job)
			jobsProcessed.WithLabelValues(outcome).Inc()
			mu.Lock()
			switch outcome {
			case "completed":
				res.Completed++
			case "failed":
				res.Failed++
			case "requeued":
				res.Requeued++
			default:
				res.Errors++
			}
			mu.Unlock()
			return nil // never cancel siblings
		})
	}
	_ = g.Wait()

	log.Info().
		Int("claimed", res.Claimed).
		Int("completed", res.Completed).
		Int("failed", res.Failed).
		Int("requeued", res.Requeued).
		Int("errors", res.Errors).
		Dur("took", time.Since(start)).
		Msg("queue batch processed")
	return res, nil
}

// process submits one claimed job and records the outcome. It returns one of
// "completed", "failed", "requeued" or "error".
func (p *QueueProcessor) process(ctx context.Context, job *domain.PaymentJob) string {
	ctx, span := otel.Tracer("services/QueueProcessor").Start(ctx, "process",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.Int("job.attempt", job.Attempts),
			attribute.Int("job.max_attempts", job.MaxAttempts),
		),
	)
	defer span.End()

	lg := log.With().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Int("attempt", job.Attempts).
		Logger()

	// Outcomes are recorded even if the caller went away mid-submit.
	storeCtx := context.WithoutCancel(ctx)

	submitCtx := ctx
	if p.JobTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, p.JobTimeout)
		defer cancel()
	}

	cfg := p.Retry
	classify := cfg.Retryable
	if classify == nil {
		classify = retry.IsRetryable
	}
	cfg.OnRetry = func(call int, err error, delay time.Duration) {
		lg.Warn().Err(err).Int("call", call).Dur("backoff", delay).Msg("gateway call failed; retrying")
	}

	resp, err := retry.Do(submitCtx, cfg, func(ctx context.Context) (*gateway.Response, error) {
		r, err := p.Submitter.Submit(ctx, job)
		switch {
		case err == nil:
			gatewayCalls.WithLabelValues("ok").Inc()
		case classify(err):
			gatewayCalls.WithLabelValues("retryable").Inc()
		default:
			gatewayCalls.WithLabelValues("terminal").Inc()
		}
		return r, err
	})

	if err == nil {
		result := repo.GatewayResult{
			PaymentID:    resp.ID,
			Status:       resp.Status,
			StatusDetail: resp.StatusDetail,
			QRCode:       resp.QRCode,
			QRCodeBase64: resp.QRCodeBase64,
			TicketURL:    resp.TicketURL,
		}
		if merr := repo.MarkCompleted(storeCtx, p.DB, job.ID, job.Attempts, result, p.now()); merr != nil {
			span.RecordError(merr)
			lg.Error().Err(merr).Str("gateway_payment_id", resp.ID).Msg("could not mark job completed")
			return "error"
		}
		span.SetAttributes(attribute.String("gateway.payment_id", resp.ID))
		lg.Info().Str("gateway_payment_id", resp.ID).Str("gateway_status", resp.Status).Msg("payment job completed")
		p.notify(storeCtx, job, resp)
		return "completed"
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "submit failed")

	terminal := !classify(err) || job.Attempts >= job.MaxAttempts
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown, not a verdict on the payment.
		terminal = job.Attempts >= job.MaxAttempts
	}

	status, merr := repo.MarkFailed(storeCtx, p.DB, job.ID, job.Attempts, utils.Truncate(err.Error(), maxLastError), terminal, p.now())
	if merr != nil {
		lg.Error().Err(merr).AnErr("submit_error", err).Msg("could not record job failure")
		return "error"
	}
	if status == domain.JobStatusFailed {
		lg.Warn().Err(err).Bool("terminal_error", !classify(err)).Msg("payment job failed")
		return "failed"
	}
	lg.Warn().Err(err).Msg("payment job requeued")
	return "requeued"
}

func (p *QueueProcessor) notify(ctx context.Context, job *domain.PaymentJob, resp *gateway.Response) {
	if p.Notifier == nil {
		return
	}
	title, body := notificationText(job, resp)
	if err := p.Notifier.Notify(ctx, job.OwnerID, title, body); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("payment notification not delivered")
	}
}

func notificationText(job *domain.PaymentJob, resp *gateway.Response) (string, string) {
	amount := "R$ " + job.Amount.StringFixed(2)
	switch resp.Status {
	case gateway.StatusApproved:
		return "Payment approved", fmt.Sprintf("Your %s payment of %s was approved.", job.PaymentType, amount)
	case gateway.StatusRejected, gateway.StatusCancelled:
		return "Payment not completed", fmt.Sprintf("Your %s payment of %s was %s.", job.PaymentType, amount, resp.Status)
	default:
		if job.PaymentType == domain.PaymentTypePix {
			return "Pix ready", fmt.Sprintf("Your Pix code for %s is ready to pay.", amount)
		}
		return "Payment received", fmt.Sprintf("Your %s payment of %s is being processed.", job.PaymentType, amount)
	}
}

// Sweep recovers jobs stuck in processing for longer than ProcessingTimeout.
// It does nothing when the timeout is 0.
func (p *QueueProcessor) Sweep(ctx context.Context) (SweepResult, error) {
	if p.ProcessingTimeout <= 0 {
		return SweepResult{}, nil
	}
	ctx, span := otel.Tracer("services/QueueProcessor").Start(ctx, "Sweep")
	defer span.End()

	now := p.now()
	requeued, failed, err := repo.ResetStaleProcessing(ctx, p.DB, now.Add(-p.ProcessingTimeout), now)
	if err != nil {
		span.RecordError(err)
		return SweepResult{}, err
	}
	if requeued > 0 || failed > 0 {
		log.Warn().Int64("requeued", requeued).Int64("failed", failed).Msg("recovered stale processing jobs")
	}
	return SweepResult{Requeued: requeued, Failed: failed}, nil
}

// Stats returns the number of jobs in each status.
func (p *QueueProcessor) Stats(ctx context.Context) (map[domain.JobStatus]int64, error) {
	return repo.QueueDepth(ctx, p.DB)
}

// Run sweeps and processes one batch every interval until ctx is done.
// Errors are logged; the loop keeps going.
func (p *QueueProcessor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("stale sweep failed")
			}
			if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrProcessorBusy) {
				log.Error().Err(err).Msg("queue batch failed")
			}
		}
	}
}

func (p *QueueProcessor) batchSize() int {
	if p.BatchSize <= 0 {
		return 5
	}
	return p.BatchSize
}

func (p *QueueProcessor) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

