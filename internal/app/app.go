// Package app assembles the pieces both binaries share: the migrated store,
// the notifier and the queue processor, all built from config.Config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/config"
	"github.com/tbourn/go-payment-queue/internal/gateway"
	"github.com/tbourn/go-payment-queue/internal/notify"
	"github.com/tbourn/go-payment-queue/internal/repo"
	"github.com/tbourn/go-payment-queue/internal/retry"
	"github.com/tbourn/go-payment-queue/internal/services"
)

// OpenStore opens the configured database and migrates the schema.
func OpenStore(cfg config.Config) (*gorm.DB, error) {
	db, err := repo.Open(cfg.DB, cfg.OTEL.Enabled)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NewNotifier returns the completion notifier, or nil when notifications are
// off. Without NOTIFY_WEBHOOK_URL messages only go to the log.
func NewNotifier(cfg config.Config) services.Notifier {
	if !cfg.Queue.NotifyOnCompletion {
		return nil
	}
	var sender notify.Sender = notify.LogSender{}
	if cfg.NotifyWebhookURL != "" {
		sender = notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.Gateway.Timeout)
	}
	return notify.NewDispatcher(sender)
}

// NewProcessor builds a QueueProcessor that submits to the configured gateway.
func NewProcessor(db *gorm.DB, cfg config.Config, notifier services.Notifier) *services.QueueProcessor {
	client := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.AccessToken, cfg.Gateway.Timeout)

	p := services.NewQueueProcessor(db, client, notifier)
	p.Retry = retry.Config{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   cfg.Retry.Multiplier,
	}
	if cfg.Queue.BatchSize > 0 {
		p.BatchSize = cfg.Queue.BatchSize
	}
	p.JobTimeout = cfg.Queue.JobTimeout
	p.ProcessingTimeout = cfg.Queue.ProcessingTimeout
	return p
}

// PurgeResult reports how many housekeeping rows Purge removed.
type PurgeResult struct {
	Idempotency int64 `json:"idempotency"`
	RateWindows int64 `json:"rate_windows"`
}

// Purge deletes expired idempotency records and rate-limit windows that can
// no longer be current.
func Purge(ctx context.Context, db *gorm.DB, cfg config.Config, now time.Time) (PurgeResult, error) {
	var res PurgeResult
	n, err := repo.PurgeExpiredIdempotency(ctx, db, now)
	if err != nil {
		return res, fmt.Errorf("purge idempotency: %w", err)
	}
	res.Idempotency = n

	n, err = repo.PurgeWindowsBefore(ctx, db, now.Add(-cfg.PaymentRate.Window))
	if err != nil {
		return res, fmt.Errorf("purge rate windows: %w", err)
	}
	res.RateWindows = n

	log.Info().Int64("idempotency", res.Idempotency).Int64("rate_windows", res.RateWindows).Msg("purged expired rows")
	return res, nil
}
