package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbourn/go-payment-queue/internal/config"
	"github.com/tbourn/go-payment-queue/internal/domain"
	"github.com/tbourn/go-payment-queue/internal/gateway"
	"github.com/tbourn/go-payment-queue/internal/notify"
	"github.com/tbourn/go-payment-queue/internal/repo"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DB:          config.DBConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "payqueue.db")},
		PaymentRate: config.PaymentRateConfig{MaxRequests: 10, Window: time.Minute},
		Retry:       config.RetryConfig{MaxAttempts: 4, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3},
		Queue: config.QueueConfig{
			BatchSize:          7,
			JobMaxAttempts:     3,
			ProcessingTimeout:  2 * time.Minute,
			JobTimeout:         30 * time.Second,
			NotifyOnCompletion: true,
		},
		Gateway: config.GatewayConfig{BaseURL: "http://gateway.local", AccessToken: "tok", Timeout: 3 * time.Second},
	}
}

func TestOpenStore_MigratesSchema(t *testing.T) {
	db, err := OpenStore(baseConfig(t))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	for _, m := range []any{&domain.PaymentJob{}, &domain.RateLimitWindow{}, &domain.Idempotency{}} {
		if !db.Migrator().HasTable(m) {
			t.Fatalf("missing table for %T", m)
		}
	}
}

func TestOpenStore_BadDriver(t *testing.T) {
	cfg := baseConfig(t)
	cfg.DB.Driver = "oracle"
	if _, err := OpenStore(cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := baseConfig(t)

	cfg.Queue.NotifyOnCompletion = false
	if n := NewNotifier(cfg); n != nil {
		t.Fatalf("notifications off must yield a nil notifier, got %T", n)
	}

	cfg.Queue.NotifyOnCompletion = true
	if _, ok := NewNotifier(cfg).(*notify.Dispatcher); !ok {
		t.Fatalf("expected dispatcher")
	}

	cfg.NotifyWebhookURL = "https://hooks.example/notify"
	if _, ok := NewNotifier(cfg).(*notify.Dispatcher); !ok {
		t.Fatalf("expected dispatcher over webhook")
	}
}

func TestNewProcessor_AppliesConfig(t *testing.T) {
	cfg := baseConfig(t)
	db, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}

	p := NewProcessor(db, cfg, nil)
	if p.BatchSize != 7 || p.JobTimeout != 30*time.Second || p.ProcessingTimeout != 2*time.Minute {
		t.Fatalf("queue config not applied: batch=%d job=%s stale=%s", p.BatchSize, p.JobTimeout, p.ProcessingTimeout)
	}
	if p.Retry.MaxAttempts != 4 || p.Retry.InitialDelay != 50*time.Millisecond || p.Retry.MaxDelay != time.Second || p.Retry.Multiplier != 3 {
		t.Fatalf("retry config not applied: %+v", p.Retry)
	}
	c, ok := p.Submitter.(*gateway.Client)
	if !ok || c.BaseURL != "http://gateway.local" || c.AccessToken != "tok" || c.HTTP.Timeout != 3*time.Second {
		t.Fatalf("gateway client not configured: %+v", p.Submitter)
	}
	if p.Notifier != nil {
		t.Fatalf("nil notifier must stay nil")
	}
}

func TestPurge(t *testing.T) {
	cfg := baseConfig(t)
	db, err := OpenStore(cfg)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := repo.CreateIdempotency(ctx, db, "u1", "old", "job-1", 201, -time.Minute, now); err != nil {
		t.Fatalf("seed expired: %v", err)
	}
	if _, err := repo.CreateIdempotency(ctx, db, "u1", "fresh", "job-2", 201, time.Hour, now); err != nil {
		t.Fatalf("seed fresh: %v", err)
	}
	if _, err := repo.CreateWindow(ctx, db, "u1", "payments.create", now.Add(-time.Hour)); err != nil {
		t.Fatalf("seed old window: %v", err)
	}
	if _, err := repo.CreateWindow(ctx, db, "u1", "payments.create", now); err != nil {
		t.Fatalf("seed live window: %v", err)
	}

	res, err := Purge(ctx, db, cfg, now)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if res.Idempotency != 1 || res.RateWindows != 1 {
		t.Fatalf("unexpected purge result: %+v", res)
	}
	if _, err := repo.GetIdempotency(ctx, db, "u1", "fresh", now); err != nil {
		t.Fatalf("fresh record must survive: %v", err)
	}
}
