package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-payment-queue/internal/domain"
)

func newTestDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Unique DB per test to avoid schema leaking across tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedJob(t *testing.T, db *gorm.DB, id, owner string, status domain.JobStatus, updated time.Time) {
	t.Helper()
	job := &domain.PaymentJob{
		ID:             id,
		OwnerID:        owner,
		PaymentType:    domain.PaymentTypePix,
		Amount:         decimal.RequireFromString("5.00"),
		PaymentPayload: datatypes.JSON(`{}`),
		IdempotencyKey: "key-" + id,
		Status:         status,
		MaxAttempts:    domain.DefaultMaxAttempts,
		CreatedAt:      updated,
		UpdatedAt:      updated,
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestJobsStats_CountError_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	if _, _, err := JobsStats(context.Background(), db, "u1"); err == nil {
		t.Fatalf("expected error due to missing payment_jobs table")
	}
}

func TestJobsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t, &domain.PaymentJob{})
	count, maxAt, err := JobsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("JobsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestJobsStats_Success_FilterAndMax(t *testing.T) {
	db := newTestDB(t, &domain.PaymentJob{})

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max for u1
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)   // other owner

	seedJob(t, db, "j1", "u1", domain.JobStatusPending, t1)
	seedJob(t, db, "j2", "u1", domain.JobStatusCompleted, t2)
	seedJob(t, db, "j3", "u2", domain.JobStatusPending, t3)

	count, maxAt, err := JobsStats(context.Background(), db, "u1")
	if err != nil {
		t.Fatalf("JobsStats error: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	if maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("expected maxUpdatedAt %v, got %v", t2, maxAt)
	}
}

func TestQueueDepth(t *testing.T) {
	db := newTestDB(t, &domain.PaymentJob{})
	now := time.Now().UTC()
	seedJob(t, db, "a", "u1", domain.JobStatusPending, now)
	seedJob(t, db, "b", "u1", domain.JobStatusPending, now)
	seedJob(t, db, "c", "u2", domain.JobStatusFailed, now)

	depth, err := QueueDepth(context.Background(), db)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth[domain.JobStatusPending] != 2 || depth[domain.JobStatusFailed] != 1 || depth[domain.JobStatusCompleted] != 0 {
		t.Fatalf("unexpected depth: %v", depth)
	}
}
