package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-payment-queue/internal/domain"
)

func newIdemDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()
	// Use a unique in-memory database per test to avoid schema leakage across tests.
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

func TestGetIdempotency_BlankKey_ReturnsNotFound(t *testing.T) {
	db := newIdemDB(t, &domain.Idempotency{})
	rec, err := GetIdempotency(context.Background(), db, "u1", "   ", time.Now().UTC())
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for blank key, got (%v, %v)", rec, err)
	}
}

func TestGetIdempotency_ExpiredOrMissing_ReturnsNotFound(t *testing.T) {
	db := newIdemDB(t, &domain.Idempotency{})
	now := time.Now().UTC()

	exp := &domain.Idempotency{
		ID:        "expired",
		OwnerID:   "u1",
		Key:       "k1",
		JobID:     "j1",
		Status:    201,
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := db.Create(exp).Error; err != nil {
		t.Fatalf("seed expired: %v", err)
	}

	rec, err := GetIdempotency(context.Background(), db, "u1", "k1", now)
	if rec != nil || err != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for expired, got (%v, %v)", rec, err)
	}

	rec2, err2 := GetIdempotency(context.Background(), db, "u1", "missing", now)
	if rec2 != nil || err2 != ErrNotFound {
		t.Fatalf("expected (nil, ErrNotFound) for missing, got (%v, %v)", rec2, err2)
	}
}

func TestCreateAndGetIdempotency(t *testing.T) {
	db := newIdemDB(t, &domain.Idempotency{})
	ttl := 90 * time.Minute
	start := time.Now().UTC()

	rec, err := CreateIdempotency(context.Background(), db, "u9", "k9", "j9", 201, ttl, time.Now())
	if err != nil {
		t.Fatalf("CreateIdempotency error: %v", err)
	}
	if rec.ID == "" || rec.OwnerID != "u9" || rec.Key != "k9" || rec.JobID != "j9" || rec.Status != 201 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !(rec.ExpiresAt.After(start) && rec.ExpiresAt.Before(start.Add(2*time.Hour))) {
		t.Fatalf("unexpected ExpiresAt: %v", rec.ExpiresAt)
	}

	got, err := GetIdempotency(context.Background(), db, "u9", "k9", time.Now().UTC())
	if err != nil || got.JobID != "j9" {
		t.Fatalf("GetIdempotency = %+v, %v", got, err)
	}

	if _, err := CreateIdempotency(context.Background(), db, "u9", "k9", "jX", 201, ttl, time.Now()); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreateIdempotency_Error_NoTable(t *testing.T) {
	db := newIdemDB(t)
	_, err := CreateIdempotency(context.Background(), db, "uX", "kX", "jX", 201, time.Minute, time.Now())
	if err == nil || err == ErrDuplicate {
		t.Fatalf("expected a non-duplicate error when table is missing, got %v", err)
	}
}

func TestPurgeExpiredIdempotency(t *testing.T) {
	db := newIdemDB(t, &domain.Idempotency{})
	now := time.Now().UTC()
	seed := []domain.Idempotency{
		{ID: "a", OwnerID: "u1", Key: "old", JobID: "j1", Status: 201, CreatedAt: now, ExpiresAt: now.Add(-time.Minute)},
		{ID: "b", OwnerID: "u1", Key: "new", JobID: "j2", Status: 201, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	if err := db.Create(&seed).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := PurgeExpiredIdempotency(context.Background(), db, now)
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredIdempotency = %d, %v", n, err)
	}
	var left int64
	db.Model(&domain.Idempotency{}).Count(&left)
	if left != 1 {
		t.Fatalf("expected 1 record left, got %d", left)
	}
}

func TestCreateIdempotency_ReplacesExpiredRecord(t *testing.T) {
	db := newIdemDB(t, &domain.Idempotency{})
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := CreateIdempotency(ctx, db, "u1", "k1", "job-old", 201, time.Hour, now); err != nil {
		t.Fatalf("first create: %v", err)
	}

	// Still live: the key is taken.
	if _, err := CreateIdempotency(ctx, db, "u1", "k1", "job-x", 201, time.Hour, now.Add(30*time.Minute)); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate while live, got %v", err)
	}

	// Expired but never purged: the key is free again.
	later := now.Add(2 * time.Hour)
	rec, err := CreateIdempotency(ctx, db, "u1", "k1", "job-new", 201, time.Hour, later)
	if err != nil {
		t.Fatalf("create after expiry: %v", err)
	}
	if !rec.ExpiresAt.Equal(later.Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v, want %v", rec.ExpiresAt, later.Add(time.Hour))
	}

	got, err := GetIdempotency(ctx, db, "u1", "k1", later)
	if err != nil || got.JobID != "job-new" {
		t.Fatalf("GetIdempotency = %+v, %v", got, err)
	}
	var n int64
	db.Model(&domain.Idempotency{}).Where("owner_id = ? AND key = ?", "u1", "k1").Count(&n)
	if n != 1 {
		t.Fatalf("expected the expired row to be replaced, found %d rows", n)
	}
}
