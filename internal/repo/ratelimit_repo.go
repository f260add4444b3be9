// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores fixed rate-limit windows per
// (identifier, endpoint) pair.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-payment-queue/internal/domain"
)

// CurrentWindow returns the most recent window for (identifier, endpoint)
// that is still active at now, or ErrNotFound. Expired windows are ignored.
func CurrentWindow(ctx context.Context, db *gorm.DB, identifier, endpoint string, window time.Duration, now time.Time) (*domain.RateLimitWindow, error) {
	var w domain.RateLimitWindow
	err := db.WithContext(ctx).
		Where("identifier = ? AND endpoint = ? AND window_start > ?", identifier, endpoint, now.UTC().Add(-window)).
		Order("window_start DESC").
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWindow opens a new window starting at start with one request counted.
func CreateWindow(ctx context.Context, db *gorm.DB, identifier, endpoint string, start time.Time) (*domain.RateLimitWindow, error) {
	w := &domain.RateLimitWindow{
		ID:           uuid.NewString(),
		Identifier:   identifier,
		Endpoint:     endpoint,
		RequestCount: 1,
		WindowStart:  start.UTC(),
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, err
	}
	return w, nil
}

// IncrementWindow adds one request to the window and returns the new count.
// The increment itself is atomic; the read-back may observe later increments
// from concurrent callers.
func IncrementWindow(ctx context.Context, db *gorm.DB, id string) (int, error) {
	res := db.WithContext(ctx).Model(&domain.RateLimitWindow{}).
		Where("id = ?", id).
		UpdateColumn("request_count", gorm.Expr("request_count + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	var w domain.RateLimitWindow
	if err := db.WithContext(ctx).Select("request_count").First(&w, "id = ?", id).Error; err != nil {
		return 0, err
	}
	return w.RequestCount, nil
}

// PurgeWindowsBefore deletes windows that started before cutoff.
func PurgeWindowsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("window_start < ?", cutoff.UTC()).
		Delete(&domain.RateLimitWindow{})
	return res.RowsAffected, res.Error
}
