// Package domain defines the persistence models for the payment queue:
// payment jobs, rate-limit windows and idempotency records. These types are
// mapped with GORM and shared across the repository and service layers.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentType is the payment method family of a job.
type PaymentType string

const (
	PaymentTypePix  PaymentType = "pix"
	PaymentTypeCard PaymentType = "card"
)

// Valid reports whether t is a supported payment type.
func (t PaymentType) Valid() bool {
	return t == PaymentTypePix || t == PaymentTypeCard
}

// MinAmount returns the gateway-imposed minimum transaction amount for t.
func (t PaymentType) MinAmount() decimal.Decimal {
	if t == PaymentTypeCard {
		return decimal.RequireFromString("1.00")
	}
	return decimal.RequireFromString("0.01")
}

// JobStatus is the queue state of a payment job.
//
//	pending -> processing -> completed
//	                      -> failed
//	                      -> pending (retry)
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DefaultMaxAttempts is the claim budget of a job when none is configured.
const DefaultMaxAttempts = 3

// PaymentJob is a durable request to create one payment at the gateway.
//
// IdempotencyKey is generated once at enqueue time and sent on every gateway
// attempt for the job; it must never change. Attempts counts claims, not
// individual HTTP calls, and never exceeds MaxAttempts. Jobs are never
// deleted so the table doubles as an audit trail.
type PaymentJob struct {
	ID             string          `json:"id"              gorm:"type:char(36);primaryKey"`
	OwnerID        string          `json:"owner_id"        gorm:"type:varchar(64);not null;index:idx_owner_jobs,priority:1"`
	PaymentType    PaymentType     `json:"payment_type"    gorm:"type:varchar(8);not null;check:payment_type IN ('pix','card')"`
	Amount         decimal.Decimal `json:"amount"          gorm:"type:text;not null"`
	PaymentPayload datatypes.JSON  `json:"-"               gorm:"not null"`
	IdempotencyKey string          `json:"idempotency_key" gorm:"type:char(36);not null;uniqueIndex"`
	Status         JobStatus       `json:"status"          gorm:"type:varchar(16);not null;index:idx_claim,priority:1"`
	Attempts       int             `json:"attempts"        gorm:"not null;default:0"`
	MaxAttempts    int             `json:"max_attempts"    gorm:"not null;default:3"`
	LastError      *string         `json:"last_error,omitempty"`

	// Gateway outcome, filled on completion.
	GatewayPaymentID    *string `json:"gateway_payment_id,omitempty" gorm:"type:varchar(64);index"`
	GatewayStatus       *string `json:"gateway_status,omitempty"     gorm:"type:varchar(16)"`
	GatewayStatusDetail *string `json:"gateway_status_detail,omitempty"`
	QRCode              *string `json:"qr_code,omitempty"        gorm:"column:qr_code"`
	QRCodeBase64        *string `json:"qr_code_base64,omitempty" gorm:"column:qr_code_base64"`
	TicketURL           *string `json:"ticket_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"   gorm:"index:idx_claim,priority:2;index:idx_owner_jobs,priority:2"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for PaymentJob.
func (PaymentJob) TableName() string { return "payment_jobs" }

// Exhausted reports whether the job has used its whole claim budget.
func (j *PaymentJob) Exhausted() bool { return j.Attempts >= j.MaxAttempts }

// RateLimitWindow counts requests of one identifier against one endpoint
// inside a fixed window starting at WindowStart. Expired windows are kept and
// superseded by a fresh row; they are never reused as the current window.
type RateLimitWindow struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	Identifier   string    `json:"identifier"    gorm:"type:varchar(128);not null;index:idx_rl_lookup,priority:1"`
	Endpoint     string    `json:"endpoint"      gorm:"type:varchar(128);not null;index:idx_rl_lookup,priority:2"`
	RequestCount int       `json:"request_count" gorm:"not null;default:0"`
	WindowStart  time.Time `json:"window_start"  gorm:"not null;index:idx_rl_lookup,priority:3"`
}

// TableName returns the database table name for RateLimitWindow.
func (RateLimitWindow) TableName() string { return "rate_limit_windows" }

// ActiveAt reports whether the window still counts requests at now.
func (w *RateLimitWindow) ActiveAt(now time.Time, window time.Duration) bool {
	return now.Before(w.WindowStart.Add(window))
}
