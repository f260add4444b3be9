package domain

import "time"

// Idempotency records which payment job a client-supplied Idempotency-Key
// produced for a given owner. A retried POST carrying the same key replays
// the original job instead of enqueueing a second one.
//
// This key is unrelated to PaymentJob.IdempotencyKey, which is generated by
// the server and forwarded to the payment gateway.
type Idempotency struct {
	ID        string    `gorm:"type:char(36);primaryKey"`
	OwnerID   string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_owner_key,priority:1"`
	Key       string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_owner_key,priority:2"`
	JobID     string    `gorm:"type:char(36);not null"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
