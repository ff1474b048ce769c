package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookOutcome describes what a webhook delivery did.
type WebhookOutcome string

// WebhookOutcome values.
const (
	WebhookOutcomeApplied   WebhookOutcome = "applied"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
	WebhookOutcomeNotFound  WebhookOutcome = "not_found"
	WebhookOutcomeRejected  WebhookOutcome = "rejected"
	WebhookOutcomeError     WebhookOutcome = "error"
)

// WebhookEvent logs a gateway webhook delivery.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Gateway   string         `gorm:"type:varchar(32);not null;index"` // Gateway name.
	EventType string         `gorm:"type:varchar(64)"`                // Gateway event type or mapped status.
	ChargeID  string         `gorm:"type:varchar(255);index"`         // Gateway charge ID.
	PaymentID *uint64        `gorm:"index"`                           // Local payment ID.
	Outcome   WebhookOutcome `gorm:"type:varchar(16);not null;index"` // Processing outcome.
	Payload   datatypes.JSON `gorm:"type:jsonb"`                      // Raw body.
	Error     string         `gorm:"type:text"`                       // Processing error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Delivery timestamp.
}
