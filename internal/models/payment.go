package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentStatus is the state of a payment.
type PaymentStatus string

// PaymentStatus values.
const (
	// PaymentStatusPending awaits gateway confirmation.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid is confirmed by the gateway.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed was refused by the gateway.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded was paid and then returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Payment records one charge attempt for a subscription.
type Payment struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	SubscriptionID uint64       `gorm:"not null;index"`            // Related subscription ID.
	Subscription   Subscription `gorm:"foreignKey:SubscriptionID"` // Related subscription.

	PlanPriceID uint64    `gorm:"not null;index"`         // Plan price being paid for.
	PlanPrice   PlanPrice `gorm:"foreignKey:PlanPriceID"` // Plan price being paid for.

	Gateway string          `gorm:"type:varchar(32);not null"`   // Gateway handling the charge.
	Amount  decimal.Decimal `gorm:"type:decimal(12,2);not null"` // Charged amount.
	Status  PaymentStatus   `gorm:"type:varchar(16);not null;index"`

	TransactionID   *string `gorm:"type:varchar(255);index"`       // Gateway charge or subscription ID.
	GatewayChargeID *string `gorm:"type:varchar(255);uniqueIndex"` // Gateway per-charge ID.

	DueDate     time.Time      `gorm:"not null"` // Due date.
	PaymentDate *time.Time     // Confirmation timestamp.
	Items       datatypes.JSON `gorm:"type:jsonb"` // Snapshot of what was charged.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// PaymentItem is one line of the payment items snapshot.
type PaymentItem struct {
	PlanID       uint64          `json:"plan_id"`
	PlanName     string          `json:"plan_name"`
	PlanPriceID  uint64          `json:"plan_price_id"`
	BillingCycle BillingCycle    `json:"billing_cycle"`
	Amount       decimal.Decimal `json:"amount"`
}
