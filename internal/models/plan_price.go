package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingCycle is the renewal period of a plan price.
type BillingCycle string

// BillingCycle values.
const (
	// BillingCycleMonthly renews every month.
	BillingCycleMonthly BillingCycle = "monthly"
	// BillingCycleYearly renews every year.
	BillingCycleYearly BillingCycle = "yearly"
)

// Valid reports whether the cycle is a known value.
func (c BillingCycle) Valid() bool {
	return c == BillingCycleMonthly || c == BillingCycleYearly
}

// PlanPrice is the price of a plan for one billing cycle.
type PlanPrice struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	PlanID uint64 `gorm:"not null;uniqueIndex:idx_plan_prices_plan_cycle,priority:1"` // Related plan ID.
	Plan   Plan   `gorm:"foreignKey:PlanID"`                                          // Related plan record.

	BillingCycle BillingCycle    `gorm:"type:varchar(16);not null;uniqueIndex:idx_plan_prices_plan_cycle,priority:2"` // Renewal period.
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null"`                                                 // Price per cycle.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
