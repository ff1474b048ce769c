package models

import "time"

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

// SubscriptionStatus values.
const (
	// SubscriptionStatusActive grants the plan entitlements.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusPastDue marks a lapsed subscription awaiting payment.
	SubscriptionStatusPastDue SubscriptionStatus = "past_due"
	// SubscriptionStatusCanceled is terminal.
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription binds an enterprise to a plan price.
type Subscription struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EnterpriseID uint64     `gorm:"not null;index"`          // Owning enterprise ID.
	Enterprise   Enterprise `gorm:"foreignKey:EnterpriseID"` // Owning enterprise.

	PlanPriceID uint64    `gorm:"not null;index"`         // Subscribed plan price ID.
	PlanPrice   PlanPrice `gorm:"foreignKey:PlanPriceID"` // Subscribed plan price.

	Status SubscriptionStatus `gorm:"type:varchar(16);not null;index"` // Lifecycle state.

	StartDate    time.Time  `gorm:"not null"` // Start of the subscription.
	EndDate      *time.Time `gorm:"index"`    // End of the paid period.
	TrialEndDate *time.Time `gorm:"index"`    // End of the trial window.

	ExternalID *string `gorm:"type:varchar(255);index"` // Gateway subscription ID.
	Gateway    string  `gorm:"type:varchar(32)"`        // Gateway owning ExternalID.

	CancelRequestedAt *time.Time `gorm:"index"` // Cancellation intent awaiting completion.
	CanceledAt        *time.Time // Cancellation timestamp.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// InTrial reports whether the trial window is still open at now.
func (s *Subscription) InTrial(now time.Time) bool {
	return s != nil && s.TrialEndDate != nil && !s.TrialEndDate.Before(now)
}

// ValidAt reports whether the subscription grants access at now.
func (s *Subscription) ValidAt(now time.Time) bool {
	if s == nil {
		return false
	}
	if s.InTrial(now) {
		return true
	}
	if s.StartDate.After(now) {
		return false
	}
	return s.EndDate == nil || !s.EndDate.Before(now)
}
