package models

import "time"

// ProvisioningStatus tracks a provisioning attempt across its external side effects.
type ProvisioningStatus string

// ProvisioningStatus values.
const (
	ProvisioningStatusStarted     ProvisioningStatus = "started"
	ProvisioningStatusCompleted   ProvisioningStatus = "completed"
	ProvisioningStatusRolledBack  ProvisioningStatus = "rolled_back"
	ProvisioningStatusOrphaned    ProvisioningStatus = "orphaned"
	ProvisioningStatusCompensated ProvisioningStatus = "compensated"
)

// ProvisioningAttempt is written outside the provisioning transaction so it outlives a rollback.
type ProvisioningAttempt struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key       string             `gorm:"type:varchar(64);not null;uniqueIndex"` // Attempt key.
	Subdomain string             `gorm:"type:varchar(63);not null;index"`      // Requested subdomain.
	Status    ProvisioningStatus `gorm:"type:varchar(16);not null;index"`      // Attempt state.

	DNSRecordID   string `gorm:"type:varchar(255)"` // DNS record created for the subdomain.
	HostingDomain string `gorm:"type:varchar(255)"` // Domain registered at the hosting platform.
	Error         string `gorm:"type:text"`         // Last failure.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
