package models

import (
	"time"

	"gorm.io/gorm"
)

// Enterprise is a tenant account.
type Enterprise struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name      string `gorm:"type:varchar(255);not null"`             // Display name.
	Subdomain string `gorm:"type:varchar(63);not null;uniqueIndex"` // Tenant subdomain.
	Email     string `gorm:"type:varchar(255)"`                      // Billing email.
	Document  string `gorm:"type:varchar(32)"`                       // CPF or CNPJ.
	Phone     string `gorm:"type:varchar(32)"`                       // Contact phone.

	GatewayCustomerID *string `gorm:"type:varchar(255)"` // Customer ID at the payment gateway.

	ProvisionedAt *time.Time // Set when DNS and hosting were registered.

	CreatedAt time.Time      `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime"` // Last update timestamp.
	DeletedAt gorm.DeletedAt `gorm:"index"`                   // Soft delete marker.
}

// Branding holds the visual defaults of an enterprise's feedback pages.
type Branding struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	EnterpriseID uint64 `gorm:"not null;uniqueIndex"` // Owning enterprise ID.

	PrimaryColor    string `gorm:"type:varchar(16);not null"` // Primary color hex.
	SecondaryColor  string `gorm:"type:varchar(16);not null"` // Secondary color hex.
	LogoURL         string `gorm:"type:text"`                 // Logo location.
	WelcomeMessage  string `gorm:"type:text"`                 // Shown before feedback.
	ThankYouMessage string `gorm:"type:text"`                 // Shown after feedback.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
