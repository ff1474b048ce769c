package db

import (
	"fmt"

	"github.com/feedbox/billing/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite, DialectPostgres, "":
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.Plan{},
		&models.PlanPrice{},
		&models.Enterprise{},
		&models.Branding{},
		&models.Subscription{},
		&models.Payment{},
		&models.ProvisioningAttempt{},
		&models.WebhookEvent{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	return ensureIndexes(conn)
}

type indexSpec struct {
	name string
	sql  string
}

// ensureIndexes creates partial indexes AutoMigrate cannot express.
func ensureIndexes(conn *gorm.DB) error {
	indexes := []indexSpec{
		{
			name: "idx_plans_default_true",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_plans_default_true
				ON plans (is_default)
				WHERE is_default = true
			`,
		},
		{
			name: "idx_subscriptions_enterprise_status_end",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_subscriptions_enterprise_status_end
				ON subscriptions (enterprise_id, status, end_date)
			`,
		},
		{
			name: "idx_subscriptions_cancel_pending",
			sql: `
				CREATE INDEX IF NOT EXISTS idx_subscriptions_cancel_pending
				ON subscriptions (id)
				WHERE cancel_requested_at IS NOT NULL AND status <> 'canceled'
			`,
		},
		{
			name: "idx_provisioning_attempts_open",
			sql: `
				CREATE UNIQUE INDEX IF NOT EXISTS idx_provisioning_attempts_open
				ON provisioning_attempts (subdomain)
				WHERE status IN ('started', 'orphaned')
			`,
		},
	}
	for _, idx := range indexes {
		if errIndex := conn.Exec(idx.sql).Error; errIndex != nil {
			return fmt.Errorf("db: create index %s: %w", idx.name, errIndex)
		}
	}
	return nil
}
