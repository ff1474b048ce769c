// Package dbtest provides migrated SQLite databases and fixtures for tests.
package dbtest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/feedbox/billing/internal/db"
	"github.com/feedbox/billing/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Open returns a migrated database backed by a temp file.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "billing.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	t.Cleanup(func() {
		if sqlDB, errDB := conn.DB(); errDB == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

// Plan inserts a plan with the given features and one price per cycle in prices.
func Plan(t testing.TB, conn *gorm.DB, name string, isDefault bool, features models.PlanFeatures, prices map[models.BillingCycle]string) (models.Plan, map[models.BillingCycle]models.PlanPrice) {
	t.Helper()
	raw, err := json.Marshal(features)
	if err != nil {
		t.Fatalf("marshal features: %v", err)
	}
	plan := models.Plan{Name: name, Features: datatypes.JSON(raw), IsDefault: isDefault, IsEnabled: true}
	if errCreate := conn.Create(&plan).Error; errCreate != nil {
		t.Fatalf("create plan: %v", errCreate)
	}
	out := make(map[models.BillingCycle]models.PlanPrice, len(prices))
	for cycle, amount := range prices {
		price := models.PlanPrice{PlanID: plan.ID, BillingCycle: cycle, Price: decimal.RequireFromString(amount)}
		if errCreate := conn.Create(&price).Error; errCreate != nil {
			t.Fatalf("create price: %v", errCreate)
		}
		price.Plan = plan
		out[cycle] = price
	}
	return plan, out
}

// Enterprise inserts an enterprise with billing details on file.
func Enterprise(t testing.TB, conn *gorm.DB, subdomain string) models.Enterprise {
	t.Helper()
	enterprise := models.Enterprise{
		Name:      "Enterprise " + subdomain,
		Subdomain: subdomain,
		Email:     fmt.Sprintf("billing@%s.test", subdomain),
		Document:  "12345678000199",
		Phone:     "11999999999",
	}
	if errCreate := conn.Create(&enterprise).Error; errCreate != nil {
		t.Fatalf("create enterprise: %v", errCreate)
	}
	return enterprise
}
