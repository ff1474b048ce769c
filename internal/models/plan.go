package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Plan represents a named offering tenants subscribe to.
type Plan struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name        string         `gorm:"type:varchar(255);not null;uniqueIndex"` // Plan name.
	Description string         `gorm:"type:text"`                              // Plan description.
	Features    datatypes.JSON `gorm:"type:jsonb"`                             // Feature document, see PlanFeatures.

	IsDefault bool `gorm:"not null;default:false"` // Plan used for trial subscriptions.
	IsEnabled bool `gorm:"not null;default:true"`  // Whether the plan is offered.

	Prices []PlanPrice `gorm:"foreignKey:PlanID"` // Prices per billing cycle.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// Unlimited marks a limit without an upper bound.
const Unlimited int64 = -1

// Limit is a numeric plan limit that may also be the string "unlimited".
type Limit int64

// IsUnlimited reports whether the limit has no upper bound.
func (l Limit) IsUnlimited() bool { return int64(l) == Unlimited }

// Allows reports whether used stays within the limit.
func (l Limit) Allows(used int64) bool {
	if l.IsUnlimited() {
		return true
	}
	return used < int64(l)
}

// MarshalJSON encodes unlimited limits as the string "unlimited".
func (l Limit) MarshalJSON() ([]byte, error) {
	if l.IsUnlimited() {
		return []byte(`"unlimited"`), nil
	}
	return json.Marshal(int64(l))
}

// UnmarshalJSON accepts an integer or the string "unlimited".
func (l *Limit) UnmarshalJSON(data []byte) error {
	var n int64
	if errNum := json.Unmarshal(data, &n); errNum == nil {
		if n < 0 {
			n = Unlimited
		}
		*l = Limit(n)
		return nil
	}
	var s string
	if errStr := json.Unmarshal(data, &s); errStr != nil {
		return fmt.Errorf("invalid limit %s", string(data))
	}
	if strings.EqualFold(strings.TrimSpace(s), "unlimited") {
		*l = Limit(Unlimited)
		return nil
	}
	return fmt.Errorf("invalid limit %q", s)
}

// PlanFeatures is the decoded feature document of a plan.
type PlanFeatures struct {
	MaxBoxes             Limit `json:"max_boxes"`
	MaxResponsesPerMonth Limit `json:"max_responses_per_month"`
	Reports              bool  `json:"reports"`
	AdvancedCharts       bool  `json:"advanced_charts"`
	Filtering            bool  `json:"filtering"`
	CSVExport            bool  `json:"csv_export"`
	ShowVendorBranding   bool  `json:"show_vendor_branding"`
}

// ErrInvalidFeatures indicates a malformed plan feature document.
var ErrInvalidFeatures = errors.New("invalid plan features")

// DecodeFeatures parses the plan feature document. A missing document yields zero limits.
func (p *Plan) DecodeFeatures() (PlanFeatures, error) {
	var features PlanFeatures
	if p == nil || len(p.Features) == 0 || string(p.Features) == "null" {
		return features, nil
	}
	if errUnmarshal := json.Unmarshal(p.Features, &features); errUnmarshal != nil {
		return PlanFeatures{}, fmt.Errorf("%w: %v", ErrInvalidFeatures, errUnmarshal)
	}
	return features, nil
}
