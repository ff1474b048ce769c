// Package entitlement maps a tenant to its effective plan feature set.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
)

// Feature is a boolean capability granted by a plan.
type Feature string

// Known capabilities.
const (
	FeatureReports        Feature = "reports"
	FeatureAdvancedCharts Feature = "advanced_charts"
	FeatureFiltering      Feature = "filtering"
	FeatureCSVExport      Feature = "csv_export"
)

// Resource is a counted quantity limited by a plan.
type Resource string

// Known limited resources.
const (
	ResourceBoxes     Resource = "boxes"
	ResourceResponses Resource = "responses_per_month"
)

// Source describes where an entitlement came from.
type Source string

// Source values.
const (
	SourceSubscription Source = "subscription"
	SourceFallback     Source = "fallback"
	SourceFreeTier     Source = "free_tier"
)

// Entitlement is the effective feature set of a tenant.
type Entitlement struct {
	PlanID   uint64                    `json:"plan_id,omitempty"`
	PlanName string                    `json:"plan_name"`
	Status   models.SubscriptionStatus `json:"status,omitempty"`
	Expired  bool                      `json:"expired"`
	Features models.PlanFeatures       `json:"features"`
	Source   Source                    `json:"source"`
}

// FreeTier is the most restrictive entitlement, used when a tenant has no subscription.
func FreeTier() Entitlement {
	return Entitlement{
		PlanName: "free",
		Features: freeFeatures(),
		Source:   SourceFreeTier,
	}
}

func freeFeatures() models.PlanFeatures {
	return models.PlanFeatures{
		MaxBoxes:             1,
		MaxResponsesPerMonth: 50,
		ShowVendorBranding:   true,
	}
}

// Allows reports whether the capability is available. Expired entitlements grant none.
func (e Entitlement) Allows(feature Feature) bool {
	if e.Expired {
		return false
	}
	switch feature {
	case FeatureReports:
		return e.Features.Reports
	case FeatureAdvancedCharts:
		return e.Features.AdvancedCharts
	case FeatureFiltering:
		return e.Features.Filtering
	case FeatureCSVExport:
		return e.Features.CSVExport
	default:
		return false
	}
}

// WithinLimit reports whether one more unit fits given used units. Expired
// entitlements fall back to free tier limits.
func (e Entitlement) WithinLimit(resource Resource, used int64) bool {
	features := e.Features
	if e.Expired {
		features = freeFeatures()
	}
	switch resource {
	case ResourceBoxes:
		return features.MaxBoxes.Allows(used)
	case ResourceResponses:
		return features.MaxResponsesPerMonth.Allows(used)
	default:
		return false
	}
}

// Resolver resolves entitlements from subscriptions.
type Resolver struct {
	subscriptions *subscription.Manager
	now           func() time.Time
}

// NewResolver constructs a Resolver.
func NewResolver(subscriptions *subscription.Manager) *Resolver {
	return &Resolver{
		subscriptions: subscriptions,
		now:           subscriptions.Now,
	}
}

// Resolve returns the tenant's entitlement. Only read queries are issued.
func (r *Resolver) Resolve(ctx context.Context, enterpriseID uint64) (Entitlement, error) {
	sub, errCurrent := r.subscriptions.Current(ctx, enterpriseID)
	if errors.Is(errCurrent, subscription.ErrNotFound) {
		return FreeTier(), nil
	}
	if errCurrent != nil {
		return Entitlement{}, errCurrent
	}
	return FromSubscription(sub, r.now())
}

// FromSubscription builds the entitlement of a loaded subscription with its plan preloaded.
func FromSubscription(sub *models.Subscription, now time.Time) (Entitlement, error) {
	plan := sub.PlanPrice.Plan
	features, errDecode := plan.DecodeFeatures()
	if errDecode != nil {
		return Entitlement{}, fmt.Errorf("entitlement: plan %d: %w", plan.ID, errDecode)
	}
	valid := sub.ValidAt(now)
	source := SourceSubscription
	if !valid {
		source = SourceFallback
	}
	return Entitlement{
		PlanID:   plan.ID,
		PlanName: plan.Name,
		Status:   sub.Status,
		Expired:  !valid || sub.Status != models.SubscriptionStatusActive,
		Features: features,
		Source:   source,
	}, nil
}
