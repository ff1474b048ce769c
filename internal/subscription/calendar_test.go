package subscription

import (
	"testing"
	"time"

	"github.com/feedbox/billing/internal/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

func TestAddMonthsClamped(t *testing.T) {
	cases := []struct {
		name   string
		from   time.Time
		months int
		want   time.Time
	}{
		{"jan31 non-leap", date(2025, time.January, 31), 1, date(2025, time.February, 28)},
		{"jan31 leap", date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{"mar31 to apr30", date(2025, time.March, 31), 1, date(2025, time.April, 30)},
		{"mid-month", date(2025, time.June, 15), 1, date(2025, time.July, 15)},
		{"december rolls year", date(2025, time.December, 31), 1, date(2026, time.January, 31)},
		{"feb29 plus year", date(2024, time.February, 29), 12, date(2025, time.February, 28)},
	}
	for _, tc := range cases {
		got := AddMonthsClamped(tc.from, tc.months)
		if !got.Equal(tc.want) {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestNextBillingDateNeverOverflows(t *testing.T) {
	got := NextBillingDate(date(2025, time.January, 31), models.BillingCycleMonthly)
	if got.Month() != time.February {
		t.Fatalf("expected February, got %s", got)
	}
	got = NextBillingDate(date(2024, time.February, 29), models.BillingCycleYearly)
	if !got.Equal(date(2025, time.February, 28)) {
		t.Fatalf("expected 2025-02-28, got %s", got)
	}
}

func TestInitialEndDateUsesDayArithmetic(t *testing.T) {
	start := date(2025, time.January, 31)
	if got := InitialEndDate(start, models.BillingCycleMonthly); !got.Equal(date(2025, time.March, 2)) {
		t.Fatalf("expected start+30d, got %s", got)
	}
	if got := InitialEndDate(start, models.BillingCycleYearly); !got.Equal(start.AddDate(0, 0, 365)) {
		t.Fatalf("expected start+365d, got %s", got)
	}
}

func TestCanTransition(t *testing.T) {
	active, pastDue, canceled := models.SubscriptionStatusActive, models.SubscriptionStatusPastDue, models.SubscriptionStatusCanceled
	allowed := [][2]models.SubscriptionStatus{{active, pastDue}, {pastDue, active}, {active, active}, {active, canceled}, {pastDue, canceled}}
	for _, pair := range allowed {
		if !CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s allowed", pair[0], pair[1])
		}
	}
	denied := [][2]models.SubscriptionStatus{{canceled, active}, {canceled, pastDue}, {pastDue, pastDue}}
	for _, pair := range denied {
		if CanTransition(pair[0], pair[1]) {
			t.Fatalf("expected %s -> %s denied", pair[0], pair[1])
		}
	}
}
