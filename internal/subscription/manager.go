// Package subscription owns the subscription state machine and billing-period arithmetic.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when the enterprise has no subscription.
	ErrNotFound = errors.New("subscription: not found")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("subscription: invalid status transition")
	// ErrAlreadyCanceled is returned when canceling a canceled subscription.
	ErrAlreadyCanceled = errors.New("subscription: already canceled")
	// ErrCancelInProgress is returned while an earlier cancellation is still pending.
	ErrCancelInProgress = errors.New("subscription: cancellation in progress")
	// ErrInvariant marks states that must not be ignored, such as a missing gateway subscription.
	ErrInvariant = errors.New("subscription: invariant violation")
)

const (
	defaultCancelTimeout = 5 * time.Second
	defaultCancelGrace   = 10 * time.Minute
	sweepBatchSize       = 500
)

// Manager applies subscription lifecycle transitions.
type Manager struct {
	db            *gorm.DB
	gateways      *gateway.Registry
	cancelTimeout time.Duration
	cancelGrace   time.Duration
	now           func() time.Time
}

// NewManager constructs a Manager. cancelTimeout bounds gateway cancellation calls;
// cancelGrace is how long a cancellation intent may stay pending before reconciliation.
func NewManager(db *gorm.DB, gateways *gateway.Registry, cancelTimeout, cancelGrace time.Duration) *Manager {
	if cancelTimeout <= 0 {
		cancelTimeout = defaultCancelTimeout
	}
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}
	return &Manager{
		db:            db,
		gateways:      gateways,
		cancelTimeout: cancelTimeout,
		cancelGrace:   cancelGrace,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Now returns the manager clock.
func (m *Manager) Now() time.Time {
	return m.now()
}

func (m *Manager) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return m.db.WithContext(ctx)
}

// Current returns the enterprise's current subscription, falling back to the most
// recently ending one when none is valid now.
func (m *Manager) Current(ctx context.Context, enterpriseID uint64) (*models.Subscription, error) {
	return m.CurrentTx(ctx, nil, enterpriseID)
}

// CurrentTx is Current on the given handle.
func (m *Manager) CurrentTx(ctx context.Context, tx *gorm.DB, enterpriseID uint64) (*models.Subscription, error) {
	var subs []models.Subscription
	if errFind := m.conn(ctx, tx).
		Preload("PlanPrice.Plan").
		Where("enterprise_id = ?", enterpriseID).
		Find(&subs).Error; errFind != nil {
		return nil, fmt.Errorf("subscription: list: %w", errFind)
	}
	sub := SelectCurrent(subs, m.now())
	if sub == nil {
		return nil, ErrNotFound
	}
	return sub, nil
}

// SelectCurrent picks the subscription valid at now with the latest boundary
// (end date, else trial end). When none is valid it returns the one with the
// latest end date. Ties go to the highest id.
func SelectCurrent(subs []models.Subscription, now time.Time) *models.Subscription {
	if len(subs) == 0 {
		return nil
	}
	var valid []models.Subscription
	for _, sub := range subs {
		if sub.ValidAt(now) {
			valid = append(valid, sub)
		}
	}
	if len(valid) > 0 {
		sort.SliceStable(valid, func(i, j int) bool {
			bi, bj := validBoundary(valid[i]), validBoundary(valid[j])
			if !bi.Equal(bj) {
				return bi.After(bj)
			}
			return valid[i].ID > valid[j].ID
		})
		return &valid[0]
	}

	latest := append([]models.Subscription(nil), subs...)
	sort.SliceStable(latest, func(i, j int) bool {
		ei, ej := latest[i].EndDate, latest[j].EndDate
		switch {
		case ei != nil && ej != nil && !ei.Equal(*ej):
			return ei.After(*ej)
		case ei != nil && ej == nil:
			return true
		case ei == nil && ej != nil:
			return false
		}
		return latest[i].ID > latest[j].ID
	})
	return &latest[0]
}

// validBoundary is COALESCE(end_date, trial_end_date); open-ended subscriptions sort first.
func validBoundary(sub models.Subscription) time.Time {
	switch {
	case sub.EndDate != nil:
		return *sub.EndDate
	case sub.TrialEndDate != nil:
		return *sub.TrialEndDate
	default:
		return time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	}
}

// CreateUnpaid inserts a subscription for price that grants nothing until its
// first confirmed payment renews it. It starts past_due with no paid period.
func (m *Manager) CreateUnpaid(ctx context.Context, tx *gorm.DB, enterpriseID uint64, price models.PlanPrice, start time.Time) (*models.Subscription, error) {
	end := start
	sub := &models.Subscription{
		EnterpriseID: enterpriseID,
		PlanPriceID:  price.ID,
		Status:       models.SubscriptionStatusPastDue,
		StartDate:    start,
		EndDate:      &end,
	}
	if errCreate := m.conn(ctx, tx).Create(sub).Error; errCreate != nil {
		return nil, fmt.Errorf("subscription: create: %w", errCreate)
	}
	sub.PlanPrice = price
	return sub, nil
}

// CreateTrial inserts an active subscription whose trial ends trialDays after start.
func (m *Manager) CreateTrial(ctx context.Context, tx *gorm.DB, enterpriseID uint64, price models.PlanPrice, start time.Time, trialDays int) (*models.Subscription, error) {
	end := InitialEndDate(start, price.BillingCycle)
	trialEnd := start.AddDate(0, 0, trialDays)
	sub := &models.Subscription{
		EnterpriseID: enterpriseID,
		PlanPriceID:  price.ID,
		Status:       models.SubscriptionStatusActive,
		StartDate:    start,
		EndDate:      &end,
		TrialEndDate: &trialEnd,
	}
	if errCreate := m.conn(ctx, tx).Create(sub).Error; errCreate != nil {
		return nil, fmt.Errorf("subscription: create trial: %w", errCreate)
	}
	sub.PlanPrice = price
	return sub, nil
}

// ShouldSweep reports whether an active subscription has passed its effective boundary.
// A future trial end always wins over a past end date.
func ShouldSweep(sub models.Subscription, now time.Time) bool {
	if sub.Status != models.SubscriptionStatusActive {
		return false
	}
	if sub.TrialEndDate != nil {
		return sub.TrialEndDate.Before(now)
	}
	return sub.EndDate != nil && sub.EndDate.Before(now)
}

// Sweep moves lapsed active subscriptions to past_due and returns how many moved.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	now := m.now()
	var swept int64
	var batch []models.Subscription
	result := m.db.WithContext(ctx).
		Select("id", "status", "end_date", "trial_end_date").
		Where("status = ?", models.SubscriptionStatusActive).
		FindInBatches(&batch, sweepBatchSize, func(tx *gorm.DB, _ int) error {
			ids := make([]uint64, 0, len(batch))
			for _, sub := range batch {
				if ShouldSweep(sub, now) {
					ids = append(ids, sub.ID)
				}
			}
			if len(ids) == 0 {
				return nil
			}
			res := m.db.WithContext(ctx).
				Model(&models.Subscription{}).
				Where("id IN ? AND status = ?", ids, models.SubscriptionStatusActive).
				Updates(map[string]any{
					"status":     models.SubscriptionStatusPastDue,
					"updated_at": now,
				})
			if res.Error != nil {
				return res.Error
			}
			swept += res.RowsAffected
			return nil
		})
	if result.Error != nil {
		return swept, fmt.Errorf("subscription: sweep: %w", result.Error)
	}
	if swept > 0 {
		log.WithField("count", swept).Info("subscription: swept lapsed subscriptions to past_due")
	}
	return swept, nil
}

// RenewOnPayment reactivates sub for one cycle of price starting at now. The trial
// window is cleared and the subscription moves to the paid price.
func (m *Manager) RenewOnPayment(ctx context.Context, tx *gorm.DB, sub *models.Subscription, price models.PlanPrice, now time.Time) error {
	if sub == nil {
		return ErrNotFound
	}
	if !CanTransition(sub.Status, models.SubscriptionStatusActive) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusActive)
	}
	end := NextBillingDate(now, price.BillingCycle)
	res := m.conn(ctx, tx).
		Model(&models.Subscription{}).
		Where("id = ? AND status <> ?", sub.ID, models.SubscriptionStatusCanceled).
		Updates(map[string]any{
			"status":         models.SubscriptionStatusActive,
			"end_date":       end,
			"trial_end_date": nil,
			"plan_price_id":  price.ID,
			"updated_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("subscription: renew: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: subscription %d is canceled", ErrInvalidTransition, sub.ID)
	}
	sub.Status = models.SubscriptionStatusActive
	sub.EndDate = &end
	sub.TrialEndDate = nil
	sub.PlanPriceID = price.ID
	sub.PlanPrice = price
	return nil
}
