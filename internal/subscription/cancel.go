package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/models"
	log "github.com/sirupsen/logrus"
)

// Cancel cancels the enterprise's current subscription. Monthly subscriptions
// registered at a gateway are canceled there first; a gateway failure aborts
// the local transition.
func (m *Manager) Cancel(ctx context.Context, enterpriseID uint64) (*models.Subscription, error) {
	sub, errCurrent := m.Current(ctx, enterpriseID)
	if errCurrent != nil {
		return nil, errCurrent
	}
	if sub.Status == models.SubscriptionStatusCanceled {
		return nil, ErrAlreadyCanceled
	}
	if !CanTransition(sub.Status, models.SubscriptionStatusCanceled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusCanceled)
	}

	if requiresGatewayCancel(sub) {
		if errGateway := m.cancelAtGateway(ctx, sub); errGateway != nil {
			return nil, errGateway
		}
	}

	if errMark := m.markCanceled(ctx, sub, m.now()); errMark != nil {
		return nil, errMark
	}
	log.WithFields(log.Fields{
		"enterprise_id":   enterpriseID,
		"subscription_id": sub.ID,
	}).Info("subscription: canceled")
	return sub, nil
}

func requiresGatewayCancel(sub *models.Subscription) bool {
	return sub.PlanPrice.BillingCycle == models.BillingCycleMonthly &&
		sub.ExternalID != nil && strings.TrimSpace(*sub.ExternalID) != ""
}

// cancelAtGateway records the cancellation intent, then cancels at the owning gateway.
// The intent is cleared when the gateway gives a definitive refusal. Ambiguous
// failures (timeouts, transport errors) keep it so ReconcileCancellations can finish.
func (m *Manager) cancelAtGateway(ctx context.Context, sub *models.Subscription) error {
	fields := log.Fields{"subscription_id": sub.ID, "gateway": sub.Gateway}
	gw, errGateway := m.gateways.Get(sub.Gateway)
	if errGateway != nil {
		return fmt.Errorf("%w: subscription %d has no usable gateway: %v", ErrInvariant, sub.ID, errGateway)
	}

	requestedAt := m.now()
	res := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status <> ? AND cancel_requested_at IS NULL", sub.ID, models.SubscriptionStatusCanceled).
		Updates(map[string]any{"cancel_requested_at": requestedAt, "updated_at": requestedAt})
	if res.Error != nil {
		return fmt.Errorf("subscription: mark cancel requested: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCancelInProgress
	}
	sub.CancelRequestedAt = &requestedAt

	cancelCtx, cancel := context.WithTimeout(ctx, m.cancelTimeout)
	defer cancel()
	errCancel := gw.CancelSubscription(cancelCtx, *sub.ExternalID)
	if errCancel == nil {
		return nil
	}

	log.WithFields(fields).WithError(errCancel).Error("subscription: gateway cancellation failed")
	if errors.Is(errCancel, gateway.ErrProvider) {
		m.clearCancelRequest(ctx, sub)
	}
	if errors.Is(errCancel, gateway.ErrNotFound) {
		return fmt.Errorf("%w: gateway subscription %s not found: %v", ErrInvariant, *sub.ExternalID, errCancel)
	}
	return fmt.Errorf("subscription: cancel at gateway: %w", errCancel)
}

func (m *Manager) clearCancelRequest(ctx context.Context, sub *models.Subscription) {
	if errClear := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ?", sub.ID).
		Update("cancel_requested_at", nil).Error; errClear != nil {
		log.WithError(errClear).WithField("subscription_id", sub.ID).Warn("subscription: clear cancel request failed")
		return
	}
	sub.CancelRequestedAt = nil
}

// markCanceled writes the terminal state. It is safe to repeat.
func (m *Manager) markCanceled(ctx context.Context, sub *models.Subscription, now time.Time) error {
	updates := map[string]any{
		"status":      models.SubscriptionStatusCanceled,
		"end_date":    now,
		"canceled_at": now,
		"updated_at":  now,
	}
	if sub.TrialEndDate != nil && sub.TrialEndDate.After(now) {
		updates["trial_end_date"] = now
	}
	res := m.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status <> ?", sub.ID, models.SubscriptionStatusCanceled).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("subscription: mark canceled: %w", res.Error)
	}
	sub.Status = models.SubscriptionStatusCanceled
	sub.EndDate = &now
	sub.CanceledAt = &now
	if _, ok := updates["trial_end_date"]; ok {
		sub.TrialEndDate = &now
	}
	return nil
}

// ReconcileCancellations finishes cancellations whose intent is older than the
// grace window. A gateway reporting the subscription absent counts as canceled.
func (m *Manager) ReconcileCancellations(ctx context.Context) (int, error) {
	now := m.now()
	var pending []models.Subscription
	if errFind := m.db.WithContext(ctx).
		Where("cancel_requested_at IS NOT NULL AND status <> ?", models.SubscriptionStatusCanceled).
		Find(&pending).Error; errFind != nil {
		return 0, fmt.Errorf("subscription: list pending cancellations: %w", errFind)
	}

	done := 0
	var errs []error
	for i := range pending {
		sub := &pending[i]
		if sub.CancelRequestedAt == nil || now.Sub(*sub.CancelRequestedAt) < m.cancelGrace {
			continue
		}
		fields := log.Fields{"subscription_id": sub.ID, "gateway": sub.Gateway}
		if sub.ExternalID != nil && strings.TrimSpace(*sub.ExternalID) != "" {
			gw, errGateway := m.gateways.Get(sub.Gateway)
			if errGateway != nil {
				errs = append(errs, fmt.Errorf("%w: subscription %d: %v", ErrInvariant, sub.ID, errGateway))
				continue
			}
			cancelCtx, cancel := context.WithTimeout(ctx, m.cancelTimeout)
			errCancel := gw.CancelSubscription(cancelCtx, *sub.ExternalID)
			cancel()
			if errCancel != nil && !errors.Is(errCancel, gateway.ErrNotFound) {
				log.WithFields(fields).WithError(errCancel).Warn("subscription: cancellation retry failed")
				errs = append(errs, errCancel)
				continue
			}
		}
		if errMark := m.markCanceled(ctx, sub, now); errMark != nil {
			errs = append(errs, errMark)
			continue
		}
		log.WithFields(fields).Info("subscription: reconciled pending cancellation")
		done++
	}
	return done, errors.Join(errs...)
}
