// Package webhook authenticates gateway webhooks and applies them idempotently
// to local payments and subscriptions.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/feedbox/billing/internal/db"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/metrics"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrUnauthenticated is returned when a delivery fails verification.
	ErrUnauthenticated = errors.New("webhook: unauthenticated delivery")
	// ErrPaymentNotFound is returned when the referenced local payment does not exist.
	ErrPaymentNotFound = errors.New("webhook: payment not found")

	errDuplicateCharge = errors.New("webhook: duplicate charge")
)

// Reconciler verifies, parses and applies webhook deliveries.
type Reconciler struct {
	db            *gorm.DB
	gateways      *gateway.Registry
	subscriptions *subscription.Manager
	verifiers     map[string]Verifier
	now           func() time.Time
}

// NewReconciler constructs a Reconciler. verifiers is keyed by gateway name; a
// gateway without a verifier rejects every delivery.
func NewReconciler(db *gorm.DB, gateways *gateway.Registry, subscriptions *subscription.Manager, verifiers map[string]Verifier) *Reconciler {
	return &Reconciler{
		db:            db,
		gateways:      gateways,
		subscriptions: subscriptions,
		verifiers:     verifiers,
		now:           subscriptions.Now,
	}
}

// Handle processes one delivery for gatewayName and records it in webhook_events.
// A nil error means the delivery should be acknowledged.
func (r *Reconciler) Handle(ctx context.Context, gatewayName string, d Delivery) (models.WebhookOutcome, error) {
	event := models.WebhookEvent{Gateway: gatewayName}
	if json.Valid(d.Body) {
		event.Payload = datatypes.JSON(d.Body)
	}

	outcome, errHandle := r.handle(ctx, gatewayName, d, &event)
	event.Outcome = outcome
	entry := log.WithFields(log.Fields{
		"gateway": gatewayName,
		"event":   event.EventType,
		"outcome": outcome,
	})
	if event.PaymentID != nil {
		entry = entry.WithField("payment_id", *event.PaymentID)
	}
	if errHandle != nil {
		event.Error = errHandle.Error()
		entry.WithError(errHandle).Warn("webhook: delivery not applied")
	} else {
		entry.Info("webhook: delivery processed")
	}

	if errLog := r.db.WithContext(context.WithoutCancel(ctx)).Create(&event).Error; errLog != nil {
		log.WithError(errLog).WithField("gateway", gatewayName).Error("webhook: record delivery failed")
	}
	metrics.WebhookRequestsTotal.WithLabelValues(gatewayName, string(outcome)).Inc()
	return outcome, errHandle
}

func (r *Reconciler) handle(ctx context.Context, gatewayName string, d Delivery, event *models.WebhookEvent) (models.WebhookOutcome, error) {
	verifier, ok := r.verifiers[gatewayName]
	if !ok || verifier == nil {
		return models.WebhookOutcomeRejected, fmt.Errorf("%w: no verifier for %s", ErrUnauthenticated, gatewayName)
	}
	if errVerify := verifier.Verify(d); errVerify != nil {
		return models.WebhookOutcomeRejected, errVerify
	}
	gw, errGateway := r.gateways.Get(gatewayName)
	if errGateway != nil {
		return models.WebhookOutcomeError, errGateway
	}

	result, errParse := gw.ParseWebhook(ctx, d.Body)
	if errParse != nil {
		if errors.Is(errParse, gateway.ErrMalformedWebhook) {
			return models.WebhookOutcomeRejected, errParse
		}
		return models.WebhookOutcomeError, errParse
	}
	if result == nil {
		return models.WebhookOutcomeIgnored, nil
	}
	event.EventType = result.EventType
	event.ChargeID = result.ChargeID
	if result.PaymentID != 0 {
		paymentID := result.PaymentID
		event.PaymentID = &paymentID
	}

	if gw.Trust() == gateway.RequiresCorroboration && !result.Corroborated {
		return models.WebhookOutcomeRejected, fmt.Errorf("%w: %s status not corroborated", ErrUnauthenticated, gatewayName)
	}
	if result.PaymentID == 0 {
		return models.WebhookOutcomeNotFound, nil
	}

	var (
		outcome  models.WebhookOutcome
		errApply error
	)
	switch result.Status {
	case models.PaymentStatusPaid:
		outcome, errApply = r.ApplyPaid(ctx, gatewayName, *result)
	case models.PaymentStatusFailed, models.PaymentStatusRefunded:
		outcome, errApply = r.applyStatus(ctx, *result)
	default:
		return models.WebhookOutcomeIgnored, nil
	}
	if errors.Is(errApply, ErrPaymentNotFound) {
		return models.WebhookOutcomeNotFound, nil
	}
	if errApply != nil {
		return models.WebhookOutcomeError, errApply
	}
	return outcome, nil
}

// ApplyPaid marks the payment paid and renews its subscription exactly once. Replays
// are no-ops, except a new charge of the same gateway subscription, which is recorded
// as a new paid payment and renews again.
func (r *Reconciler) ApplyPaid(ctx context.Context, gatewayName string, result gateway.WebhookResult) (models.WebhookOutcome, error) {
	now := r.now()
	outcome := models.WebhookOutcomeDuplicate
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if errFind := tx.Preload("PlanPrice").First(&payment, result.PaymentID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("webhook: load payment: %w", errFind)
		}

		res := tx.Model(&models.Payment{}).
			Where("id = ? AND status IN ?", payment.ID, []models.PaymentStatus{models.PaymentStatusPending, models.PaymentStatusFailed}).
			Updates(map[string]any{
				"status":       models.PaymentStatusPaid,
				"payment_date": now,
				"updated_at":   now,
			})
		if res.Error != nil {
			return fmt.Errorf("webhook: mark paid: %w", res.Error)
		}

		var sub models.Subscription
		if errSub := tx.First(&sub, payment.SubscriptionID).Error; errSub != nil {
			return fmt.Errorf("webhook: load subscription %d: %w", payment.SubscriptionID, errSub)
		}

		if res.RowsAffected == 0 {
			if !isNewCycleCharge(payment, sub, result) {
				return nil
			}
			if errRecord := r.recordCycleCharge(ctx, tx, gatewayName, payment, &sub, result, now); errRecord != nil {
				return errRecord
			}
			outcome = models.WebhookOutcomeApplied
			return nil
		}

		if errIDs := setGatewayIDs(tx, payment.ID, result); errIDs != nil {
			return errIDs
		}
		if errRenew := r.renew(ctx, tx, &sub, payment.PlanPrice, now); errRenew != nil {
			return errRenew
		}
		outcome = models.WebhookOutcomeApplied
		return nil
	})
	if errors.Is(errTx, errDuplicateCharge) {
		return models.WebhookOutcomeDuplicate, nil
	}
	if errTx != nil {
		return models.WebhookOutcomeError, errTx
	}
	return outcome, nil
}

// isNewCycleCharge reports whether result is a later charge of the gateway
// subscription that produced the already-paid payment.
func isNewCycleCharge(payment models.Payment, sub models.Subscription, result gateway.WebhookResult) bool {
	if payment.Status != models.PaymentStatusPaid || payment.GatewayChargeID == nil {
		return false
	}
	if result.ChargeID == "" || result.ChargeID == *payment.GatewayChargeID {
		return false
	}
	return result.SubscriptionID != "" && sub.ExternalID != nil && *sub.ExternalID == result.SubscriptionID
}

func (r *Reconciler) recordCycleCharge(ctx context.Context, tx *gorm.DB, gatewayName string, original models.Payment, sub *models.Subscription, result gateway.WebhookResult, now time.Time) error {
	var existing int64
	if errCount := tx.Model(&models.Payment{}).Where("gateway_charge_id = ?", result.ChargeID).Count(&existing).Error; errCount != nil {
		return fmt.Errorf("webhook: lookup charge: %w", errCount)
	}
	if existing > 0 {
		return errDuplicateCharge
	}

	var price models.PlanPrice
	if errPrice := tx.Preload("Plan").First(&price, sub.PlanPriceID).Error; errPrice != nil {
		return fmt.Errorf("webhook: load plan price %d: %w", sub.PlanPriceID, errPrice)
	}
	items, errItems := json.Marshal([]models.PaymentItem{{
		PlanID:       price.PlanID,
		PlanName:     price.Plan.Name,
		PlanPriceID:  price.ID,
		BillingCycle: price.BillingCycle,
		Amount:       price.Price,
	}})
	if errItems != nil {
		return fmt.Errorf("webhook: encode items: %w", errItems)
	}
	transactionID := result.TransactionID
	chargeID := result.ChargeID
	payment := models.Payment{
		SubscriptionID:  sub.ID,
		PlanPriceID:     price.ID,
		Gateway:         gatewayName,
		Amount:          price.Price,
		Status:          models.PaymentStatusPaid,
		TransactionID:   &transactionID,
		GatewayChargeID: &chargeID,
		DueDate:         now,
		PaymentDate:     &now,
		Items:           datatypes.JSON(items),
	}
	if errCreate := tx.Create(&payment).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			return errDuplicateCharge
		}
		return fmt.Errorf("webhook: record charge: %w", errCreate)
	}
	log.WithFields(log.Fields{
		"payment_id":      payment.ID,
		"original_id":     original.ID,
		"subscription_id": sub.ID,
		"gateway":         gatewayName,
	}).Info("webhook: recorded recurring charge")
	return r.renew(ctx, tx, sub, price, now)
}

// renew extends sub after a confirmed payment. A payment arriving for a canceled
// subscription stays paid without reviving it.
func (r *Reconciler) renew(ctx context.Context, tx *gorm.DB, sub *models.Subscription, price models.PlanPrice, now time.Time) error {
	errRenew := r.subscriptions.RenewOnPayment(ctx, tx, sub, price, now)
	if errors.Is(errRenew, subscription.ErrInvalidTransition) {
		log.WithError(errRenew).WithField("subscription_id", sub.ID).Warn("webhook: payment confirmed for canceled subscription")
		return nil
	}
	return errRenew
}

// setGatewayIDs records transaction and charge ids only where none is set yet.
func setGatewayIDs(tx *gorm.DB, paymentID uint64, result gateway.WebhookResult) error {
	if result.TransactionID != "" {
		if err := tx.Model(&models.Payment{}).
			Where("id = ? AND transaction_id IS NULL", paymentID).
			Update("transaction_id", result.TransactionID).Error; err != nil {
			return fmt.Errorf("webhook: set transaction id: %w", err)
		}
	}
	if result.ChargeID == "" {
		return nil
	}
	var holders int64
	if err := tx.Model(&models.Payment{}).Where("gateway_charge_id = ?", result.ChargeID).Count(&holders).Error; err != nil {
		return fmt.Errorf("webhook: lookup charge: %w", err)
	}
	if holders > 0 {
		return nil
	}
	if err := tx.Model(&models.Payment{}).
		Where("id = ? AND gateway_charge_id IS NULL", paymentID).
		Update("gateway_charge_id", result.ChargeID).Error; err != nil {
		return fmt.Errorf("webhook: set charge id: %w", err)
	}
	return nil
}

// applyStatus records failed and refunded outcomes. A failure only moves pending
// payments and a refund only paid ones, so a refund is never undone.
func (r *Reconciler) applyStatus(ctx context.Context, result gateway.WebhookResult) (models.WebhookOutcome, error) {
	now := r.now()
	outcome := models.WebhookOutcomeDuplicate
	errTx := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var payment models.Payment
		if errFind := tx.Select("id").First(&payment, result.PaymentID).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("webhook: load payment: %w", errFind)
		}
		query := tx.Model(&models.Payment{}).Where("id = ?", payment.ID)
		if result.Status == models.PaymentStatusFailed {
			query = query.Where("status = ?", models.PaymentStatusPending)
		} else {
			query = query.Where("status = ?", models.PaymentStatusPaid)
		}
		res := query.Updates(map[string]any{"status": result.Status, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("webhook: mark %s: %w", result.Status, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		outcome = models.WebhookOutcomeApplied
		return setGatewayIDs(tx, payment.ID, result)
	})
	if errTx != nil {
		return models.WebhookOutcomeError, errTx
	}
	return outcome, nil
}
