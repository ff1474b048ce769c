// Package checkout runs synchronous transparent checkouts and hosted payment links.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/metrics"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/feedbox/billing/internal/webhook"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrEnterpriseNotFound is returned when the tenant does not exist.
	ErrEnterpriseNotFound = errors.New("checkout: enterprise not found")
	// ErrPlanPriceNotFound is returned when the plan price does not exist or its plan is disabled.
	ErrPlanPriceNotFound = errors.New("checkout: plan price not found")
	// ErrRecurringActive is returned while the current subscription still has a live
	// recurring subscription at a gateway. It must be canceled before a new checkout.
	ErrRecurringActive = errors.New("checkout: a recurring gateway subscription is already active")
)

// Request is a transparent card checkout for one plan price.
type Request struct {
	PlanPriceID uint64
	Gateway     string // Empty selects the default gateway.
	Card        gateway.Card
	Holder      gateway.Holder
	RemoteIP    string
}

// Result is the local state after a checkout.
type Result struct {
	PaymentID      uint64               `json:"payment_id"`
	SubscriptionID uint64               `json:"subscription_id"`
	Gateway        string               `json:"gateway"`
	Status         models.PaymentStatus `json:"status"`
	TransactionID  string               `json:"transaction_id,omitempty"`
}

// LinkResult is a hosted payment link bound to a pending payment.
type LinkResult struct {
	PaymentID uint64 `json:"payment_id"`
	Gateway   string `json:"gateway"`
	URL       string `json:"url"`
}

// Orchestrator coordinates local payment records with gateway checkouts.
type Orchestrator struct {
	db            *gorm.DB
	gateways      *gateway.Registry
	subscriptions *subscription.Manager
	reconciler    *webhook.Reconciler
	now           func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(db *gorm.DB, gateways *gateway.Registry, subscriptions *subscription.Manager, reconciler *webhook.Reconciler) *Orchestrator {
	return &Orchestrator{
		db:            db,
		gateways:      gateways,
		subscriptions: subscriptions,
		reconciler:    reconciler,
		now:           subscriptions.Now,
	}
}

// Checkout validates the request, records a pending payment, charges the card
// and applies a synchronous confirmation inline.
func (o *Orchestrator) Checkout(ctx context.Context, enterpriseID uint64, req Request) (*Result, error) {
	now := o.now()
	if errCard := validateCard(req.Card, now); errCard != nil {
		return nil, errCard
	}
	if errHolder := validateHolder(req.Holder); errHolder != nil {
		return nil, errHolder
	}
	gw, errGateway := o.gateways.Resolve(req.Gateway)
	if errGateway != nil {
		return nil, errGateway
	}

	enterprise, errEnterprise := o.loadEnterprise(ctx, enterpriseID)
	if errEnterprise != nil {
		return nil, errEnterprise
	}
	if strings.TrimSpace(enterprise.Document) == "" {
		return nil, invalid("enterprise.document", "a fiscal document must be on file")
	}
	if strings.TrimSpace(enterprise.Email) == "" {
		return nil, invalid("enterprise.email", "an email must be on file")
	}
	price, errPrice := o.loadPrice(ctx, req.PlanPriceID)
	if errPrice != nil {
		return nil, errPrice
	}

	sub, payment, errPending := o.createPending(ctx, enterpriseID, price, gw.Name(), now)
	if errPending != nil {
		return nil, errPending
	}
	fields := log.Fields{
		"enterprise_id":   enterpriseID,
		"payment_id":      payment.ID,
		"subscription_id": sub.ID,
		"gateway":         gw.Name(),
	}

	charge, errCharge := gw.CreateTransparentCheckout(ctx, gateway.CheckoutRequest{
		PaymentID:    payment.ID,
		BillingCycle: price.BillingCycle,
		Amount:       price.Price,
		Description:  fmt.Sprintf("%s (%s)", price.Plan.Name, price.BillingCycle),
		DueDate:      now,
		Customer:     customerOf(enterprise),
		Card:         req.Card,
		Holder:       req.Holder,
		RemoteIP:     req.RemoteIP,
	})
	if charge != nil && charge.CustomerID != "" {
		o.saveCustomerID(ctx, enterprise.ID, charge.CustomerID)
	}
	if errCharge != nil {
		o.markFailed(ctx, payment.ID)
		metrics.CheckoutTotal.WithLabelValues(gw.Name(), string(models.PaymentStatusFailed)).Inc()
		log.WithFields(fields).WithError(errCharge).Warn("checkout: gateway charge failed")
		return nil, fmt.Errorf("checkout: charge: %w", errCharge)
	}
	if charge == nil {
		charge = &gateway.CheckoutResult{Status: models.PaymentStatusPending}
	}

	if errRecord := o.recordCharge(ctx, payment.ID, sub.ID, price.BillingCycle, gw.Name(), charge); errRecord != nil {
		if errors.Is(errRecord, ErrRecurringActive) {
			o.cancelDuplicate(ctx, gw, charge.TransactionID, fields)
			o.markFailed(ctx, payment.ID)
		}
		return nil, errRecord
	}

	status := models.PaymentStatusPending
	if charge.Status == models.PaymentStatusPaid {
		confirmation := gateway.WebhookResult{
			EventType:     "checkout",
			PaymentID:     payment.ID,
			Status:        models.PaymentStatusPaid,
			TransactionID: charge.TransactionID,
			ChargeID:      charge.ChargeID,
		}
		if price.BillingCycle == models.BillingCycleMonthly {
			confirmation.SubscriptionID = charge.TransactionID
		}
		if _, errApply := o.reconciler.ApplyPaid(ctx, gw.Name(), confirmation); errApply != nil {
			return nil, fmt.Errorf("checkout: apply confirmation: %w", errApply)
		}
		status = models.PaymentStatusPaid
	}
	metrics.CheckoutTotal.WithLabelValues(gw.Name(), string(status)).Inc()
	log.WithFields(fields).WithField("status", status).Info("checkout: completed")

	return &Result{
		PaymentID:      payment.ID,
		SubscriptionID: sub.ID,
		Gateway:        gw.Name(),
		Status:         status,
		TransactionID:  charge.TransactionID,
	}, nil
}

// PaymentLink records a pending payment and returns a hosted gateway link for it.
func (o *Orchestrator) PaymentLink(ctx context.Context, enterpriseID, planPriceID uint64, gatewayName string) (*LinkResult, error) {
	gw, errGateway := o.gateways.Resolve(gatewayName)
	if errGateway != nil {
		return nil, errGateway
	}
	enterprise, errEnterprise := o.loadEnterprise(ctx, enterpriseID)
	if errEnterprise != nil {
		return nil, errEnterprise
	}
	price, errPrice := o.loadPrice(ctx, planPriceID)
	if errPrice != nil {
		return nil, errPrice
	}
	_, payment, errPending := o.createPending(ctx, enterpriseID, price, gw.Name(), o.now())
	if errPending != nil {
		return nil, errPending
	}
	url, errLink := gw.CreatePaymentLink(ctx, gateway.LinkRequest{
		PaymentID:    payment.ID,
		BillingCycle: price.BillingCycle,
		Amount:       price.Price,
		Description:  fmt.Sprintf("%s (%s)", price.Plan.Name, price.BillingCycle),
		PlanName:     price.Plan.Name,
		Customer:     customerOf(enterprise),
	})
	if errLink != nil {
		o.markFailed(ctx, payment.ID)
		return nil, fmt.Errorf("checkout: payment link: %w", errLink)
	}
	return &LinkResult{PaymentID: payment.ID, Gateway: gw.Name(), URL: url}, nil
}

func customerOf(enterprise *models.Enterprise) gateway.Customer {
	customer := gateway.Customer{
		Name:     enterprise.Name,
		Email:    enterprise.Email,
		Document: enterprise.Document,
		Phone:    enterprise.Phone,
	}
	if enterprise.GatewayCustomerID != nil {
		customer.ID = *enterprise.GatewayCustomerID
	}
	return customer
}

func (o *Orchestrator) loadEnterprise(ctx context.Context, enterpriseID uint64) (*models.Enterprise, error) {
	var enterprise models.Enterprise
	if errFind := o.db.WithContext(ctx).First(&enterprise, enterpriseID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrEnterpriseNotFound
		}
		return nil, fmt.Errorf("checkout: load enterprise: %w", errFind)
	}
	return &enterprise, nil
}

func (o *Orchestrator) loadPrice(ctx context.Context, planPriceID uint64) (models.PlanPrice, error) {
	var price models.PlanPrice
	if errFind := o.db.WithContext(ctx).Preload("Plan").First(&price, planPriceID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return price, ErrPlanPriceNotFound
		}
		return price, fmt.Errorf("checkout: load plan price: %w", errFind)
	}
	if !price.Plan.IsEnabled {
		return price, ErrPlanPriceNotFound
	}
	return price, nil
}

// createPending binds the payment to the current non-canceled subscription,
// creating an unpaid one when none exists. A subscription that still carries a
// gateway recurring subscription is never charged again.
func (o *Orchestrator) createPending(ctx context.Context, enterpriseID uint64, price models.PlanPrice, gatewayName string, now time.Time) (*models.Subscription, *models.Payment, error) {
	items, errItems := json.Marshal([]models.PaymentItem{{
		PlanID:       price.PlanID,
		PlanName:     price.Plan.Name,
		PlanPriceID:  price.ID,
		BillingCycle: price.BillingCycle,
		Amount:       price.Price,
	}})
	if errItems != nil {
		return nil, nil, fmt.Errorf("checkout: encode items: %w", errItems)
	}

	var (
		sub     *models.Subscription
		payment *models.Payment
	)
	errTx := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, errCurrent := o.subscriptions.CurrentTx(ctx, tx, enterpriseID)
		switch {
		case errCurrent == nil && current.Status != models.SubscriptionStatusCanceled:
			if current.ExternalID != nil && *current.ExternalID != "" {
				return ErrRecurringActive
			}
			sub = current
		case errCurrent == nil || errors.Is(errCurrent, subscription.ErrNotFound):
			created, errCreate := o.subscriptions.CreateUnpaid(ctx, tx, enterpriseID, price, now)
			if errCreate != nil {
				return errCreate
			}
			sub = created
		default:
			return errCurrent
		}

		payment = &models.Payment{
			SubscriptionID: sub.ID,
			PlanPriceID:    price.ID,
			Gateway:        gatewayName,
			Amount:         price.Price,
			Status:         models.PaymentStatusPending,
			DueDate:        now,
			Items:          datatypes.JSON(items),
		}
		if errCreate := tx.Create(payment).Error; errCreate != nil {
			return fmt.Errorf("checkout: create payment: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return nil, nil, errTx
	}
	return sub, payment, nil
}

// saveCustomerID persists a newly created gateway customer before anything else
// about the charge is evaluated.
func (o *Orchestrator) saveCustomerID(ctx context.Context, enterpriseID uint64, customerID string) {
	errSave := o.db.WithContext(context.WithoutCancel(ctx)).
		Model(&models.Enterprise{}).
		Where("id = ? AND gateway_customer_id IS NULL", enterpriseID).
		Update("gateway_customer_id", customerID).Error
	if errSave != nil {
		log.WithError(errSave).WithFields(log.Fields{
			"enterprise_id": enterpriseID,
			"customer_id":   customerID,
		}).Error("checkout: persist gateway customer failed")
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, paymentID uint64) {
	errMark := o.db.WithContext(context.WithoutCancel(ctx)).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, models.PaymentStatusPending).
		Updates(map[string]any{"status": models.PaymentStatusFailed, "updated_at": o.now()}).Error
	if errMark != nil {
		log.WithError(errMark).WithField("payment_id", paymentID).Error("checkout: mark payment failed")
	}
}

func (o *Orchestrator) recordCharge(ctx context.Context, paymentID, subscriptionID uint64, cycle models.BillingCycle, gatewayName string, charge *gateway.CheckoutResult) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if charge.TransactionID != "" {
			if err := tx.Model(&models.Payment{}).
				Where("id = ? AND transaction_id IS NULL", paymentID).
				Update("transaction_id", charge.TransactionID).Error; err != nil {
				return fmt.Errorf("checkout: record transaction id: %w", err)
			}
		}
		if charge.ChargeID != "" {
			if err := tx.Model(&models.Payment{}).
				Where("id = ? AND gateway_charge_id IS NULL", paymentID).
				Update("gateway_charge_id", charge.ChargeID).Error; err != nil {
				return fmt.Errorf("checkout: record charge id: %w", err)
			}
		}
		if cycle != models.BillingCycleMonthly || charge.TransactionID == "" {
			return nil
		}
		res := tx.Model(&models.Subscription{}).
			Where("id = ? AND (external_id IS NULL OR external_id = '')", subscriptionID).
			Updates(map[string]any{"external_id": charge.TransactionID, "gateway": gatewayName})
		if res.Error != nil {
			return fmt.Errorf("checkout: record gateway subscription: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrRecurringActive
		}
		return nil
	})
}

// cancelDuplicate cancels a recurring subscription that lost the race for the
// local subscription slot so the gateway does not keep charging it.
func (o *Orchestrator) cancelDuplicate(ctx context.Context, gw gateway.Gateway, externalID string, fields log.Fields) {
	if errCancel := gw.CancelSubscription(context.WithoutCancel(ctx), externalID); errCancel != nil {
		log.WithFields(fields).WithError(errCancel).WithField("external_id", externalID).
			Error("checkout: cancel duplicate gateway subscription failed")
		return
	}
	log.WithFields(fields).WithField("external_id", externalID).Warn("checkout: canceled duplicate gateway subscription")
}
