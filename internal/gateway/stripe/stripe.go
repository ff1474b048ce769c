// Package stripe implements the Stripe gateway through hosted Checkout Sessions.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/metrics"
	"github.com/feedbox/billing/internal/models"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	stripelib "github.com/stripe/stripe-go/v82"
	stripesession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// Name is the registry name of the Stripe gateway.
const Name = "stripe"

// hundred converts decimal amounts to minor currency units.
var hundred = decimal.NewFromInt(100)

// Config holds Stripe settings.
type Config struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
	Currency   string
	Timeout    time.Duration
}

// Gateway is the Stripe adapter.
type Gateway struct {
	successURL string
	cancelURL  string
	currency   string
	timeout    time.Duration

	createCheckoutSession func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
	cancelSubscription    func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error)
}

// New constructs a Stripe adapter and sets the process-wide API key.
func New(cfg Config) *Gateway {
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		stripelib.Key = key
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "brl"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{
		successURL:            cfg.SuccessURL,
		cancelURL:             cfg.CancelURL,
		currency:              currency,
		timeout:               timeout,
		createCheckoutSession: stripesession.New,
		cancelSubscription:    stripesub.Cancel,
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Trust() gateway.Trust { return gateway.SelfVerifying }

// CreateTransparentCheckout is not offered: card data is collected by Stripe Checkout.
func (g *Gateway) CreateTransparentCheckout(context.Context, gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	return nil, gateway.ErrUnsupported
}

// CancelSubscription cancels the Stripe subscription immediately.
func (g *Gateway) CancelSubscription(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("stripe: cancel subscription: empty id")
	}
	requestCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = requestCtx

	started := time.Now()
	_, err := g.cancelSubscription(externalID, params)
	metrics.GatewayRequestDuration.WithLabelValues(Name, "cancel_subscription").Observe(time.Since(started).Seconds())
	if err != nil {
		return providerError("cancel_subscription", err)
	}
	return nil
}

// CreatePaymentLink opens a subscription-mode Checkout Session whose client
// reference is the local payment id.
func (g *Gateway) CreatePaymentLink(ctx context.Context, req gateway.LinkRequest) (string, error) {
	interval := "month"
	if req.BillingCycle == models.BillingCycleYearly {
		interval = "year"
	}
	productName := strings.TrimSpace(req.PlanName)
	if productName == "" {
		productName = req.Description
	}
	paymentRef := strconv.FormatUint(req.PaymentID, 10)

	requestCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripelib.String(paymentRef),
		SuccessURL:        stripelib.String(g.successURL),
		CancelURL:         stripelib.String(g.cancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{{
			Quantity: stripelib.Int64(1),
			PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripelib.String(g.currency),
				UnitAmount: stripelib.Int64(req.Amount.Mul(hundred).IntPart()),
				Recurring: &stripelib.CheckoutSessionLineItemPriceDataRecurringParams{
					Interval: stripelib.String(interval),
				},
				ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripelib.String(productName),
				},
			},
		}},
		Metadata: map[string]string{"payment_id": paymentRef},
	}
	if id := strings.TrimSpace(req.Customer.ID); id != "" {
		params.Customer = stripelib.String(id)
	} else if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.CustomerEmail = stripelib.String(email)
	}
	params.Context = requestCtx

	started := time.Now()
	session, err := g.createCheckoutSession(params)
	metrics.GatewayRequestDuration.WithLabelValues(Name, "create_checkout_session").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", providerError("create_checkout_session", err)
	}
	if session == nil || strings.TrimSpace(session.URL) == "" {
		return "", fmt.Errorf("stripe: create checkout session: empty url")
	}
	return session.URL, nil
}

// checkoutSession holds the event fields we read; expandable fields arrive as ids.
type checkoutSession struct {
	ID                string `json:"id"`
	ClientReferenceID string `json:"client_reference_id"`
	PaymentStatus     string `json:"payment_status"`
	Subscription      string `json:"subscription"`
	PaymentIntent     string `json:"payment_intent"`
	Invoice           string `json:"invoice"`
}

// ParseWebhook maps Checkout Session events. The payload must already be
// signature-verified.
func (g *Gateway) ParseWebhook(_ context.Context, payload []byte) (*gateway.WebhookResult, error) {
	var event stripelib.Event
	if errUnmarshal := json.Unmarshal(payload, &event); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, errUnmarshal)
	}

	var status models.PaymentStatus
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = models.PaymentStatusPaid
	case "checkout.session.async_payment_failed":
		status = models.PaymentStatusFailed
	default:
		return nil, nil
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", gateway.ErrMalformedWebhook)
	}
	var session checkoutSession
	if errSession := json.Unmarshal(event.Data.Raw, &session); errSession != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", gateway.ErrMalformedWebhook, errSession)
	}
	// Delayed methods complete with payment_status=unpaid and settle later.
	if event.Type == "checkout.session.completed" && session.PaymentStatus == "unpaid" {
		return nil, nil
	}

	result := &gateway.WebhookResult{
		EventType:      string(event.Type),
		Status:         status,
		SubscriptionID: session.Subscription,
		ChargeID:       firstNonEmpty(session.Invoice, session.PaymentIntent, session.ID),
		TransactionID:  firstNonEmpty(session.Subscription, session.PaymentIntent, session.ID),
	}
	if ref := strings.TrimSpace(session.ClientReferenceID); ref != "" {
		if paymentID, errParse := strconv.ParseUint(ref, 10, 64); errParse == nil {
			result.PaymentID = paymentID
		}
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func providerError(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		perr := &gateway.ProviderError{
			Gateway:    Name,
			Op:         op,
			StatusCode: stripeErr.HTTPStatusCode,
			Body:       stripeErr.Msg,
		}
		if stripeErr.Code == stripelib.ErrorCodeResourceMissing {
			perr.StatusCode = http.StatusNotFound
		}
		log.WithFields(log.Fields{
			"gateway": Name,
			"op":      op,
			"status":  perr.StatusCode,
			"body":    perr.Body,
		}).Warn("gateway: provider rejected request")
		return perr
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}
