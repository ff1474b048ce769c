// Package gateway defines the payment gateway capability interface shared by provider adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/feedbox/billing/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnsupported is returned by adapters for operations their provider does not offer.
	ErrUnsupported = errors.New("gateway: unsupported operation")
	// ErrNotFound is returned when the provider reports the referenced resource absent.
	ErrNotFound = errors.New("gateway: resource not found")
	// ErrProvider marks errors reported by an external payment provider.
	ErrProvider = errors.New("gateway: provider error")
	// ErrUnknownGateway is returned by the registry for unregistered names.
	ErrUnknownGateway = errors.New("gateway: unknown gateway")
	// ErrMalformedWebhook is returned when a webhook payload cannot be decoded.
	ErrMalformedWebhook = errors.New("gateway: malformed webhook payload")
)

// Trust describes whether a webhook payload can be acted on as parsed.
type Trust int

const (
	// SelfVerifying adapters receive authenticated payloads whose fields can be trusted.
	SelfVerifying Trust = iota
	// RequiresCorroboration adapters must confirm state through an authenticated read.
	RequiresCorroboration
)

func (t Trust) String() string {
	if t == RequiresCorroboration {
		return "requires_corroboration"
	}
	return "self_verifying"
}

// Customer identifies the paying tenant at the gateway.
type Customer struct {
	ID       string // Gateway customer ID; empty when none exists yet.
	Name     string
	Email    string
	Document string // CPF or CNPJ.
	Phone    string
}

// Card carries raw card data for transparent checkout.
type Card struct {
	HolderName  string
	Number      string
	ExpiryMonth string
	ExpiryYear  string
	CCV         string
}

// Holder carries the cardholder details required by anti-fraud checks.
type Holder struct {
	Name          string
	Email         string
	CPFCNPJ       string
	Phone         string
	PostalCode    string
	Address       string
	AddressNumber string
	Complement    string
	Province      string
}

// CheckoutRequest is a gateway-agnostic transparent checkout request.
type CheckoutRequest struct {
	PaymentID    uint64
	BillingCycle models.BillingCycle
	Amount       decimal.Decimal
	Description  string
	DueDate      time.Time
	Customer     Customer
	Card         Card
	Holder       Holder
	RemoteIP     string
}

// CheckoutResult is the immediate gateway response to a transparent checkout.
type CheckoutResult struct {
	TransactionID string               // Charge ID for one-off payments, subscription ID for recurring ones.
	Status        models.PaymentStatus // pending or paid.
	CustomerID    string               // Set only when the gateway customer was created by this call.
	ChargeID      string               // Per-charge ID when known.
}

// LinkRequest describes a hosted payment link for a pending payment.
type LinkRequest struct {
	PaymentID    uint64
	BillingCycle models.BillingCycle
	Amount       decimal.Decimal
	Description  string
	PlanName     string
	Customer     Customer
}

// WebhookResult is the canonical form of a payment webhook.
type WebhookResult struct {
	EventType      string
	PaymentID      uint64
	Status         models.PaymentStatus // paid, failed or refunded.
	TransactionID  string
	ChargeID       string
	SubscriptionID string // Gateway subscription the charge belongs to, if any.
	Corroborated   bool   // Status was confirmed through an authenticated read.
}

// Gateway is implemented by every payment provider adapter.
type Gateway interface {
	Name() string
	Trust() Trust
	CreateTransparentCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
	CancelSubscription(ctx context.Context, externalID string) error
	// ParseWebhook returns nil, nil for events outside the adapter's vocabulary.
	ParseWebhook(ctx context.Context, payload []byte) (*WebhookResult, error)
	CreatePaymentLink(ctx context.Context, req LinkRequest) (string, error)
}

// ProviderError carries a non-2xx provider response.
type ProviderError struct {
	Gateway    string
	Op         string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: status %d: %s", e.Gateway, e.Op, e.StatusCode, e.Body)
}

// Unwrap lets callers match ErrProvider, and ErrNotFound for 404 responses.
func (e *ProviderError) Unwrap() []error {
	if e.StatusCode == http.StatusNotFound {
		return []error{ErrProvider, ErrNotFound}
	}
	return []error{ErrProvider}
}
