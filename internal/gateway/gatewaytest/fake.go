// Package gatewaytest provides a scriptable gateway for tests.
package gatewaytest

import (
	"context"
	"sync"

	"github.com/feedbox/billing/internal/gateway"
)

// Fake records calls and returns the configured responses.
type Fake struct {
	GatewayName string
	TrustLevel  gateway.Trust

	CheckoutResult *gateway.CheckoutResult
	CheckoutErr    error
	CancelErr      error
	Webhook        *gateway.WebhookResult
	WebhookErr     error
	Link           string
	LinkErr        error
	// BeforeCheckout runs inside CreateTransparentCheckout before the result is returned.
	BeforeCheckout func(req gateway.CheckoutRequest)

	mu            sync.Mutex
	CheckoutCalls []gateway.CheckoutRequest
	CancelCalls   []string
	LinkCalls     []gateway.LinkRequest
}

func (f *Fake) Name() string {
	if f.GatewayName == "" {
		return "fake"
	}
	return f.GatewayName
}

func (f *Fake) Trust() gateway.Trust { return f.TrustLevel }

func (f *Fake) CreateTransparentCheckout(_ context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	if f.BeforeCheckout != nil {
		f.BeforeCheckout(req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckoutCalls = append(f.CheckoutCalls, req)
	if f.CheckoutResult == nil {
		return nil, f.CheckoutErr
	}
	result := *f.CheckoutResult
	return &result, f.CheckoutErr
}

func (f *Fake) CancelSubscription(_ context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls = append(f.CancelCalls, externalID)
	return f.CancelErr
}

func (f *Fake) ParseWebhook(context.Context, []byte) (*gateway.WebhookResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Webhook == nil {
		return nil, f.WebhookErr
	}
	result := *f.Webhook
	return &result, f.WebhookErr
}

func (f *Fake) CreatePaymentLink(_ context.Context, req gateway.LinkRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LinkCalls = append(f.LinkCalls, req)
	return f.Link, f.LinkErr
}

// CheckoutCount returns the number of checkout calls.
func (f *Fake) CheckoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.CheckoutCalls)
}

// CancelCount returns the number of cancel calls.
func (f *Fake) CancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.CancelCalls)
}
