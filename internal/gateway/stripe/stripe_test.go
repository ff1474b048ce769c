package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/models"
	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePaymentLink_BuildsSubscriptionSession(t *testing.T) {
	gw := New(Config{SuccessURL: "https://app.test/ok", CancelURL: "https://app.test/cancel"})
	var captured *stripelib.CheckoutSessionParams
	gw.createCheckoutSession = func(params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
		captured = params
		return &stripelib.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil
	}

	link, err := gw.CreatePaymentLink(context.Background(), gateway.LinkRequest{
		PaymentID:    31,
		BillingCycle: models.BillingCycleYearly,
		Amount:       decimal.RequireFromString("199.90"),
		PlanName:     "Pro",
		Customer:     gateway.Customer{Email: "billing@acme.test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", link)
	require.NotNil(t, captured)
	assert.Equal(t, "31", *captured.ClientReferenceID)
	assert.Equal(t, "subscription", *captured.Mode)
	assert.Equal(t, "billing@acme.test", *captured.CustomerEmail)
	require.Len(t, captured.LineItems, 1)
	priceData := captured.LineItems[0].PriceData
	assert.Equal(t, int64(19990), *priceData.UnitAmount)
	assert.Equal(t, "year", *priceData.Recurring.Interval)
	assert.Equal(t, "brl", *priceData.Currency)
}

func TestCancelSubscription_ResourceMissingIsNotFound(t *testing.T) {
	gw := New(Config{})
	gw.cancelSubscription = func(id string, params *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
		assert.Equal(t, "sub_1", id)
		return nil, &stripelib.Error{HTTPStatusCode: http.StatusBadRequest, Code: stripelib.ErrorCodeResourceMissing, Msg: "No such subscription"}
	}

	err := gw.CancelSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, gateway.ErrNotFound)
	assert.ErrorIs(t, err, gateway.ErrProvider)
}

func TestCancelSubscription_TransportError(t *testing.T) {
	gw := New(Config{})
	gw.cancelSubscription = func(string, *stripelib.SubscriptionCancelParams) (*stripelib.Subscription, error) {
		return nil, errors.New("connection reset")
	}

	err := gw.CancelSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, gateway.ErrNotFound)
}

func TestParseWebhook(t *testing.T) {
	gw := New(Config{})

	completed := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"31","payment_status":"paid","subscription":"sub_9","invoice":"in_1"}}}`)
	result, err := gw.ParseWebhook(context.Background(), completed)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.PaymentStatusPaid, result.Status)
	assert.Equal(t, uint64(31), result.PaymentID)
	assert.Equal(t, "sub_9", result.TransactionID)
	assert.Equal(t, "sub_9", result.SubscriptionID)
	assert.Equal(t, "in_1", result.ChargeID)

	unpaid := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_2","client_reference_id":"32","payment_status":"unpaid"}}}`)
	result, err = gw.ParseWebhook(context.Background(), unpaid)
	require.NoError(t, err)
	assert.Nil(t, result)

	failed := []byte(`{"id":"evt_3","object":"event","type":"checkout.session.async_payment_failed","data":{"object":{"id":"cs_3","client_reference_id":"33","payment_intent":"pi_3"}}}`)
	result, err = gw.ParseWebhook(context.Background(), failed)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.PaymentStatusFailed, result.Status)
	assert.Equal(t, "pi_3", result.TransactionID)

	other := []byte(`{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	result, err = gw.ParseWebhook(context.Background(), other)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCreateTransparentCheckoutUnsupported(t *testing.T) {
	_, err := New(Config{}).CreateTransparentCheckout(context.Background(), gateway.CheckoutRequest{})
	assert.ErrorIs(t, err, gateway.ErrUnsupported)
}
