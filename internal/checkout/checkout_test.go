package checkout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/feedbox/billing/internal/db/dbtest"
	"github.com/feedbox/billing/internal/entitlement"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/gateway/gatewaytest"
	"github.com/feedbox/billing/internal/models"
	"github.com/feedbox/billing/internal/subscription"
	"github.com/feedbox/billing/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	fake       *gatewaytest.Fake
	orch       *Orchestrator
	manager    *subscription.Manager
	enterprise models.Enterprise
	prices     map[models.BillingCycle]models.PlanPrice
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := dbtest.Open(t)
	fake := &gatewaytest.Fake{GatewayName: "asaas"}
	registry := gateway.NewRegistry("asaas", fake)
	manager := subscription.NewManager(conn, registry, time.Second, time.Minute)
	reconciler := webhook.NewReconciler(conn, registry, manager, nil)
	orch := NewOrchestrator(conn, registry, manager, reconciler)
	now := time.Now().UTC()
	orch.now = func() time.Time { return now }

	enterprise := dbtest.Enterprise(t, conn, "acme")
	_, prices := dbtest.Plan(t, conn, "Pro", true, models.PlanFeatures{MaxBoxes: 5}, map[models.BillingCycle]string{
		models.BillingCycleMonthly: "99.90",
		models.BillingCycleYearly:  "999.00",
	})
	return &fixture{db: conn, fake: fake, orch: orch, manager: manager, enterprise: enterprise, prices: prices, now: now}
}

func validRequest(priceID uint64) Request {
	return Request{
		PlanPriceID: priceID,
		Card: gateway.Card{
			HolderName:  "Maria Silva",
			Number:      "4111 1111 1111 1111",
			ExpiryMonth: "12",
			ExpiryYear:  "2099",
			CCV:         "123",
		},
		Holder: gateway.Holder{
			Name:          "Maria Silva",
			Email:         "maria@acme.test",
			CPFCNPJ:       "123.456.789-09",
			Phone:         "11999999999",
			PostalCode:    "01310-100",
			Address:       "Av. Paulista",
			AddressNumber: "1000",
		},
		RemoteIP: "203.0.113.7",
	}
}

func TestCheckout_PaidMonthlyRenewsAndRecordsGatewayIDs(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{
		TransactionID: "sub_1",
		ChargeID:      "pay_1",
		Status:        models.PaymentStatusPaid,
		CustomerID:    "cus_1",
	}

	result, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, result.Status)
	require.Equal(t, 1, f.fake.CheckoutCount())
	call := f.fake.CheckoutCalls[0]
	assert.Equal(t, result.PaymentID, call.PaymentID)
	assert.True(t, call.Amount.Equal(f.prices[models.BillingCycleMonthly].Price))
	assert.Equal(t, "12345678000199", call.Customer.Document)

	var payment models.Payment
	require.NoError(t, f.db.First(&payment, result.PaymentID).Error)
	assert.Equal(t, models.PaymentStatusPaid, payment.Status)
	require.NotNil(t, payment.PaymentDate)
	require.NotNil(t, payment.TransactionID)
	assert.Equal(t, "sub_1", *payment.TransactionID)
	require.NotNil(t, payment.GatewayChargeID)
	assert.Equal(t, "pay_1", *payment.GatewayChargeID)

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, result.SubscriptionID).Error)
	require.NotNil(t, sub.ExternalID)
	assert.Equal(t, "sub_1", *sub.ExternalID)
	assert.Equal(t, "asaas", sub.Gateway)
	require.NotNil(t, sub.EndDate)
	assert.WithinDuration(t, subscription.NextBillingDate(f.now, models.BillingCycleMonthly), *sub.EndDate, 5*time.Second)

	var enterprise models.Enterprise
	require.NoError(t, f.db.First(&enterprise, f.enterprise.ID).Error)
	require.NotNil(t, enterprise.GatewayCustomerID)
	assert.Equal(t, "cus_1", *enterprise.GatewayCustomerID)
}

func TestCheckout_PendingLeavesSubscriptionUnpaid(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{TransactionID: "pay_9", ChargeID: "pay_9", Status: models.PaymentStatusPending}

	result, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleYearly].ID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, result.Status)

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, result.SubscriptionID).Error)
	assert.Nil(t, sub.ExternalID, "yearly charges are not gateway subscriptions")
	assert.Equal(t, models.SubscriptionStatusPastDue, sub.Status)
	require.NotNil(t, sub.EndDate)
	assert.WithinDuration(t, f.now, *sub.EndDate, time.Second)

	ent, err := entitlement.NewResolver(f.manager).Resolve(context.Background(), f.enterprise.ID)
	require.NoError(t, err)
	assert.True(t, ent.Expired)
	assert.False(t, ent.WithinLimit(entitlement.ResourceBoxes, 1))
}

func TestCheckout_DeclinedCardGrantsNothing(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutErr = &gateway.ProviderError{Gateway: "asaas", Op: "create payment", StatusCode: 400, Body: "card declined"}

	_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.ErrorIs(t, err, gateway.ErrProvider)

	var sub models.Subscription
	require.NoError(t, f.db.Where("enterprise_id = ?", f.enterprise.ID).First(&sub).Error)
	assert.NotEqual(t, models.SubscriptionStatusActive, sub.Status)

	ent, err := entitlement.NewResolver(f.manager).Resolve(context.Background(), f.enterprise.ID)
	require.NoError(t, err)
	assert.True(t, ent.Expired)
	assert.False(t, ent.Allows(entitlement.FeatureReports))
	assert.False(t, ent.WithinLimit(entitlement.ResourceBoxes, 1))
}

func TestCheckout_AfterCancellationStartsUnpaid(t *testing.T) {
	f := newFixture(t)
	day := 24 * time.Hour
	end := f.now.Add(-day)
	require.NoError(t, f.db.Create(&models.Subscription{
		EnterpriseID: f.enterprise.ID,
		PlanPriceID:  f.prices[models.BillingCycleMonthly].ID,
		Status:       models.SubscriptionStatusCanceled,
		StartDate:    f.now.Add(-10 * day),
		EndDate:      &end,
	}).Error)
	f.fake.CheckoutErr = &gateway.ProviderError{Gateway: "asaas", Op: "create payment", StatusCode: 400, Body: "card declined"}

	_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.Error(t, err)

	ent, err := entitlement.NewResolver(f.manager).Resolve(context.Background(), f.enterprise.ID)
	require.NoError(t, err)
	assert.True(t, ent.Expired)
}

func TestCheckout_SecondMonthlyCheckoutIsRejectedWhileRecurring(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{TransactionID: "sub_A", Status: models.PaymentStatusPaid}
	first, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.NoError(t, err)

	f.fake.CheckoutResult = &gateway.CheckoutResult{TransactionID: "sub_B", Status: models.PaymentStatusPaid}
	_, err = f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.ErrorIs(t, err, ErrRecurringActive)
	_, err = f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleYearly].ID))
	require.ErrorIs(t, err, ErrRecurringActive)
	assert.Equal(t, 1, f.fake.CheckoutCount())

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, first.SubscriptionID).Error)
	require.NotNil(t, sub.ExternalID)
	assert.Equal(t, "sub_A", *sub.ExternalID)

	_, err = f.manager.Cancel(context.Background(), f.enterprise.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_A"}, f.fake.CancelCalls)
}

func TestCheckout_ConcurrentRecurringIsCanceledAtGateway(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{Status: models.PaymentStatusPending}
	first, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleYearly].ID))
	require.NoError(t, err)

	f.fake.CheckoutResult = &gateway.CheckoutResult{TransactionID: "sub_late", Status: models.PaymentStatusPending}
	f.fake.BeforeCheckout = func(gateway.CheckoutRequest) {
		require.NoError(t, f.db.Model(&models.Subscription{}).
			Where("id = ?", first.SubscriptionID).
			Updates(map[string]any{"external_id": "sub_won", "gateway": "asaas"}).Error)
	}
	_, err = f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.ErrorIs(t, err, ErrRecurringActive)
	assert.Equal(t, []string{"sub_late"}, f.fake.CancelCalls)

	var sub models.Subscription
	require.NoError(t, f.db.First(&sub, first.SubscriptionID).Error)
	assert.Equal(t, "sub_won", *sub.ExternalID)
}

func TestCheckout_ReusesCurrentSubscription(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{Status: models.PaymentStatusPending}

	first, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.NoError(t, err)
	second, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleYearly].ID))
	require.NoError(t, err)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.NotEqual(t, first.PaymentID, second.PaymentID)
}

func TestCheckout_ValidationHappensBeforeAnyGatewayCall(t *testing.T) {
	f := newFixture(t)
	priceID := f.prices[models.BillingCycleMonthly].ID

	cases := []struct {
		name  string
		field string
		edit  func(*Request)
	}{
		{"short card", "card.number", func(r *Request) { r.Card.Number = "4111" }},
		{"letters in card", "card.number", func(r *Request) { r.Card.Number = "4111a11111111111" }},
		{"bad month", "card.expiryMonth", func(r *Request) { r.Card.ExpiryMonth = "13" }},
		{"expired", "card.expiryYear", func(r *Request) { r.Card.ExpiryYear = "20" }},
		{"three digit year", "card.expiryYear", func(r *Request) { r.Card.ExpiryYear = "209" }},
		{"ccv", "card.ccv", func(r *Request) { r.Card.CCV = "12" }},
		{"holder name", "card.holderName", func(r *Request) { r.Card.HolderName = " " }},
		{"holder email", "holder.email", func(r *Request) { r.Holder.Email = "nope" }},
		{"holder document", "holder.cpfCnpj", func(r *Request) { r.Holder.CPFCNPJ = "123" }},
		{"holder address number", "holder.addressNumber", func(r *Request) { r.Holder.AddressNumber = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(priceID)
			tc.edit(&req)
			_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, req)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Zero(t, f.fake.CheckoutCount())
}

func TestCheckout_EnterpriseWithoutDocumentMakesNoGatewayCall(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Enterprise{}).Where("id = ?", f.enterprise.ID).Update("document", "").Error)

	_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "enterprise.document", verr.Field)
	assert.Zero(t, f.fake.CheckoutCount())

	var payments int64
	require.NoError(t, f.db.Model(&models.Payment{}).Count(&payments).Error)
	assert.Zero(t, payments)
}

func TestCheckout_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Checkout(context.Background(), 9999, validRequest(f.prices[models.BillingCycleMonthly].ID))
	assert.ErrorIs(t, err, ErrEnterpriseNotFound)

	_, err = f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(9999))
	assert.ErrorIs(t, err, ErrPlanPriceNotFound)

	req := validRequest(f.prices[models.BillingCycleMonthly].ID)
	req.Gateway = "paypal"
	_, err = f.orch.Checkout(context.Background(), f.enterprise.ID, req)
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
	assert.Zero(t, f.fake.CheckoutCount())
}

func TestCheckout_GatewayFailureMarksPaymentFailedAndKeepsCustomer(t *testing.T) {
	f := newFixture(t)
	f.fake.CheckoutResult = &gateway.CheckoutResult{CustomerID: "cus_new"}
	f.fake.CheckoutErr = &gateway.ProviderError{Gateway: "asaas", Op: "create payment", StatusCode: 400, Body: `{"errors":[{"code":"invalid_creditCard"}]}`}

	_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.ErrorIs(t, err, gateway.ErrProvider)

	var payment models.Payment
	require.NoError(t, f.db.First(&payment).Error)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)

	var enterprise models.Enterprise
	require.NoError(t, f.db.First(&enterprise, f.enterprise.ID).Error)
	require.NotNil(t, enterprise.GatewayCustomerID)
	assert.Equal(t, "cus_new", *enterprise.GatewayCustomerID)
}

func TestCheckout_ExistingCustomerIsReused(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Model(&models.Enterprise{}).Where("id = ?", f.enterprise.ID).Update("gateway_customer_id", "cus_known").Error)
	f.fake.CheckoutResult = &gateway.CheckoutResult{Status: models.PaymentStatusPending}

	_, err := f.orch.Checkout(context.Background(), f.enterprise.ID, validRequest(f.prices[models.BillingCycleMonthly].ID))
	require.NoError(t, err)
	require.Equal(t, 1, f.fake.CheckoutCount())
	assert.Equal(t, "cus_known", f.fake.CheckoutCalls[0].Customer.ID)
}

func TestPaymentLink(t *testing.T) {
	f := newFixture(t)
	f.fake.Link = "https://pay.example/link/1"

	link, err := f.orch.PaymentLink(context.Background(), f.enterprise.ID, f.prices[models.BillingCycleYearly].ID, "")
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/link/1", link.URL)
	assert.Equal(t, "asaas", link.Gateway)
	require.Len(t, f.fake.LinkCalls, 1)
	assert.Equal(t, link.PaymentID, f.fake.LinkCalls[0].PaymentID)
	assert.Equal(t, "Pro", f.fake.LinkCalls[0].PlanName)

	var payment models.Payment
	require.NoError(t, f.db.First(&payment, link.PaymentID).Error)
	assert.Equal(t, models.PaymentStatusPending, payment.Status)

	f.fake.LinkErr = gateway.ErrUnsupported
	_, err = f.orch.PaymentLink(context.Background(), f.enterprise.ID, f.prices[models.BillingCycleYearly].ID, "")
	assert.ErrorIs(t, err, gateway.ErrUnsupported)
}
