// Package asaas implements the Asaas payment gateway: customers, card charges,
// card subscriptions, payment links and shared-secret webhooks.
package asaas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/models"
	log "github.com/sirupsen/logrus"
)

// Name is the registry name of the Asaas gateway.
const Name = "asaas"

// WebhookHeader carries the shared webhook token configured at Asaas.
const WebhookHeader = "asaas-access-token"

// Config holds Asaas client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Client  *http.Client
}

// Gateway is the Asaas adapter.
type Gateway struct {
	api *gateway.JSONClient
}

// New constructs an Asaas adapter.
func New(cfg Config) *Gateway {
	return &Gateway{
		api: &gateway.JSONClient{
			Gateway: Name,
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"access_token": cfg.APIKey},
			Timeout: cfg.Timeout,
			Client:  cfg.Client,
		},
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Trust() gateway.Trust { return gateway.SelfVerifying }

type customerRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	CPFCNPJ     string `json:"cpfCnpj"`
	MobilePhone string `json:"mobilePhone,omitempty"`
}

type creditCard struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type creditCardHolderInfo struct {
	Name              string `json:"name"`
	Email             string `json:"email"`
	CPFCNPJ           string `json:"cpfCnpj"`
	PostalCode        string `json:"postalCode"`
	Address           string `json:"address,omitempty"`
	AddressNumber     string `json:"addressNumber"`
	AddressComplement string `json:"addressComplement,omitempty"`
	Province          string `json:"province,omitempty"`
	Phone             string `json:"phone"`
}

type chargeRequest struct {
	Customer             string               `json:"customer"`
	BillingType          string               `json:"billingType"`
	Value                float64              `json:"value"`
	Description          string               `json:"description,omitempty"`
	ExternalReference    string               `json:"externalReference"`
	DueDate              string               `json:"dueDate,omitempty"`
	NextDueDate          string               `json:"nextDueDate,omitempty"`
	Cycle                string               `json:"cycle,omitempty"`
	CreditCard           creditCard           `json:"creditCard"`
	CreditCardHolderInfo creditCardHolderInfo `json:"creditCardHolderInfo"`
	RemoteIP             string               `json:"remoteIp,omitempty"`
}

type resource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type paymentList struct {
	Data []resource `json:"data"`
}

// CreateTransparentCheckout charges a card once for yearly prices and opens a
// monthly card subscription otherwise. When the customer was created and a later
// step failed, the returned result still carries CustomerID alongside the error.
func (g *Gateway) CreateTransparentCheckout(ctx context.Context, req gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	result := &gateway.CheckoutResult{Status: models.PaymentStatusPending}
	customerID := strings.TrimSpace(req.Customer.ID)
	if customerID == "" {
		created, errCustomer := g.createCustomer(ctx, req.Customer)
		if errCustomer != nil {
			return nil, errCustomer
		}
		customerID = created
		result.CustomerID = created
	}

	dueDate := req.DueDate
	if dueDate.IsZero() {
		dueDate = time.Now().UTC()
	}
	charge := chargeRequest{
		Customer:          customerID,
		BillingType:       "CREDIT_CARD",
		Value:             req.Amount.InexactFloat64(),
		Description:       req.Description,
		ExternalReference: strconv.FormatUint(req.PaymentID, 10),
		CreditCard: creditCard{
			HolderName:  req.Card.HolderName,
			Number:      req.Card.Number,
			ExpiryMonth: req.Card.ExpiryMonth,
			ExpiryYear:  req.Card.ExpiryYear,
			CCV:         req.Card.CCV,
		},
		CreditCardHolderInfo: creditCardHolderInfo{
			Name:              req.Holder.Name,
			Email:             req.Holder.Email,
			CPFCNPJ:           req.Holder.CPFCNPJ,
			PostalCode:        req.Holder.PostalCode,
			Address:           req.Holder.Address,
			AddressNumber:     req.Holder.AddressNumber,
			AddressComplement: req.Holder.Complement,
			Province:          req.Holder.Province,
			Phone:             req.Holder.Phone,
		},
		RemoteIP: req.RemoteIP,
	}

	if req.BillingCycle == models.BillingCycleMonthly {
		charge.Cycle = "MONTHLY"
		charge.NextDueDate = dueDate.Format(time.DateOnly)
		var sub resource
		if errSub := g.api.Do(ctx, "create_subscription", http.MethodPost, "/subscriptions", charge, &sub); errSub != nil {
			return result, errSub
		}
		result.TransactionID = sub.ID
		var first paymentList
		path := "/subscriptions/" + url.PathEscape(sub.ID) + "/payments"
		if errList := g.api.Do(ctx, "list_subscription_payments", http.MethodGet, path, nil, &first); errList != nil {
			// The subscription exists; the first charge will still arrive by webhook.
			log.WithError(errList).WithField("gateway", Name).Warn("asaas: first subscription charge lookup failed")
			return result, nil
		}
		if len(first.Data) > 0 {
			result.ChargeID = first.Data[0].ID
			result.Status = chargeStatus(first.Data[0].Status)
		}
		return result, nil
	}

	charge.DueDate = dueDate.Format(time.DateOnly)
	var payment resource
	if errPay := g.api.Do(ctx, "create_payment", http.MethodPost, "/payments", charge, &payment); errPay != nil {
		return result, errPay
	}
	result.TransactionID = payment.ID
	result.ChargeID = payment.ID
	result.Status = chargeStatus(payment.Status)
	return result, nil
}

func (g *Gateway) createCustomer(ctx context.Context, customer gateway.Customer) (string, error) {
	var created resource
	body := customerRequest{
		Name:        customer.Name,
		Email:       customer.Email,
		CPFCNPJ:     customer.Document,
		MobilePhone: customer.Phone,
	}
	if errCreate := g.api.Do(ctx, "create_customer", http.MethodPost, "/customers", body, &created); errCreate != nil {
		return "", errCreate
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", fmt.Errorf("asaas: create customer: empty id")
	}
	return created.ID, nil
}

func chargeStatus(status string) models.PaymentStatus {
	switch strings.ToUpper(status) {
	case "CONFIRMED", "RECEIVED", "RECEIVED_IN_CASH":
		return models.PaymentStatusPaid
	default:
		return models.PaymentStatusPending
	}
}

// CancelSubscription deletes the card subscription at Asaas.
func (g *Gateway) CancelSubscription(ctx context.Context, externalID string) error {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return fmt.Errorf("asaas: cancel subscription: empty id")
	}
	return g.api.Do(ctx, "cancel_subscription", http.MethodDelete, "/subscriptions/"+url.PathEscape(externalID), nil, nil)
}

type webhookPayload struct {
	Event   string `json:"event"`
	Payment *struct {
		ID                string `json:"id"`
		Subscription      string `json:"subscription"`
		ExternalReference string `json:"externalReference"`
		Status            string `json:"status"`
	} `json:"payment"`
}

var eventStatus = map[string]models.PaymentStatus{
	"PAYMENT_CONFIRMED":                   models.PaymentStatusPaid,
	"PAYMENT_RECEIVED":                    models.PaymentStatusPaid,
	"PAYMENT_CREDIT_CARD_CAPTURE_REFUSED": models.PaymentStatusFailed,
	"PAYMENT_REPROVED_BY_RISK_ANALYSIS":   models.PaymentStatusFailed,
	"PAYMENT_REFUNDED":                    models.PaymentStatusRefunded,
}

// ParseWebhook maps Asaas payment events. A zero PaymentID means the charge
// carries no local reference.
func (g *Gateway) ParseWebhook(_ context.Context, payload []byte) (*gateway.WebhookResult, error) {
	var body webhookPayload
	if errUnmarshal := json.Unmarshal(payload, &body); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, errUnmarshal)
	}
	status, ok := eventStatus[strings.ToUpper(strings.TrimSpace(body.Event))]
	if !ok || body.Payment == nil {
		return nil, nil
	}
	result := &gateway.WebhookResult{
		EventType:      body.Event,
		Status:         status,
		ChargeID:       body.Payment.ID,
		SubscriptionID: body.Payment.Subscription,
		TransactionID:  body.Payment.ID,
	}
	if body.Payment.Subscription != "" {
		result.TransactionID = body.Payment.Subscription
	}
	if ref := strings.TrimSpace(body.Payment.ExternalReference); ref != "" {
		if id, errParse := strconv.ParseUint(ref, 10, 64); errParse == nil {
			result.PaymentID = id
		}
	}
	return result, nil
}

type paymentLinkRequest struct {
	Name                string  `json:"name"`
	Description         string  `json:"description,omitempty"`
	Value               float64 `json:"value"`
	BillingType         string  `json:"billingType"`
	ChargeType          string  `json:"chargeType"`
	SubscriptionCycle   string  `json:"subscriptionCycle,omitempty"`
	DueDateLimitDays    int     `json:"dueDateLimitDays"`
	ExternalReference   string  `json:"externalReference"`
	NotificationEnabled bool    `json:"notificationEnabled"`
}

// CreatePaymentLink creates a hosted Asaas payment link.
func (g *Gateway) CreatePaymentLink(ctx context.Context, req gateway.LinkRequest) (string, error) {
	body := paymentLinkRequest{
		Name:              req.PlanName,
		Description:       req.Description,
		Value:             req.Amount.InexactFloat64(),
		BillingType:       "UNDEFINED",
		ChargeType:        "RECURRENT",
		SubscriptionCycle: "MONTHLY",
		DueDateLimitDays:  7,
		ExternalReference: strconv.FormatUint(req.PaymentID, 10),
	}
	if req.BillingCycle == models.BillingCycleYearly {
		body.SubscriptionCycle = "YEARLY"
	}
	var link struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if errCreate := g.api.Do(ctx, "create_payment_link", http.MethodPost, "/paymentLinks", body, &link); errCreate != nil {
		return "", errCreate
	}
	if strings.TrimSpace(link.URL) == "" {
		return "", fmt.Errorf("asaas: create payment link: empty url")
	}
	return link.URL, nil
}
