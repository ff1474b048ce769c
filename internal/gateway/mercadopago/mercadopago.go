// Package mercadopago implements the Mercado Pago gateway. Webhook bodies are
// never trusted: the payment is re-read through the authenticated API.
package mercadopago

import (
	"bytes"
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
)

// Name is the registry name of the Mercado Pago gateway.
const Name = "mercadopago"

// Config holds Mercado Pago client settings.
type Config struct {
	BaseURL     string
	AccessToken string
	SuccessURL  string
	Currency    string
	Timeout     time.Duration
	Client      *http.Client
}

// Gateway is the Mercado Pago adapter.
type Gateway struct {
	api        *gateway.JSONClient
	successURL string
	currency   string
}

// New constructs a Mercado Pago adapter.
func New(cfg Config) *Gateway {
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "BRL"
	}
	return &Gateway{
		api: &gateway.JSONClient{
			Gateway: Name,
			BaseURL: cfg.BaseURL,
			Headers: map[string]string{"Authorization": "Bearer " + cfg.AccessToken},
			Timeout: cfg.Timeout,
			Client:  cfg.Client,
		},
		successURL: cfg.SuccessURL,
		currency:   currency,
	}
}

func (g *Gateway) Name() string { return Name }

func (g *Gateway) Trust() gateway.Trust { return gateway.RequiresCorroboration }

// CreateTransparentCheckout is not offered through Mercado Pago.
func (g *Gateway) CreateTransparentCheckout(context.Context, gateway.CheckoutRequest) (*gateway.CheckoutResult, error) {
	return nil, gateway.ErrUnsupported
}

// CancelSubscription is not offered through Mercado Pago.
func (g *Gateway) CancelSubscription(context.Context, string) error {
	return gateway.ErrUnsupported
}

// resourceID accepts ids sent either as JSON strings or numbers.
type resourceID string

func (id *resourceID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = resourceID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = resourceID(n.String())
	return nil
}

type notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID resourceID `json:"id"`
	} `json:"data"`
}

type paymentResource struct {
	ID                resourceID `json:"id"`
	Status            string     `json:"status"`
	ExternalReference string     `json:"external_reference"`
}

// ResourceID extracts data.id from a webhook body, or "" when absent.
func ResourceID(payload []byte) string {
	var body notification
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return string(body.Data.ID)
}

func isPaymentNotification(body notification) bool {
	if strings.EqualFold(body.Type, "payment") {
		return true
	}
	return strings.HasPrefix(strings.ToLower(body.Action), "payment.")
}

// ParseWebhook reads only the resource id from the payload and maps the status
// returned by GET /v1/payments/{id}.
func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte) (*gateway.WebhookResult, error) {
	var body notification
	if errUnmarshal := json.Unmarshal(payload, &body); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, errUnmarshal)
	}
	if !isPaymentNotification(body) {
		return nil, nil
	}
	id := string(body.Data.ID)
	if id == "" {
		return nil, fmt.Errorf("%w: missing data.id", gateway.ErrMalformedWebhook)
	}

	var payment paymentResource
	if errGet := g.api.Do(ctx, "get_payment", http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &payment); errGet != nil {
		return nil, errGet
	}
	status, ok := paymentStatus(payment.Status)
	if !ok {
		return nil, nil
	}
	chargeID := string(payment.ID)
	if chargeID == "" {
		chargeID = id
	}
	result := &gateway.WebhookResult{
		EventType:     body.Action,
		Status:        status,
		TransactionID: chargeID,
		ChargeID:      chargeID,
		Corroborated:  true,
	}
	if result.EventType == "" {
		result.EventType = body.Type
	}
	if ref := strings.TrimSpace(payment.ExternalReference); ref != "" {
		if paymentID, errParse := strconv.ParseUint(ref, 10, 64); errParse == nil {
			result.PaymentID = paymentID
		}
	}
	return result, nil
}

func paymentStatus(status string) (models.PaymentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return models.PaymentStatusPaid, true
	case "rejected", "cancelled":
		return models.PaymentStatusFailed, true
	case "refunded", "charged_back":
		return models.PaymentStatusRefunded, true
	default:
		return "", false
	}
}

type preferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	Payer             map[string]string `json:"payer,omitempty"`
	BackURLs          map[string]string `json:"back_urls,omitempty"`
	AutoReturn        string            `json:"auto_return,omitempty"`
}

// CreatePaymentLink creates a checkout preference and returns its init_point.
func (g *Gateway) CreatePaymentLink(ctx context.Context, req gateway.LinkRequest) (string, error) {
	title := strings.TrimSpace(req.Description)
	if title == "" {
		title = req.PlanName
	}
	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:         strconv.FormatUint(req.PaymentID, 10),
			Title:      title,
			Quantity:   1,
			UnitPrice:  req.Amount.InexactFloat64(),
			CurrencyID: g.currency,
		}},
		ExternalReference: strconv.FormatUint(req.PaymentID, 10),
	}
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		body.Payer = map[string]string{"email": email}
	}
	if g.successURL != "" {
		body.BackURLs = map[string]string{"success": g.successURL}
		body.AutoReturn = "approved"
	}
	var preference struct {
		ID        string `json:"id"`
		InitPoint string `json:"init_point"`
	}
	if errCreate := g.api.Do(ctx, "create_preference", http.MethodPost, "/checkout/preferences", body, &preference); errCreate != nil {
		return "", errCreate
	}
	if strings.TrimSpace(preference.InitPoint) == "" {
		return "", fmt.Errorf("mercadopago: create preference: empty init_point")
	}
	return preference.InitPoint, nil
}
