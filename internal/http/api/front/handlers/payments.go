package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/feedbox/billing/internal/checkout"
	"github.com/feedbox/billing/internal/gateway"
	"github.com/feedbox/billing/internal/http/api/apierr"
	"github.com/feedbox/billing/internal/models"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	defaultPaymentsLimit = 20
	maxPaymentsLimit     = 100
)

// PaymentHandler serves checkout and payment history endpoints.
type PaymentHandler struct {
	db           *gorm.DB
	orchestrator *checkout.Orchestrator
}

// NewPaymentHandler constructs a PaymentHandler.
func NewPaymentHandler(db *gorm.DB, orchestrator *checkout.Orchestrator) *PaymentHandler {
	return &PaymentHandler{db: db, orchestrator: orchestrator}
}

// checkoutRequest defines the request body for transparent checkout.
type checkoutRequest struct {
	PlanPriceID uint64        `json:"plan_price_id"` // Plan price to subscribe to.
	Gateway     string        `json:"gateway"`       // Optional gateway name.
	Card        cardRequest   `json:"card"`          // Raw card data.
	Holder      holderRequest `json:"holder"`        // Cardholder details.
}

type cardRequest struct {
	HolderName  string `json:"holderName"`
	Number      string `json:"number"`
	ExpiryMonth string `json:"expiryMonth"`
	ExpiryYear  string `json:"expiryYear"`
	CCV         string `json:"ccv"`
}

type holderRequest struct {
	Name          string `json:"name"`
	Email         string `json:"email"`
	CPFCNPJ       string `json:"cpfCnpj"`
	Phone         string `json:"phone"`
	PostalCode    string `json:"postalCode"`
	Address       string `json:"address"`
	AddressNumber string `json:"addressNumber"`
	Complement    string `json:"complement"`
	Province      string `json:"province"`
}

// linkRequest defines the request body for hosted payment links.
type linkRequest struct {
	PlanPriceID uint64 `json:"plan_price_id"`
	Gateway     string `json:"gateway"`
}

// Checkout charges a card for the selected plan price.
func (h *PaymentHandler) Checkout(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}

	var body checkoutRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.PlanPriceID == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "plan_price_id is required", "field": "plan_price_id"})
		return
	}

	result, errCheckout := h.orchestrator.Checkout(c.Request.Context(), id, checkout.Request{
		PlanPriceID: body.PlanPriceID,
		Gateway:     strings.TrimSpace(body.Gateway),
		Card: gateway.Card{
			HolderName:  body.Card.HolderName,
			Number:      body.Card.Number,
			ExpiryMonth: body.Card.ExpiryMonth,
			ExpiryYear:  body.Card.ExpiryYear,
			CCV:         body.Card.CCV,
		},
		Holder: gateway.Holder{
			Name:          body.Holder.Name,
			Email:         body.Holder.Email,
			CPFCNPJ:       body.Holder.CPFCNPJ,
			Phone:         body.Holder.Phone,
			PostalCode:    body.Holder.PostalCode,
			Address:       body.Holder.Address,
			AddressNumber: body.Holder.AddressNumber,
			Complement:    body.Holder.Complement,
			Province:      body.Holder.Province,
		},
		RemoteIP: c.ClientIP(),
	})
	if errCheckout != nil {
		apierr.Respond(c, errCheckout, "checkout failed")
		return
	}

	var payment models.Payment
	if errFind := h.db.WithContext(c.Request.Context()).
		Preload("PlanPrice.Plan").
		First(&payment, result.PaymentID).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load payment failed"})
		return
	}

	status := http.StatusCreated
	if result.Status == models.PaymentStatusPending {
		status = http.StatusAccepted
	}
	gw := gin.H{"name": result.Gateway, "status": result.Status}
	if result.TransactionID != "" {
		gw["transactionId"] = result.TransactionID
	}
	c.JSON(status, gin.H{"payment": paymentView(payment), "gateway": gw})
}

// Link creates a hosted payment link for the selected plan price.
func (h *PaymentHandler) Link(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}

	var body linkRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.PlanPriceID == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "plan_price_id is required", "field": "plan_price_id"})
		return
	}

	result, errLink := h.orchestrator.PaymentLink(c.Request.Context(), id, body.PlanPriceID, strings.TrimSpace(body.Gateway))
	if errLink != nil {
		apierr.Respond(c, errLink, "create payment link failed")
		return
	}
	c.JSON(http.StatusCreated, result)
}

// List returns the tenant's payments, newest first.
func (h *PaymentHandler) List(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}

	limit := defaultPaymentsLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxPaymentsLimit)
	}

	q := h.db.WithContext(c.Request.Context()).
		Model(&models.Payment{}).
		Joins("JOIN subscriptions ON subscriptions.id = payments.subscription_id").
		Where("subscriptions.enterprise_id = ?", id)
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		q = q.Where("payments.status = ?", status)
	}

	var payments []models.Payment
	if errFind := q.Preload("PlanPrice.Plan").
		Order("payments.created_at DESC, payments.id DESC").
		Limit(limit).
		Find(&payments).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list payments failed"})
		return
	}

	out := make([]gin.H, 0, len(payments))
	for _, p := range payments {
		out = append(out, paymentView(p))
	}
	c.JSON(http.StatusOK, gin.H{"payments": out})
}

func paymentView(p models.Payment) gin.H {
	return gin.H{
		"id":              p.ID,
		"subscription_id": p.SubscriptionID,
		"plan_price_id":   p.PlanPriceID,
		"plan_name":       p.PlanPrice.Plan.Name,
		"billing_cycle":   p.PlanPrice.BillingCycle,
		"gateway":         p.Gateway,
		"amount":          p.Amount,
		"status":          p.Status,
		"due_date":        p.DueDate,
		"payment_date":    p.PaymentDate,
		"created_at":      p.CreatedAt,
	}
}
