// Package handlers implements the operator endpoints under /v0/admin.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/feedbox/billing/internal/db"
	"github.com/feedbox/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PlanHandler manages admin endpoints for plans and their prices.
type PlanHandler struct {
	db *gorm.DB // Database handle for plan records.
}

// NewPlanHandler constructs a plan handler.
func NewPlanHandler(db *gorm.DB) *PlanHandler {
	return &PlanHandler{db: db}
}

// normalizePlanFeatures validates the features payload and re-encodes it in canonical form.
func normalizePlanFeatures(raw json.RawMessage) (datatypes.JSON, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("features is required")
	}
	plan := models.Plan{Features: datatypes.JSON(raw)}
	features, errDecode := plan.DecodeFeatures()
	if errDecode != nil {
		return nil, errDecode
	}
	encoded, errMarshal := json.Marshal(features)
	if errMarshal != nil {
		return nil, errMarshal
	}
	return datatypes.JSON(encoded), nil
}

// createPlanRequest captures the payload for creating a plan.
type createPlanRequest struct {
	Name        string          `json:"name"`        // Plan name.
	Description string          `json:"description"` // Plan description.
	Features    json.RawMessage `json:"features"`    // Feature document.
	IsDefault   bool            `json:"is_default"`  // Use for trial subscriptions.
	IsEnabled   *bool           `json:"is_enabled"`  // Optional active flag.
}

// Create validates input and inserts a new plan. Marking a plan as default
// clears the flag on every other plan.
func (h *PlanHandler) Create(c *gin.Context) {
	var body createPlanRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	if strings.TrimSpace(body.Name) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "name is required", "field": "name"})
		return
	}
	features, errFeatures := normalizePlanFeatures(body.Features)
	if errFeatures != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": errFeatures.Error(), "field": "features"})
		return
	}

	isEnabled := true
	if body.IsEnabled != nil {
		isEnabled = *body.IsEnabled
	}
	plan := models.Plan{
		Name:        strings.TrimSpace(body.Name),
		Description: body.Description,
		Features:    features,
		IsDefault:   body.IsDefault,
		IsEnabled:   isEnabled,
	}

	errTx := h.db.WithContext(c.Request.Context()).Transaction(func(tx *gorm.DB) error {
		if plan.IsDefault {
			if errReset := tx.Model(&models.Plan{}).
				Where("is_default = ?", true).
				Update("is_default", false).Error; errReset != nil {
				return errReset
			}
		}
		return tx.Create(&plan).Error
	})
	if errTx != nil {
		if db.IsUniqueViolation(errTx) {
			c.JSON(http.StatusConflict, gin.H{"error": "plan name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create plan failed"})
		return
	}
	c.JSON(http.StatusCreated, formatPlan(&plan))
}

// List returns all plans with prices, optionally filtered by enabled flag.
func (h *PlanHandler) List(c *gin.Context) {
	enabledQ := strings.TrimSpace(c.Query("is_enabled"))

	q := h.db.WithContext(c.Request.Context()).Model(&models.Plan{})
	switch enabledQ {
	case "true", "1":
		q = q.Where("is_enabled = ?", true)
	case "false", "0":
		q = q.Where("is_enabled = ?", false)
	}

	var rows []models.Plan
	if errFind := q.Preload("Prices").Order("id ASC").Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list plans failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		out = append(out, formatPlan(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"plans": out})
}

// createPriceRequest captures the payload for adding a plan price.
type createPriceRequest struct {
	BillingCycle models.BillingCycle `json:"billing_cycle"` // monthly or yearly.
	Price        decimal.Decimal     `json:"price"`         // Price per cycle.
}

// CreatePrice adds a price for one billing cycle to a plan.
func (h *PlanHandler) CreatePrice(c *gin.Context) {
	planID, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	var body createPriceRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if !body.BillingCycle.Valid() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "billing_cycle must be monthly or yearly", "field": "billing_cycle"})
		return
	}
	if !body.Price.IsPositive() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "price must be positive", "field": "price"})
		return
	}

	conn := h.db.WithContext(c.Request.Context())
	var plan models.Plan
	if errFind := conn.First(&plan, planID).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}

	price := models.PlanPrice{
		PlanID:       plan.ID,
		BillingCycle: body.BillingCycle,
		Price:        body.Price.Round(2),
	}
	if errCreate := conn.Create(&price).Error; errCreate != nil {
		if db.IsUniqueViolation(errCreate) {
			c.JSON(http.StatusConflict, gin.H{"error": "plan already has a price for this billing cycle"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create price failed"})
		return
	}
	c.JSON(http.StatusCreated, formatPrice(&price))
}

func formatPlan(plan *models.Plan) gin.H {
	prices := make([]gin.H, 0, len(plan.Prices))
	for i := range plan.Prices {
		prices = append(prices, formatPrice(&plan.Prices[i]))
	}
	return gin.H{
		"id":          plan.ID,
		"name":        plan.Name,
		"description": plan.Description,
		"features":    plan.Features,
		"is_default":  plan.IsDefault,
		"is_enabled":  plan.IsEnabled,
		"prices":      prices,
		"created_at":  plan.CreatedAt,
		"updated_at":  plan.UpdatedAt,
	}
}

func formatPrice(price *models.PlanPrice) gin.H {
	return gin.H{
		"id":            price.ID,
		"plan_id":       price.PlanID,
		"billing_cycle": price.BillingCycle,
		"price":         price.Price,
	}
}
