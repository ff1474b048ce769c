package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/models"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PlanFrontHandler serves plan-related front endpoints.
type PlanFrontHandler struct {
	db *gorm.DB
}

// NewPlanFrontHandler constructs a PlanFrontHandler.
func NewPlanFrontHandler(db *gorm.DB) *PlanFrontHandler {
	return &PlanFrontHandler{db: db}
}

// List returns enabled plans with their prices.
func (h *PlanFrontHandler) List(c *gin.Context) {
	var plans []models.Plan
	if errFind := h.db.WithContext(c.Request.Context()).
		Preload("Prices", func(db *gorm.DB) *gorm.DB { return db.Order("billing_cycle ASC") }).
		Where("is_enabled = ?", true).
		Order("id ASC").
		Find(&plans).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list plans failed"})
		return
	}

	out := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		features, errFeatures := plan.DecodeFeatures()
		if errFeatures != nil {
			log.WithError(errFeatures).WithField("plan_id", plan.ID).Warn("plans: skipping plan with invalid features")
			continue
		}
		prices := make([]gin.H, 0, len(plan.Prices))
		for _, price := range plan.Prices {
			prices = append(prices, gin.H{
				"id":            price.ID,
				"billing_cycle": price.BillingCycle,
				"price":         price.Price,
			})
		}
		out = append(out, gin.H{
			"id":          plan.ID,
			"name":        plan.Name,
			"description": plan.Description,
			"features":    features,
			"is_default":  plan.IsDefault,
			"prices":      prices,
		})
	}

	c.JSON(http.StatusOK, gin.H{"plans": out})
}
