package handlers

import (
	"net/http"

	"github.com/feedbox/billing/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReportHandler serves billing reports for plans that include them.
type ReportHandler struct {
	db *gorm.DB
}

// NewReportHandler constructs a ReportHandler.
func NewReportHandler(db *gorm.DB) *ReportHandler {
	return &ReportHandler{db: db}
}

type paymentSummaryRow struct {
	Status models.PaymentStatus
	Count  int64
}

// Summary returns payment counts per status and the total paid amount.
func (h *ReportHandler) Summary(c *gin.Context) {
	id, ok := enterpriseID(c)
	if !ok {
		return
	}

	db := h.db.WithContext(c.Request.Context())
	var rows []paymentSummaryRow
	if errCount := db.Model(&models.Payment{}).
		Select("payments.status AS status, COUNT(*) AS count").
		Joins("JOIN subscriptions ON subscriptions.id = payments.subscription_id").
		Where("subscriptions.enterprise_id = ?", id).
		Group("payments.status").
		Scan(&rows).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summarize payments failed"})
		return
	}

	var paid []models.Payment
	if errPaid := db.Select("payments.amount").
		Joins("JOIN subscriptions ON subscriptions.id = payments.subscription_id").
		Where("subscriptions.enterprise_id = ? AND payments.status = ?", id, models.PaymentStatusPaid).
		Find(&paid).Error; errPaid != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summarize payments failed"})
		return
	}
	total := decimal.Zero
	for _, p := range paid {
		total = total.Add(p.Amount)
	}

	counts := make(map[models.PaymentStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	c.JSON(http.StatusOK, gin.H{
		"payments_by_status": counts,
		"total_paid":         total.StringFixed(2),
	})
}
