package subscription

import "github.com/feedbox/billing/internal/models"

var transitions = map[models.SubscriptionStatus][]models.SubscriptionStatus{
	models.SubscriptionStatusActive: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusPastDue,
		models.SubscriptionStatusCanceled,
	},
	models.SubscriptionStatusPastDue: {
		models.SubscriptionStatusActive,
		models.SubscriptionStatusCanceled,
	},
}

// CanTransition reports whether a subscription may move from one status to another.
// Canceled is terminal.
func CanTransition(from, to models.SubscriptionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
