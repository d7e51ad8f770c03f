package services

import "github.com/CyberwizD/Distributed-Notification-System/services/delivery_engine/internal/models"

// Aggregate reduces per-token outcomes to counts. Delivered is success, every other
// result is a failure. Deactivations were already performed by the dispatcher and are
// only counted here. TotalTokens is the number of outcomes; the dispatcher overrides it
// with the resolved token count when some tokens were abandoned.
func Aggregate(outcomes []models.DispatchOutcome) models.DispatchSummary {
	var s models.DispatchSummary
	for _, o := range outcomes {
		s.TotalTokens++
		switch o.Result {
		case models.ResultDelivered:
			s.SentCount++
		case models.ResultInvalidToken:
			s.FailedCount++
			s.InvalidCount++
		case models.ResultTransientError:
			s.FailedCount++
			s.TransientCount++
		default:
			s.FailedCount++
			s.RejectedCount++
		}
		if o.Deactivated {
			s.DeactivatedCount++
		}
	}
	return s
}
