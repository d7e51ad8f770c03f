package models

// OutcomeResult classifies what a gateway did with one token.
type OutcomeResult string

const (
	// ResultDelivered indicates the push was acknowledged by the gateway.
	ResultDelivered OutcomeResult = "delivered"
	// ResultInvalidToken indicates the gateway reported the token as permanently dead.
	ResultInvalidToken OutcomeResult = "invalid-token"
	// ResultTransientError indicates a network, timeout or 5xx failure that survived the retry.
	ResultTransientError OutcomeResult = "transient-error"
	// ResultGatewayRejected indicates the gateway refused the message for a non-token reason.
	ResultGatewayRejected OutcomeResult = "gateway-rejected"
)

// DispatchOutcome is the ephemeral per-token result of one dispatch.
type DispatchOutcome struct {
	TokenID     string
	UserID      string
	Platform    Platform
	Result      OutcomeResult
	Attempts    int
	Deactivated bool
	Err         error
}

// DispatchSummary is the caller-facing result of a send.
// TotalTokens may exceed SentCount+FailedCount when the overall deadline expired
// before every resolved token was attempted.
type DispatchSummary struct {
	TotalTokens          int        `json:"totalTokens"`
	SentCount            int        `json:"sentCount"`
	FailedCount          int        `json:"failedCount"`
	DeactivatedCount     int        `json:"deactivatedCount"`
	InvalidCount         int        `json:"invalidCount"`
	TransientCount       int        `json:"transientCount"`
	RejectedCount        int        `json:"rejectedCount"`
	UnavailablePlatforms []Platform `json:"unavailablePlatforms,omitempty"`
}

// Success is true when at least one token received the notification or when
// there was nobody to deliver to. Partial failure is still success.
func (s DispatchSummary) Success() bool {
	return s.SentCount > 0 || s.TotalTokens == 0
}

// Completed is the number of tokens that produced an outcome.
func (s DispatchSummary) Completed() int {
	return s.SentCount + s.FailedCount
}

// Abandoned is the number of resolved tokens that were never attempted.
func (s DispatchSummary) Abandoned() int {
	if n := s.TotalTokens - s.Completed(); n > 0 {
		return n
	}
	return 0
}

// Merge combines two summaries. Counting fields add; it is commutative and associative.
func (s DispatchSummary) Merge(o DispatchSummary) DispatchSummary {
	out := DispatchSummary{
		TotalTokens:      s.TotalTokens + o.TotalTokens,
		SentCount:        s.SentCount + o.SentCount,
		FailedCount:      s.FailedCount + o.FailedCount,
		DeactivatedCount: s.DeactivatedCount + o.DeactivatedCount,
		InvalidCount:     s.InvalidCount + o.InvalidCount,
		TransientCount:   s.TransientCount + o.TransientCount,
		RejectedCount:    s.RejectedCount + o.RejectedCount,
	}
	for _, p := range append(append([]Platform{}, s.UnavailablePlatforms...), o.UnavailablePlatforms...) {
		if !containsPlatform(out.UnavailablePlatforms, p) {
			out.UnavailablePlatforms = append(out.UnavailablePlatforms, p)
		}
	}
	return out
}

func containsPlatform(list []Platform, p Platform) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}
