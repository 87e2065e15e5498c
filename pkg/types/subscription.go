package types

type SubscriptionStatus string

const (
	SubscriptionStatusTrial    SubscriptionStatus = "trial"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// rank orders statuses along the allowed transition graph.
// trial -> active -> past_due -> canceled, with trial -> past_due allowed directly.
var subscriptionStatusRank = map[SubscriptionStatus]int{
	SubscriptionStatusTrial:    0,
	SubscriptionStatusActive:   1,
	SubscriptionStatusPastDue:  2,
	SubscriptionStatusCanceled: 3,
}

// CanTransition reports whether a subscription may move from s to next.
// Canceled is terminal.
func (s SubscriptionStatus) CanTransition(next SubscriptionStatus) bool {
	from, ok := subscriptionStatusRank[s]
	if !ok {
		return false
	}
	to, ok := subscriptionStatusRank[next]
	if !ok {
		return false
	}
	if s == SubscriptionStatusCanceled {
		return false
	}
	return to > from
}

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonTrialConverted SubscriptionChangeReason = "trial_converted"
	SubscriptionChangeReasonTrialCharged   SubscriptionChangeReason = "trial_charged"
	SubscriptionChangeReasonPastDue        SubscriptionChangeReason = "invoice_past_due"
	SubscriptionChangeReasonFullBlock      SubscriptionChangeReason = "full_block"
)
