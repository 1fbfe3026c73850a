package types

import "time"

type PlanType string

const (
	PlanTypeMonthly PlanType = "monthly"
	PlanTypeYearly  PlanType = "yearly"
)

func (p PlanType) Valid() bool {
	return p == PlanTypeMonthly || p == PlanTypeYearly
}

// ExpiresFrom returns the entitlement boundary one billing period after from.
// Calendar arithmetic is used, so Jan 31 + 1 month normalizes like time.AddDate.
func (p PlanType) ExpiresFrom(from time.Time) time.Time {
	if p == PlanTypeYearly {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusExpired:
		return true
	}
	return false
}

// WriteSource identifies which writer produced the current state of a row.
type WriteSource string

const (
	WriteSourceClient  WriteSource = "client"
	WriteSourceWebhook WriteSource = "webhook"
	WriteSourceUser    WriteSource = "user"
)

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonPurchase    SubscriptionChangeReason = "purchase"
	SubscriptionChangeReasonRenewal     SubscriptionChangeReason = "renewal"
	SubscriptionChangeReasonPlanChange  SubscriptionChangeReason = "plan_change"
	SubscriptionChangeReasonCancel      SubscriptionChangeReason = "cancel"
	SubscriptionChangeReasonResubscribe SubscriptionChangeReason = "resubscribe"
	SubscriptionChangeReasonExpire      SubscriptionChangeReason = "expire"
)

type ConflictPolicy string

const (
	ConflictPolicyLastWriterWins ConflictPolicy = "last_writer_wins"
	ConflictPolicyProviderWins   ConflictPolicy = "provider_wins"
)
