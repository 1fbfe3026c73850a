package subscription

import (
	"fmt"

	"github.com/fatflowers/entitlement/pkg/types"
)

type transitionEvent string

const (
	eventPurchase    transitionEvent = "purchase"
	eventRenew       transitionEvent = "renew"
	eventPlanChange  transitionEvent = "plan_change"
	eventCancel      transitionEvent = "cancel"
	eventResubscribe transitionEvent = "resubscribe"
	eventExpire      transitionEvent = "expire"
)

// transitions is the status machine. A row that does not exist yet can only
// take eventPurchase.
var transitions = map[types.SubscriptionStatus]map[transitionEvent]types.SubscriptionStatus{
	types.SubscriptionStatusActive: {
		eventPurchase:   types.SubscriptionStatusActive,
		eventRenew:      types.SubscriptionStatusActive,
		eventPlanChange: types.SubscriptionStatusActive,
		eventCancel:     types.SubscriptionStatusCancelled,
		eventExpire:     types.SubscriptionStatusExpired,
	},
	types.SubscriptionStatusCancelled: {
		eventPurchase:    types.SubscriptionStatusActive,
		eventCancel:      types.SubscriptionStatusCancelled,
		eventResubscribe: types.SubscriptionStatusActive,
		eventExpire:      types.SubscriptionStatusExpired,
	},
	types.SubscriptionStatusExpired: {
		eventPurchase: types.SubscriptionStatusActive,
		eventExpire:   types.SubscriptionStatusExpired,
	},
}

func nextStatus(from types.SubscriptionStatus, ev transitionEvent) (types.SubscriptionStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// changeReason names a transition for the audit log.
func changeReason(from *types.SubscriptionStatus, ev transitionEvent) types.SubscriptionChangeReason {
	switch ev {
	case eventPurchase:
		if from != nil && *from != types.SubscriptionStatusActive {
			return types.SubscriptionChangeReasonResubscribe
		}
		return types.SubscriptionChangeReasonPurchase
	case eventRenew:
		return types.SubscriptionChangeReasonRenewal
	case eventPlanChange:
		return types.SubscriptionChangeReasonPlanChange
	case eventCancel:
		return types.SubscriptionChangeReasonCancel
	case eventResubscribe:
		return types.SubscriptionChangeReasonResubscribe
	default:
		return types.SubscriptionChangeReasonExpire
	}
}
