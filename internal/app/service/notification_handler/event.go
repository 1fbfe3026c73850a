package notification_handler

import (
	"errors"
	"time"

	"github.com/fatflowers/entitlement/pkg/types"
)

// ErrMalformedPayload marks webhook bodies that cannot be decoded. Providers
// get a 400 for these and should not retry.
var ErrMalformedPayload = errors.New("malformed webhook payload")

var ErrUnsupportedProvider = errors.New("unsupported billing provider")

type EventType string

const (
	EventTypePurchase     EventType = "purchase"
	EventTypeRenewal      EventType = "renewal"
	EventTypePlanChange   EventType = "plan_change"
	EventTypeCancellation EventType = "cancellation"
	EventTypeExpiration   EventType = "expiration"
	EventTypeBillingIssue EventType = "billing_issue"
	EventTypeIgnored      EventType = "ignored"
)

// Event is a provider notification normalized for the reconciler.
type Event struct {
	Provider types.BillingProvider `json:"provider"`
	EventID  string                `json:"event_id"`
	Type     EventType             `json:"type"`
	// RawType is the provider's own event name, kept for logs.
	RawType        string `json:"raw_type"`
	ExternalUserID string `json:"external_user_id"`
	// Aliases are other identifiers the provider knows the user by.
	Aliases     []string       `json:"aliases,omitempty"`
	ProductID   string         `json:"product_id"`
	PlanType    types.PlanType `json:"plan_type"`
	Price       float64        `json:"price"`
	Currency    string         `json:"currency"`
	PurchasedAt time.Time      `json:"purchased_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Sandbox     bool           `json:"sandbox"`
	// UserID is the internal account id, set once the reconciler resolves it.
	UserID string `json:"user_id,omitempty"`
}

// UserCandidates lists identifiers to try, primary first.
func (e *Event) UserCandidates() []string {
	out := make([]string, 0, 1+len(e.Aliases))
	seen := map[string]bool{}
	for _, id := range append([]string{e.ExternalUserID}, e.Aliases...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeNoop         Outcome = "noop"
	OutcomeRecorded     Outcome = "recorded"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeStale        Outcome = "stale"
	OutcomeUserNotFound Outcome = "user_not_found"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
