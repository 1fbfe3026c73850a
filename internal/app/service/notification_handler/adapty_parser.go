package notification_handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

// adaptyTimeLayouts covers RFC 3339 and the colon-less offsets Adapty sends.
var adaptyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000000-0700",
	"2006-01-02T15:04:05-0700",
}

type adaptyWebhook struct {
	ProfileID       string                `json:"profile_id"`
	CustomerUserID  string                `json:"customer_user_id"`
	EventType       string                `json:"event_type"`
	EventDatetime   string                `json:"event_datetime"`
	EventProperties adaptyEventProperties `json:"event_properties"`
}

type adaptyEventProperties struct {
	ProfileEventID        string   `json:"profile_event_id"`
	VendorProductID       string   `json:"vendor_product_id"`
	Store                 string   `json:"store"`
	Environment           string   `json:"environment"`
	PriceLocal            *float64 `json:"price_local"`
	PriceUSD              *float64 `json:"price_usd"`
	Currency              string   `json:"currency"`
	PurchaseDate          string   `json:"purchase_date"`
	SubscriptionExpiresAt string   `json:"subscription_expires_at"`
	TransactionID         string   `json:"transaction_id"`
}

var adaptyEventTypes = map[string]EventType{
	"subscription_started":             EventTypePurchase,
	"trial_started":                    EventTypePurchase,
	"subscription_renewed":             EventTypeRenewal,
	"trial_converted":                  EventTypeRenewal,
	"subscription_renewal_reactivated": EventTypeRenewal,
	"trial_renewal_reactivated":        EventTypeRenewal,
	"subscription_renewal_cancelled":   EventTypeCancellation,
	"trial_renewal_cancelled":          EventTypeCancellation,
	"subscription_expired":             EventTypeExpiration,
	"trial_expired":                    EventTypeExpiration,
	"subscription_refunded":            EventTypeExpiration,
	"billing_issue_detected":           EventTypeBillingIssue,
	"entered_grace_period":             EventTypeBillingIssue,
}

// AdaptyParser handles the legacy Adapty integration.
type AdaptyParser struct {
	cfg *config.Config
}

func NewAdaptyParser(cfg *config.Config) *AdaptyParser {
	return &AdaptyParser{cfg: cfg}
}

func (p *AdaptyParser) Provider() types.BillingProvider {
	return types.BillingProviderAdapty
}

func (p *AdaptyParser) Parse(_ context.Context, body []byte) (*Event, error) {
	var w adaptyWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if w.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedPayload)
	}
	typ, ok := adaptyEventTypes[w.EventType]
	if !ok {
		typ = EventTypeIgnored
	}
	if typ != EventTypeIgnored && w.CustomerUserID == "" {
		return nil, fmt.Errorf("%w: missing customer_user_id", ErrMalformedPayload)
	}

	props := w.EventProperties
	ev := &Event{
		Provider:       p.Provider(),
		EventID:        props.ProfileEventID,
		Type:           typ,
		RawType:        w.EventType,
		ExternalUserID: w.CustomerUserID,
		ProductID:      props.VendorProductID,
		PlanType:       p.cfg.PlanTypeFor(p.Provider(), props.VendorProductID),
		Sandbox:        strings.EqualFold(props.Environment, "sandbox"),
	}
	var err error
	if ev.PurchasedAt, err = parseAdaptyTime(props.PurchaseDate); err != nil {
		return nil, fmt.Errorf("%w: purchase_date: %v", ErrMalformedPayload, err)
	}
	if ev.ExpiresAt, err = parseAdaptyTime(props.SubscriptionExpiresAt); err != nil {
		return nil, fmt.Errorf("%w: subscription_expires_at: %v", ErrMalformedPayload, err)
	}
	if ev.OccurredAt, err = parseAdaptyTime(w.EventDatetime); err != nil {
		return nil, fmt.Errorf("%w: event_datetime: %v", ErrMalformedPayload, err)
	}
	switch {
	case props.PriceLocal != nil && props.Currency != "":
		ev.Price, ev.Currency = *props.PriceLocal, strings.ToUpper(props.Currency)
	case props.PriceUSD != nil:
		ev.Price, ev.Currency = *props.PriceUSD, "USD"
	}
	if ev.EventID == "" {
		ev.EventID = fallbackEventID(body)
	}
	return ev, nil
}

func parseAdaptyTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range adaptyTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
