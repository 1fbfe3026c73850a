package notification_handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

const revenueCatAnonymousPrefix = "$RCAnonymousID:"

type revenueCatWebhook struct {
	APIVersion string           `json:"api_version"`
	Event      *revenueCatEvent `json:"event"`
}

type revenueCatEvent struct {
	ID                       string   `json:"id"`
	Type                     string   `json:"type"`
	AppUserID                string   `json:"app_user_id"`
	OriginalAppUserID        string   `json:"original_app_user_id"`
	Aliases                  []string `json:"aliases"`
	ProductID                string   `json:"product_id"`
	NewProductID             string   `json:"new_product_id"`
	PurchasedAtMs            int64    `json:"purchased_at_ms"`
	ExpirationAtMs           int64    `json:"expiration_at_ms"`
	EventTimestampMs         int64    `json:"event_timestamp_ms"`
	Environment              string   `json:"environment"`
	Price                    *float64 `json:"price"`
	PriceInPurchasedCurrency *float64 `json:"price_in_purchased_currency"`
	Currency                 string   `json:"currency"`
	CancelReason             string   `json:"cancel_reason"`
}

var revenueCatEventTypes = map[string]EventType{
	"INITIAL_PURCHASE":      EventTypePurchase,
	"RENEWAL":               EventTypeRenewal,
	"UNCANCELLATION":        EventTypeRenewal,
	"SUBSCRIPTION_EXTENDED": EventTypeRenewal,
	"PRODUCT_CHANGE":        EventTypePlanChange,
	"CANCELLATION":          EventTypeCancellation,
	"EXPIRATION":            EventTypeExpiration,
	"BILLING_ISSUE":         EventTypeBillingIssue,
}

type RevenueCatParser struct {
	cfg *config.Config
}

func NewRevenueCatParser(cfg *config.Config) *RevenueCatParser {
	return &RevenueCatParser{cfg: cfg}
}

func (p *RevenueCatParser) Provider() types.BillingProvider {
	return types.BillingProviderRevenueCat
}

func (p *RevenueCatParser) Parse(_ context.Context, body []byte) (*Event, error) {
	var w revenueCatWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	e := w.Event
	if e == nil || e.Type == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}

	typ, ok := revenueCatEventTypes[e.Type]
	if !ok {
		typ = EventTypeIgnored
	}
	if typ != EventTypeIgnored && e.AppUserID == "" && e.OriginalAppUserID == "" {
		return nil, fmt.Errorf("%w: missing app_user_id", ErrMalformedPayload)
	}

	productID := e.ProductID
	if typ == EventTypePlanChange && e.NewProductID != "" {
		productID = e.NewProductID
	}

	ev := &Event{
		Provider:       p.Provider(),
		EventID:        e.ID,
		Type:           typ,
		RawType:        e.Type,
		ExternalUserID: e.AppUserID,
		ProductID:      productID,
		PlanType:       p.cfg.PlanTypeFor(p.Provider(), productID),
		PurchasedAt:    fromMillis(e.PurchasedAtMs),
		ExpiresAt:      fromMillis(e.ExpirationAtMs),
		OccurredAt:     fromMillis(e.EventTimestampMs),
		Sandbox:        strings.EqualFold(e.Environment, "SANDBOX"),
	}
	for _, alias := range append([]string{e.OriginalAppUserID}, e.Aliases...) {
		if alias != "" && !strings.HasPrefix(alias, revenueCatAnonymousPrefix) {
			ev.Aliases = append(ev.Aliases, alias)
		}
	}
	switch {
	case e.PriceInPurchasedCurrency != nil && e.Currency != "":
		ev.Price, ev.Currency = *e.PriceInPurchasedCurrency, strings.ToUpper(e.Currency)
	case e.Price != nil:
		ev.Price, ev.Currency = *e.Price, "USD"
	}
	if ev.EventID == "" {
		ev.EventID = fallbackEventID(body)
	}
	return ev, nil
}
