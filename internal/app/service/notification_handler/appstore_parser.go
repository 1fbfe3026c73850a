package notification_handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/awa/go-iap/appstore"

	"github.com/fatflowers/entitlement/internal/platform/apple/apple_notification"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

// AppStoreParser handles App Store Server Notifications V2. The app sets
// appAccountToken to the account id at purchase time, which is how the
// notification finds its user.
type AppStoreParser struct {
	cfg      *config.Config
	verifier *apple_notification.Verifier
}

func NewAppStoreParser(cfg *config.Config, verifier *apple_notification.Verifier) *AppStoreParser {
	return &AppStoreParser{cfg: cfg, verifier: verifier}
}

func (p *AppStoreParser) Provider() types.BillingProvider {
	return types.BillingProviderAppStore
}

func (p *AppStoreParser) Parse(_ context.Context, body []byte) (*Event, error) {
	var req apple_notification.SignedPayloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if req.SignedPayload == "" {
		return nil, fmt.Errorf("%w: missing signedPayload", ErrMalformedPayload)
	}
	n, err := p.verifier.Parse(req.SignedPayload)
	if err != nil {
		if errors.Is(err, apple_notification.ErrInvalidSignedPayload) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return nil, err
	}
	if bundle := p.cfg.AppleIAP.BundleID; bundle != "" && n.Payload.Data.BundleID != "" && n.Payload.Data.BundleID != bundle {
		return nil, fmt.Errorf("%w: unexpected bundle id %q", ErrMalformedPayload, n.Payload.Data.BundleID)
	}

	ev := &Event{
		Provider:   p.Provider(),
		EventID:    n.Payload.NotificationUUID,
		Type:       appStoreEventType(n),
		RawType:    rawAppStoreType(n),
		OccurredAt: fromMillis(n.Payload.SignedDate),
		Sandbox:    n.IsSandbox(),
	}
	if ev.EventID == "" {
		ev.EventID = fallbackEventID(body)
	}
	if p.cfg.AppleIAP.IsProd && ev.Sandbox {
		ev.Type = EventTypeIgnored
	}

	txn := n.TransactionInfo
	if txn == nil {
		ev.Type = EventTypeIgnored
		return ev, nil
	}
	if !n.IsAutoRenewable() {
		ev.Type = EventTypeIgnored
	}
	productID := txn.ProductID
	if n.RenewalInfo != nil && ev.Type == EventTypePlanChange && n.RenewalInfo.AutoRenewProductID != "" {
		productID = n.RenewalInfo.AutoRenewProductID
	}
	ev.ExternalUserID = strings.ToLower(txn.AppAccountToken)
	ev.ProductID = productID
	ev.PlanType = p.cfg.PlanTypeFor(p.Provider(), productID)
	ev.Price = float64(txn.Price) / 1000
	ev.Currency = strings.ToUpper(txn.Currency)
	ev.PurchasedAt = fromMillis(txn.PurchaseDate)
	ev.ExpiresAt = fromMillis(txn.ExpiresDate)
	if ev.Type != EventTypeIgnored && ev.ExternalUserID == "" {
		return nil, fmt.Errorf("%w: transaction without appAccountToken", ErrMalformedPayload)
	}
	return ev, nil
}

func rawAppStoreType(n *apple_notification.Notification) string {
	if n.Payload.Subtype == "" {
		return n.Payload.NotificationType
	}
	return n.Payload.NotificationType + "/" + n.Payload.Subtype
}

func appStoreEventType(n *apple_notification.Notification) EventType {
	sub := n.Payload.Subtype
	switch n.Payload.NotificationType {
	case string(appstore.NotificationTypeV2Subscribed):
		return EventTypePurchase
	case string(appstore.NotificationTypeV2DidRenew), string(appstore.NotificationTypeV2OfferRedeemed):
		return EventTypeRenewal
	case string(appstore.NotificationTypeV2DidChangeRenewalPref):
		// downgrades take effect at the next renewal
		if sub == string(appstore.SubTypeV2Upgrade) {
			return EventTypePlanChange
		}
		return EventTypeIgnored
	case string(appstore.NotificationTypeV2DidChangeRenewalStatus):
		switch sub {
		case string(appstore.SubTypeV2AutoRenewDisabled):
			return EventTypeCancellation
		case string(appstore.SubTypeV2AutoRenewEnabled):
			return EventTypeRenewal
		}
		return EventTypeIgnored
	case string(appstore.NotificationTypeV2Expired),
		string(appstore.NotificationTypeV2GracePeriodExpired),
		string(appstore.NotificationTypeV2Refund),
		string(appstore.NotificationTypeV2Revoke):
		return EventTypeExpiration
	case string(appstore.NotificationTypeV2DidFailToRenew):
		return EventTypeBillingIssue
	}
	return EventTypeIgnored
}
