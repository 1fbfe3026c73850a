package notification_handler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/entitlement/internal/platform/apple/apple_notification"
	"github.com/fatflowers/entitlement/internal/platform/apple/apple_notification/appletest"
	"github.com/fatflowers/entitlement/pkg/config"
	"github.com/fatflowers/entitlement/pkg/types"
)

const testUserID = "6f1c7a2e-4d1b-4c4e-9b8a-1f2e3d4c5b6a"

func testConfig() *config.Config {
	return &config.Config{
		Products: []*types.Product{
			{ProviderID: types.BillingProviderRevenueCat, ProviderItemID: "photoai_pro_12", PlanType: types.PlanTypeYearly, Price: 59.99, Currency: "USD"},
		},
		AppleIAP: config.AppleIAPConfig{BundleID: "com.example.photoai"},
	}
}

func TestRevenueCatParser_Purchase(t *testing.T) {
	body := `{"api_version":"1.0","event":{
		"id":"rc-evt-1","type":"INITIAL_PURCHASE","app_user_id":"` + testUserID + `",
		"original_app_user_id":"$RCAnonymousID:abc","aliases":["$RCAnonymousID:abc","legacy-42"],
		"product_id":"photoai_pro_12","purchased_at_ms":1760000000000,"expiration_at_ms":1791536000000,
		"event_timestamp_ms":1760000001000,"environment":"PRODUCTION",
		"price":59.99,"price_in_purchased_currency":54.99,"currency":"eur"}}`

	ev, err := NewRevenueCatParser(testConfig()).Parse(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, "rc-evt-1", ev.EventID)
	require.Equal(t, EventTypePurchase, ev.Type)
	require.Equal(t, testUserID, ev.ExternalUserID)
	require.Equal(t, []string{"legacy-42"}, ev.Aliases)
	require.Equal(t, types.PlanTypeYearly, ev.PlanType)
	require.Equal(t, 54.99, ev.Price)
	require.Equal(t, "EUR", ev.Currency)
	require.Equal(t, time.UnixMilli(1791536000000).UTC(), ev.ExpiresAt)
	require.Equal(t, []string{testUserID, "legacy-42"}, ev.UserCandidates())
	require.False(t, ev.Sandbox)
}

func TestRevenueCatParser_TypeMapping(t *testing.T) {
	cases := map[string]EventType{
		"RENEWAL":               EventTypeRenewal,
		"UNCANCELLATION":        EventTypeRenewal,
		"SUBSCRIPTION_EXTENDED": EventTypeRenewal,
		"PRODUCT_CHANGE":        EventTypePlanChange,
		"CANCELLATION":          EventTypeCancellation,
		"EXPIRATION":            EventTypeExpiration,
		"BILLING_ISSUE":         EventTypeBillingIssue,
		"NON_RENEWING_PURCHASE": EventTypeIgnored,
		"TRANSFER":              EventTypeIgnored,
	}
	p := NewRevenueCatParser(testConfig())
	for raw, want := range cases {
		body := `{"event":{"id":"x","type":"` + raw + `","app_user_id":"u","product_id":"monthly","new_product_id":"pro_annual"}}`
		ev, err := p.Parse(context.Background(), []byte(body))
		require.NoError(t, err, raw)
		require.Equal(t, want, ev.Type, raw)
		require.Equal(t, raw, ev.RawType)
	}

	ev, err := p.Parse(context.Background(), []byte(`{"event":{"type":"PRODUCT_CHANGE","app_user_id":"u","product_id":"monthly","new_product_id":"pro_annual"}}`))
	require.NoError(t, err)
	require.Equal(t, "pro_annual", ev.ProductID)
	require.Equal(t, types.PlanTypeYearly, ev.PlanType)
	require.Contains(t, ev.EventID, "sha256:")
}

func TestRevenueCatParser_Malformed(t *testing.T) {
	p := NewRevenueCatParser(testConfig())
	for _, body := range []string{`not json`, `{}`, `{"event":{"type":"RENEWAL"}}`} {
		_, err := p.Parse(context.Background(), []byte(body))
		require.ErrorIs(t, err, ErrMalformedPayload, body)
	}
}

func TestAdaptyParser(t *testing.T) {
	body := `{"profile_id":"p-1","customer_user_id":"` + testUserID + `","event_type":"subscription_renewed",
		"event_datetime":"2026-03-01T10:00:00.000000+0000",
		"event_properties":{"profile_event_id":"ad-1","vendor_product_id":"photoai_annual",
		"price_local":49.99,"price_usd":52.1,"currency":"gbp","environment":"Sandbox",
		"purchase_date":"2026-03-01T10:00:00Z","subscription_expires_at":"2027-03-01T10:00:00+0000"}}`

	ev, err := NewAdaptyParser(testConfig()).Parse(context.Background(), []byte(body))
	require.NoError(t, err)
	require.Equal(t, types.BillingProviderAdapty, ev.Provider)
	require.Equal(t, "ad-1", ev.EventID)
	require.Equal(t, EventTypeRenewal, ev.Type)
	require.Equal(t, types.PlanTypeYearly, ev.PlanType)
	require.Equal(t, 49.99, ev.Price)
	require.Equal(t, "GBP", ev.Currency)
	require.True(t, ev.Sandbox)
	require.Equal(t, time.Date(2027, 3, 1, 10, 0, 0, 0, time.UTC), ev.ExpiresAt)
	require.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ev.OccurredAt)

	ev, err = NewAdaptyParser(testConfig()).Parse(context.Background(), []byte(`{"event_type":"access_level_updated"}`))
	require.NoError(t, err)
	require.Equal(t, EventTypeIgnored, ev.Type)

	_, err = NewAdaptyParser(testConfig()).Parse(context.Background(), []byte(`{"event_type":"subscription_expired","customer_user_id":"u","event_properties":{"subscription_expires_at":"yesterday"}}`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

type appStoreFixture struct {
	signer *appletest.Signer
	parser *AppStoreParser
}

func newAppStoreFixture(t *testing.T, cfg *config.Config) *appStoreFixture {
	t.Helper()
	signer := appletest.NewSigner(t)
	v, err := apple_notification.NewVerifierWithRoot(signer.RootPEM)
	require.NoError(t, err)
	return &appStoreFixture{signer: signer, parser: NewAppStoreParser(cfg, v)}
}

func (f *appStoreFixture) body(t *testing.T, notificationType, subtype, env string, txn *apple_notification.TransactionInfo) []byte {
	t.Helper()
	data := apple_notification.NotificationData{BundleID: "com.example.photoai", Environment: env}
	if txn != nil {
		data.SignedTransactionInfo = f.signer.Sign(t, txn)
	}
	signed := f.signer.Sign(t, &apple_notification.NotificationPayload{
		NotificationType: notificationType,
		Subtype:          subtype,
		NotificationUUID: "uuid-" + notificationType + subtype,
		SignedDate:       1760000000000,
		Data:             data,
	})
	b, err := json.Marshal(apple_notification.SignedPayloadRequest{SignedPayload: signed})
	require.NoError(t, err)
	return b
}

func appStoreTxn() *apple_notification.TransactionInfo {
	return &apple_notification.TransactionInfo{
		AppAccountToken: "6F1C7A2E-4D1B-4C4E-9B8A-1F2E3D4C5B6A",
		ProductID:       "com.example.photoai.yearly",
		Price:           59990,
		Currency:        "usd",
		PurchaseDate:    1760000000000,
		ExpiresDate:     1791536000000,
		Type:            "Auto-Renewable Subscription",
	}
}

func TestAppStoreParser_Mapping(t *testing.T) {
	f := newAppStoreFixture(t, testConfig())
	cases := []struct {
		typ, sub string
		want     EventType
	}{
		{"SUBSCRIBED", "INITIAL_BUY", EventTypePurchase},
		{"DID_RENEW", "", EventTypeRenewal},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", EventTypeCancellation},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED", EventTypeRenewal},
		{"DID_CHANGE_RENEWAL_PREF", "UPGRADE", EventTypePlanChange},
		{"DID_CHANGE_RENEWAL_PREF", "DOWNGRADE", EventTypeIgnored},
		{"EXPIRED", "VOLUNTARY", EventTypeExpiration},
		{"REFUND", "", EventTypeExpiration},
		{"REVOKE", "", EventTypeExpiration},
		{"DID_FAIL_TO_RENEW", "GRACE_PERIOD", EventTypeBillingIssue},
		{"PRICE_INCREASE", "PENDING", EventTypeIgnored},
	}
	for _, c := range cases {
		ev, err := f.parser.Parse(context.Background(), f.body(t, c.typ, c.sub, "Production", appStoreTxn()))
		require.NoError(t, err, c.typ)
		require.Equal(t, c.want, ev.Type, c.typ+"/"+c.sub)
	}

	ev, err := f.parser.Parse(context.Background(), f.body(t, "DID_RENEW", "", "Production", appStoreTxn()))
	require.NoError(t, err)
	require.Equal(t, testUserID, ev.ExternalUserID)
	require.Equal(t, "uuid-DID_RENEW", ev.EventID)
	require.Equal(t, 59.99, ev.Price)
	require.Equal(t, "USD", ev.Currency)
	require.Equal(t, types.PlanTypeYearly, ev.PlanType)
	require.Equal(t, time.UnixMilli(1791536000000).UTC(), ev.ExpiresAt)
}

func TestAppStoreParser_IgnoresTestAndSandboxInProd(t *testing.T) {
	cfg := testConfig()
	cfg.AppleIAP.IsProd = true
	f := newAppStoreFixture(t, cfg)

	ev, err := f.parser.Parse(context.Background(), f.body(t, "TEST", "", "Production", nil))
	require.NoError(t, err)
	require.Equal(t, EventTypeIgnored, ev.Type)

	ev, err = f.parser.Parse(context.Background(), f.body(t, "DID_RENEW", "", "Sandbox", appStoreTxn()))
	require.NoError(t, err)
	require.Equal(t, EventTypeIgnored, ev.Type)
	require.True(t, ev.Sandbox)

	consumable := appStoreTxn()
	consumable.Type = "Consumable"
	ev, err = f.parser.Parse(context.Background(), f.body(t, "DID_RENEW", "", "Production", consumable))
	require.NoError(t, err)
	require.Equal(t, EventTypeIgnored, ev.Type)
}

func TestAppStoreParser_Rejects(t *testing.T) {
	f := newAppStoreFixture(t, testConfig())

	_, err := f.parser.Parse(context.Background(), []byte(`{"signedPayload":""}`))
	require.ErrorIs(t, err, ErrMalformedPayload)

	foreign := newAppStoreFixture(t, testConfig())
	_, err = f.parser.Parse(context.Background(), foreign.body(t, "DID_RENEW", "", "Production", appStoreTxn()))
	require.ErrorIs(t, err, ErrMalformedPayload)

	other := testConfig()
	other.AppleIAP.BundleID = "com.example.other"
	f.parser.cfg = other
	_, err = f.parser.Parse(context.Background(), f.body(t, "DID_RENEW", "", "Production", appStoreTxn()))
	require.ErrorContains(t, err, "bundle id")

	f.parser.cfg = testConfig()
	anon := appStoreTxn()
	anon.AppAccountToken = ""
	_, err = f.parser.Parse(context.Background(), f.body(t, "DID_RENEW", "", "Production", anon))
	require.ErrorIs(t, err, ErrMalformedPayload)
}
