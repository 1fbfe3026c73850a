package apple_notification

import (
	"github.com/awa/go-iap/appstore"
	"github.com/awa/go-iap/appstore/api"
	"github.com/golang-jwt/jwt"
)

// SignedPayloadRequest is the body App Store Server Notifications V2 POSTs.
type SignedPayloadRequest struct {
	SignedPayload string `json:"signedPayload" binding:"required"`
}

type NotificationHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
	Status                int    `json:"status"`
}

type NotificationPayload struct {
	jwt.StandardClaims
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

// TransactionInfo is the decoded signedTransactionInfo. Dates are epoch
// milliseconds; Price is in milliunits of Currency.
type TransactionInfo struct {
	jwt.StandardClaims
	AppAccountToken             string `json:"appAccountToken"`
	BundleID                    string `json:"bundleId"`
	Currency                    string `json:"currency"`
	Environment                 string `json:"environment"`
	ExpiresDate                 int64  `json:"expiresDate"`
	OriginalPurchaseDate        int64  `json:"originalPurchaseDate"`
	OriginalTransactionID       string `json:"originalTransactionId"`
	Price                       int64  `json:"price"`
	ProductID                   string `json:"productId"`
	PurchaseDate                int64  `json:"purchaseDate"`
	RevocationDate              int64  `json:"revocationDate"`
	SignedDate                  int64  `json:"signedDate"`
	SubscriptionGroupIdentifier string `json:"subscriptionGroupIdentifier"`
	TransactionID               string `json:"transactionId"`
	TransactionReason           string `json:"transactionReason"`
	Type                        string `json:"type"`
}

type RenewalInfo struct {
	jwt.StandardClaims
	AutoRenewProductID    string `json:"autoRenewProductId"`
	AutoRenewStatus       int    `json:"autoRenewStatus"`
	ExpirationIntent      int    `json:"expirationIntent"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	RenewalDate           int64  `json:"renewalDate"`
	SignedDate            int64  `json:"signedDate"`
}

// Notification is a verified and decoded App Store notification.
type Notification struct {
	Payload         *NotificationPayload
	TransactionInfo *TransactionInfo
	RenewalInfo     *RenewalInfo
}

func (n *Notification) IsTest() bool {
	return n.Payload.NotificationType == string(appstore.NotificationTypeV2Test)
}

func (n *Notification) IsSandbox() bool {
	return n.Payload.Data.Environment == string(api.Sandbox)
}

// IsAutoRenewable reports whether the transaction belongs to an auto-renewable
// subscription, the only product type that maps onto a subscription row.
func (n *Notification) IsAutoRenewable() bool {
	return n.TransactionInfo != nil && n.TransactionInfo.Type == string(api.AutoRenewable)
}
